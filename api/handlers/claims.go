package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/giftlane/relay/claims/pkg/coordinator"
	"github.com/giftlane/relay/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxIdempotencyKey = 128

type ClaimRequest struct {
	TxHash string `json:"tx_hash,omitempty"`
	// Amount is an explicit share for random-split packets.
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type ClaimResponse struct {
	Claim         ClaimView         `json:"claim"`
	Distributable DistributableView `json:"distributable"`
}

type CreateRequest struct {
	TxHash string `json:"tx_hash"`
}

type CreateResponse struct {
	Items []DistributableView `json:"items"`
}

// idempotencyKey scopes the client's key to the caller so two users can
// never collide.
func idempotencyKey(r *http.Request, user string) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", true
	}
	if len(key) > maxIdempotencyKey {
		return "", false
	}
	return user + ":" + key, true
}

// PostClaim claims the distributable for the caller.
func (a *API) PostClaim(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(chi.URLParam(r, "kind"))
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	id := IdentityFromContext(r.Context())
	key, ok := idempotencyKey(r, id.UserID)
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, string(coordinator.CodeInvalidRequest), "Idempotency-Key is too long")
		return
	}

	var req ClaimRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeErrorCode(w, http.StatusBadRequest, string(coordinator.CodeInvalidRequest), "invalid request body")
			return
		}
	}

	res, err := a.cfg.Coordinator.ClaimWithGuards(r.Context(), key, coordinator.ClaimRequest{
		Kind:    kind,
		ID:      chi.URLParam(r, "id"),
		Claimer: id.UserID,
		TxHash:  req.TxHash,
		Amount:  req.Amount,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// The claimer always sees their own claim; stats follow the usual rule.
	perms, err := a.cfg.Permissions.Permissions(r.Context(), id.UserID, res.Distributable)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	perms.CanView, perms.CanViewClaims = true, true
	writeJSON(w, http.StatusOK, ClaimResponse{
		Claim:         newClaimView(*res.Claim),
		Distributable: newDistributableView(res.Distributable, perms),
	})
}

// PostCreate registers the distributables created by a mined transaction.
func (a *API) PostCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(chi.URLParam(r, "kind"))
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	id := IdentityFromContext(r.Context())
	key, ok := idempotencyKey(r, id.UserID)
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, string(coordinator.CodeInvalidRequest), "Idempotency-Key is too long")
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, string(coordinator.CodeInvalidRequest), "invalid request body")
		return
	}

	created, err := a.cfg.Coordinator.Create(r.Context(), key, coordinator.CreateRequest{Kind: kind, TxHash: req.TxHash})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := CreateResponse{Items: make([]DistributableView, 0, len(created))}
	for _, d := range created {
		perms, err := a.cfg.Permissions.Permissions(r.Context(), id.UserID, d)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		resp.Items = append(resp.Items, newDistributableView(d, perms))
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetDistributable returns one distributable. Gifts the caller is not a
// party to are reported as missing.
func (a *API) GetDistributable(w http.ResponseWriter, r *http.Request) {
	d, perms, ok := a.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newDistributableView(d, perms))
}

// ListClaims returns the claims on a distributable to callers allowed to
// see them.
func (a *API) ListClaims(w http.ResponseWriter, r *http.Request) {
	d, perms, ok := a.load(w, r)
	if !ok {
		return
	}
	if !perms.CanViewClaims {
		writeErrorCode(w, http.StatusForbidden, "forbidden", "not allowed to view claims")
		return
	}
	claims, err := a.cfg.Reader.ListClaims(r.Context(), d.Kind, d.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]ClaimView, 0, len(claims))
	for _, c := range claims {
		views = append(views, newClaimView(c))
	}
	writeJSON(w, http.StatusOK, Paginate(views, ParsePagination(r, DefaultLimit)))
}

// ListMine returns the caller's newest distributables. Only the newest
// MaxLimit rows are reachable through paging.
func (a *API) ListMine(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	p := ParsePagination(r, DefaultLimit)
	rows, err := a.cfg.Reader.ListCreatedBy(r.Context(), id.UserID, MaxLimit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	creator := domain.Permissions{CanView: true, CanViewStats: true, CanViewClaims: true}
	views := make([]DistributableView, 0, len(rows))
	for i := range rows {
		views = append(views, newDistributableView(&rows[i], creator))
	}
	writeJSON(w, http.StatusOK, Paginate(views, p))
}

func (a *API) load(w http.ResponseWriter, r *http.Request) (*domain.Distributable, domain.Permissions, bool) {
	var none domain.Permissions
	kind, ok := kindParam(chi.URLParam(r, "kind"))
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "not_found", "unknown resource")
		return nil, none, false
	}
	rawID, err := domain.CanonicalID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, string(coordinator.CodeInvalidRequest), "id must be a non-negative integer")
		return nil, none, false
	}
	d, err := a.cfg.Reader.GetDistributable(r.Context(), kind, rawID)
	if err != nil {
		a.writeError(w, r, err)
		return nil, none, false
	}
	perms, err := a.cfg.Permissions.Permissions(r.Context(), IdentityFromContext(r.Context()).UserID, d)
	if err != nil {
		a.writeError(w, r, err)
		return nil, none, false
	}
	if !perms.CanView {
		writeErrorCode(w, http.StatusNotFound, "not_found", "distributable not found")
		return nil, none, false
	}
	return d, perms, true
}
