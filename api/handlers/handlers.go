// Package handlers serves the relay's HTTP API: claims, creations,
// distributable reads and operator status.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/giftlane/relay/api/handlers/dberror"
	"github.com/giftlane/relay/api/metrics"
	"github.com/giftlane/relay/claims/pkg/coordinator"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/realtime/pkg/auth"
	"github.com/giftlane/relay/store"
)

// Coordinator is implemented by *coordinator.Coordinator.
type Coordinator interface {
	ClaimWithGuards(ctx context.Context, idemKey string, req coordinator.ClaimRequest) (*coordinator.ClaimResult, error)
	Create(ctx context.Context, idemKey string, req coordinator.CreateRequest) ([]*domain.Distributable, error)
}

// Reader is the read side of *store.Store.
type Reader interface {
	GetDistributable(ctx context.Context, kind domain.Kind, id string) (*domain.Distributable, error)
	ListClaims(ctx context.Context, kind domain.Kind, id string) ([]domain.Claim, error)
	ListCreatedBy(ctx context.Context, addr string, limit int) ([]domain.Distributable, error)
	ListCursors(ctx context.Context) ([]store.Cursor, error)
}

// Permissions decides what a user may see of a distributable. The realtime
// gateway implements it so HTTP reads and subscriptions agree.
type Permissions interface {
	Permissions(ctx context.Context, user string, d *domain.Distributable) (domain.Permissions, error)
}

type AuditReader interface {
	CountByType(ctx context.Context, f audit.Filter) (map[audit.EventType]int64, error)
}

type Config struct {
	Logger      *slog.Logger
	Coordinator Coordinator
	Reader      Reader
	Permissions Permissions
	Audit       AuditReader
	Verifier    auth.Verifier
	// Admins may read operator endpoints.
	Admins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	if cfg.Permissions == nil {
		return errors.New("permissions are required")
	}
	if cfg.Audit == nil {
		return errors.New("audit reader is required")
	}
	if cfg.Verifier == nil {
		return errors.New("token verifier is required")
	}
	for i, a := range cfg.Admins {
		addr, err := domain.NormalizeAddress(a)
		if err != nil {
			return errors.New("admin " + strconv.Quote(a) + " is not an address")
		}
		cfg.Admins[i] = addr
	}
	return nil
}

type API struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{log: cfg.Logger, cfg: cfg}, nil
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	metrics.RecordAPIError(code)
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// codeStatus maps coordinator codes to HTTP statuses.
var codeStatus = map[coordinator.Code]int{
	coordinator.CodeNotFound:           http.StatusNotFound,
	coordinator.CodeAlreadyClaimed:     http.StatusConflict,
	coordinator.CodeRefunded:           http.StatusGone,
	coordinator.CodeExpired:            http.StatusGone,
	coordinator.CodeNotRecipient:       http.StatusForbidden,
	coordinator.CodeAlreadyClaimedPool: http.StatusConflict,
	coordinator.CodePoolExhausted:      http.StatusConflict,
	coordinator.CodeInvalidAmount:      http.StatusUnprocessableEntity,
	coordinator.CodeInvalidRequest:     http.StatusBadRequest,
	coordinator.CodeTxFailed:           http.StatusUnprocessableEntity,
	coordinator.CodeTxPending:          http.StatusConflict,
	coordinator.CodeLocked:             http.StatusConflict,
	coordinator.CodeDuplicateRequest:   http.StatusConflict,
}

// writeError maps err to a response. Unclassified errors are logged and
// never leak their text.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *coordinator.Error
	if errors.As(err, &cerr) {
		status, ok := codeStatus[cerr.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		if cerr.Retryable() {
			w.Header().Set("Retry-After", "1")
		}
		writeErrorCode(w, status, string(cerr.Code), cerr.Msg)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeErrorCode(w, http.StatusNotFound, string(coordinator.CodeNotFound), "distributable not found")
		return
	}
	if dberror.IsTransient(err) {
		a.log.Warn("api: transient failure", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
		writeErrorCode(w, http.StatusServiceUnavailable, "unavailable", dberror.UserMessage(err))
		return
	}
	a.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeErrorCode(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred. Please try again.")
}

// kindParam accepts the plural resource names used in routes.
func kindParam(s string) (domain.Kind, bool) {
	name, ok := strings.CutSuffix(s, "s")
	if !ok {
		return "", false
	}
	k, err := domain.ParseKind(name)
	return k, err == nil
}
