package handlers

import (
	"net/http"
	"time"

	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/store"
)

const defaultEventWindow = 24 * time.Hour

type SecurityEventCounts struct {
	Since  time.Time                 `json:"since"`
	Counts map[audit.EventType]int64 `json:"counts"`
}

// GetSecurityEventCounts counts security events by type. The since query
// parameter takes an RFC 3339 time or a duration back from now.
func (a *API) GetSecurityEventCounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Now().Add(-defaultEventWindow)
	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else {
			writeErrorCode(w, http.StatusBadRequest, "invalid_request", "since must be a duration or RFC 3339 time")
			return
		}
	}

	counts, err := a.cfg.Audit.CountByType(r.Context(), audit.Filter{
		IP:      q.Get("ip"),
		Subject: q.Get("subject"),
		Since:   since,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SecurityEventCounts{Since: since.UTC(), Counts: counts})
}

type SyncCursorsResponse struct {
	Cursors []store.Cursor `json:"cursors"`
}

func (a *API) ListSyncCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := a.cfg.Reader.ListCursors(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if cursors == nil {
		cursors = []store.Cursor{}
	}
	writeJSON(w, http.StatusOK, SyncCursorsResponse{Cursors: cursors})
}
