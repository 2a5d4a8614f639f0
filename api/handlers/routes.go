package handlers

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the authenticated API under r. Static segments win over
// the {kind} patterns in chi, so /me and /admin never reach them.
func (a *API) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.RequireAuth)

		r.Get("/me/distributables", a.ListMine)
		r.Post("/{kind}", a.PostCreate)
		r.Get("/{kind}/{id}", a.GetDistributable)
		r.Get("/{kind}/{id}/claims", a.ListClaims)
		r.Post("/{kind}/{id}/claim", a.PostClaim)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.RequireAdmin)
			r.Get("/security-events", a.GetSecurityEventCounts)
			r.Get("/sync-cursors", a.ListSyncCursors)
		})
	})
}
