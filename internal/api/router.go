package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"vibekanban-remote/internal/apierr"
)

// WSHandler is implemented by internal/wsapi.Server to keep internal/api
// free of a dependency on the websocket upgrade machinery; main wires the
// concrete handler in.
type WSHandler func(w http.ResponseWriter, r *http.Request)

// Router builds the full route table, mirroring the teacher's main.go
// mux.NewRouter wiring but under the spec's /v1 prefix and with the Gate
// generalizing authMiddlewareCtx.
func (s *Server) Router(identity IdentityProvider, ws WSHandler) http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/v1/oauth/web/init", s.OAuthInit(identity)).Methods(http.MethodPost)
	r.HandleFunc("/v1/oauth/web/redeem", s.OAuthRedeem(identity)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tokens/refresh", s.RefreshToken).Methods(http.MethodPost)

	r.HandleFunc("/v1/tasks", s.Gate.Middleware(s.CreateTask)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}", s.Gate.Middleware(s.UpdateTask)).Methods(http.MethodPatch)
	r.HandleFunc("/v1/tasks/{id}/assign", s.Gate.Middleware(s.AssignTask)).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}", s.Gate.Middleware(s.DeleteTask)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/tasks/bulk", s.Gate.Middleware(s.BulkSnapshot)).Methods(http.MethodGet)
	r.HandleFunc("/v1/activity", s.Gate.Middleware(s.ActivityFeed)).Methods(http.MethodGet)

	r.HandleFunc("/v1/ws", ws)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierr.WriteJSON(w, apierr.New(apierr.CodeNotFound, "no such route"))
	})

	return r
}

// corsMiddleware generalizes the teacher's corsMiddleware in main.go.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
