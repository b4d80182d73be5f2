package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

const requestTimeout = 30 * time.Second

// NewRouter wires the HTTP surface of the auth service. The gate runs for
// every route; paths it was configured with as public bypass it.
func NewRouter(gate *oidcx.Gate, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(Recover(logger))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(gate.Middleware)

	r.Get("/health", health)
	r.Get("/whoami", whoami)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func whoami(w http.ResponseWriter, r *http.Request) {
	user, ok := oidcx.UserFromContext(r.Context())
	if !ok {
		oidcx.WriteUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
