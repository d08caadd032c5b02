package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	ingesthttp "github.com/koperasi-erp/koperasi-erp/internal/ingest/http"
	"github.com/koperasi-erp/koperasi-erp/internal/observability"
)

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(mw MiddlewareConfig, ingestHandler *ingesthttp.Handler, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	for _, m := range MiddlewareStack(mw) {
		r.Use(m)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	if ingestHandler != nil {
		ingestHandler.MountRoutes(r)
	}

	return r
}
