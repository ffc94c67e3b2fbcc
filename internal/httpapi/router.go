package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts both page operations behind bearer auth.
func NewRouter(converter PageConverter, counter PageCounter, apiKey string, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if timeout > 0 {
		r.Use(chimiddleware.Timeout(timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/mupdf", func(r chi.Router) {
		r.Use(RequireBearer(apiKey))
		r.Post("/convert-page", ConvertPage(converter))
		r.Post("/get-pages", GetPages(counter))
	})
	return r
}
