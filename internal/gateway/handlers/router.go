package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the gateway's HTTP surface. requestTimeout cancels the
// request context, which stops any remaining fallback attempts.
func NewRouter(chat *ChatHandler, keys *KeysHandler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/chat/completions", chat.HandleChatCompletion)
	r.Post("/reload-config", keys.HandleReloadConfig)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate-virtual-key", keys.HandleGenerateVirtualKey)
		r.Post("/save-keys", keys.HandleSaveKeys)
	})

	return r
}
