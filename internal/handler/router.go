package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/merchstore-system/internal/middleware"
)

// pathParam извлекает параметр маршрута chi.
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса мерч-магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout/session", h.CreateCheckoutSession)
		r.Post("/webhook", h.Webhook)

		r.Get("/products", h.Products)
		r.Get("/limited-status/{productID}", h.LimitedStatus)
		r.Get("/order/{sessionID}", h.GetOrder)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/checkout/session", "/api/webhook":
			w.Header().Set("Allow", http.MethodPost)
		}
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
