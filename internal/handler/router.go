package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/Ferrari4891/selecttravel-vouchers/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса купонов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/business", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/schedules", h.CreateSchedule)
			r.Get("/schedules", h.ListSchedules)
			r.Post("/schedules/{id}/toggle", h.ToggleSchedule)
			r.Delete("/schedules/{id}", h.DeleteSchedule)

			r.Post("/vouchers", h.CreateVoucher)
			r.Get("/vouchers", h.ListVouchers)
			r.Post("/vouchers/{id}/toggle", h.ToggleVoucher)
			r.Get("/vouchers/{id}/usage", h.GetVoucherUsage)

			r.Get("/scanner/mode", h.GetScannerMode)
			r.Put("/scanner/mode", h.SetScannerMode)

			r.Post("/scan", h.Scan)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
