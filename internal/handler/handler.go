// Package handler содержит HTTP-обработчики API сервиса купонов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/middleware"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/qr"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/repository"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/scanner"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterBusiness(ctx context.Context, login, password string) (uuid.UUID, error)
	AuthenticateBusiness(ctx context.Context, login, password string) (uuid.UUID, error)
	CreateSchedule(ctx context.Context, businessID uuid.UUID, name string, template model.VoucherTemplate, pattern model.RecurrencePattern, details model.RecurrenceDetails) (*model.VoucherSchedule, error)
	ListSchedules(ctx context.Context, businessID uuid.UUID) ([]model.VoucherSchedule, error)
	ToggleSchedule(ctx context.Context, id, businessID uuid.UUID) (*model.VoucherSchedule, error)
	DeleteSchedule(ctx context.Context, id, businessID uuid.UUID) error
	CreateVoucher(ctx context.Context, v *model.Voucher) error
	ListVouchers(ctx context.Context, businessID uuid.UUID) ([]model.Voucher, error)
	EvaluateVoucher(v *model.Voucher) model.VoucherState
	ToggleVoucher(ctx context.Context, id, businessID uuid.UUID) (*model.Voucher, error)
	GetVoucherUsage(ctx context.Context, voucherID, businessID uuid.UUID) ([]model.VoucherUsage, error)
	GetScannerMode(ctx context.Context, businessID uuid.UUID) (model.ScannerMode, error)
	SetScannerMode(ctx context.Context, businessID uuid.UUID, mode model.ScannerMode, confirmed bool) error
	Scan(ctx context.Context, businessID uuid.UUID, raw string) (*scanner.Result, error)
}

// Handler реализует HTTP-обработчики API сервиса купонов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового аккаунта заведения.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	businessID, err := h.service.RegisterBusiness(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrBusinessExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register business error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, businessID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию заведения и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	businessID, err := h.service.AuthenticateBusiness(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrBusinessNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login business error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, businessID)
	w.WriteHeader(http.StatusOK)
}

type createScheduleRequest struct {
	ScheduleName string                  `json:"schedule_name"`
	Template     model.VoucherTemplate   `json:"template"`
	Pattern      model.RecurrencePattern `json:"pattern"`
	Details      model.RecurrenceDetails `json:"details"`
}

type scheduleResponse struct {
	ID              string                  `json:"id"`
	ScheduleName    string                  `json:"schedule_name"`
	Template        model.VoucherTemplate   `json:"template"`
	Pattern         model.RecurrencePattern `json:"pattern"`
	Details         model.RecurrenceDetails `json:"details"`
	IsActive        bool                    `json:"is_active"`
	NextTriggerAt   string                  `json:"next_trigger_at"`
	LastTriggeredAt *string                 `json:"last_triggered_at,omitempty"`
	CreatedAt       string                  `json:"created_at"`
}

func toScheduleResponse(s *model.VoucherSchedule) scheduleResponse {
	resp := scheduleResponse{
		ID:            s.ID.String(),
		ScheduleName:  s.ScheduleName,
		Template:      s.Template,
		Pattern:       s.Pattern,
		Details:       s.Details,
		IsActive:      s.IsActive,
		NextTriggerAt: s.NextTriggerAt.Format(time.RFC3339),
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
	if s.LastTriggeredAt != nil {
		last := s.LastTriggeredAt.Format(time.RFC3339)
		resp.LastTriggeredAt = &last
	}
	return resp
}

// CreateSchedule создаёт новое расписание выпуска купонов.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sch, err := h.service.CreateSchedule(r.Context(), businessID, req.ScheduleName, req.Template, req.Pattern, req.Details)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSchedule) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("create schedule error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toScheduleResponse(sch))
}

// ListSchedules возвращает расписания текущего заведения.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	schedules, err := h.service.ListSchedules(r.Context(), businessID)
	if err != nil {
		h.logger.Error("list schedules error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(schedules) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]scheduleResponse, 0, len(schedules))
	for i := range schedules {
		resp = append(resp, toScheduleResponse(&schedules[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ToggleSchedule переключает активность расписания.
func (h *Handler) ToggleSchedule(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	sch, err := h.service.ToggleSchedule(r.Context(), id, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("toggle schedule error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toScheduleResponse(sch))
}

// DeleteSchedule удаляет расписание. Уже выпущенные купоны остаются.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	if err := h.service.DeleteSchedule(r.Context(), id, businessID); err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete schedule error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createVoucherRequest struct {
	Title             string          `json:"title"`
	Description       *string         `json:"description,omitempty"`
	VoucherType       string          `json:"voucher_type"`
	DiscountValue     decimal.Decimal `json:"discount_value"`
	MinPurchaseAmount decimal.Decimal `json:"min_purchase_amount"`
	MaxUses           *int            `json:"max_uses,omitempty"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           time.Time       `json:"end_date"`
}

type voucherResponse struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       *string         `json:"description,omitempty"`
	VoucherType       string          `json:"voucher_type"`
	DiscountValue     decimal.Decimal `json:"discount_value"`
	MinPurchaseAmount decimal.Decimal `json:"min_purchase_amount"`
	MaxUses           *int            `json:"max_uses,omitempty"`
	CurrentUses       int             `json:"current_uses"`
	StartDate         string          `json:"start_date"`
	EndDate           string          `json:"end_date"`
	IsActive          bool            `json:"is_active"`
	State             string          `json:"state"`
}

func toVoucherResponse(v *model.Voucher, state model.VoucherState) voucherResponse {
	return voucherResponse{
		ID:                v.ID.String(),
		Title:             v.Title,
		Description:       v.Description,
		VoucherType:       string(v.VoucherType),
		DiscountValue:     v.DiscountValue,
		MinPurchaseAmount: v.MinPurchaseAmount,
		MaxUses:           v.MaxUses,
		CurrentUses:       v.CurrentUses,
		StartDate:         v.StartDate.Format(time.RFC3339),
		EndDate:           v.EndDate.Format(time.RFC3339),
		IsActive:          v.IsActive,
		State:             string(state),
	}
}

// CreateVoucher создаёт купон вручную, минуя расписание.
func (h *Handler) CreateVoucher(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	v := &model.Voucher{
		BusinessID:        businessID,
		Title:             req.Title,
		Description:       req.Description,
		VoucherType:       model.VoucherType(req.VoucherType),
		DiscountValue:     req.DiscountValue,
		MinPurchaseAmount: req.MinPurchaseAmount,
		MaxUses:           req.MaxUses,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
	}

	if err := h.service.CreateVoucher(r.Context(), v); err != nil {
		if errors.Is(err, service.ErrInvalidVoucher) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("create voucher error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toVoucherResponse(v, h.service.EvaluateVoucher(v)))
}

// ListVouchers возвращает купоны заведения с вычисленным состоянием каждого.
func (h *Handler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	vouchers, err := h.service.ListVouchers(r.Context(), businessID)
	if err != nil {
		h.logger.Error("list vouchers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(vouchers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]voucherResponse, 0, len(vouchers))
	for i := range vouchers {
		v := &vouchers[i]
		resp = append(resp, toVoucherResponse(v, h.service.EvaluateVoucher(v)))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ToggleVoucher переключает активность купона.
func (h *Handler) ToggleVoucher(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	v, err := h.service.ToggleVoucher(r.Context(), id, businessID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrVoucherNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrVoucherNotToggleable):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("toggle voucher error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toVoucherResponse(v, h.service.EvaluateVoucher(v)))
}

type usageResponse struct {
	UserEmail   *string         `json:"user_email,omitempty"`
	UsedAt      string          `json:"used_at"`
	AmountSaved decimal.Decimal `json:"amount_saved"`
}

// GetVoucherUsage возвращает историю погашений купона.
func (h *Handler) GetVoucherUsage(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	usage, err := h.service.GetVoucherUsage(r.Context(), id, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrVoucherNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get voucher usage error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(usage) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]usageResponse, 0, len(usage))
	for _, u := range usage {
		resp = append(resp, usageResponse{
			UserEmail:   u.UserEmail,
			UsedAt:      u.UsedAt.Format(time.RFC3339),
			AmountSaved: u.AmountSaved,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type scannerModeResponse struct {
	Mode string `json:"mode"`
}

// GetScannerMode возвращает сохранённый режим сканера заведения.
func (h *Handler) GetScannerMode(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	mode, err := h.service.GetScannerMode(r.Context(), businessID)
	if err != nil {
		h.logger.Error("get scanner mode error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, scannerModeResponse{Mode: string(mode)})
}

type setScannerModeRequest struct {
	Mode    string `json:"mode"`
	Confirm bool   `json:"confirm"`
}

// SetScannerMode переключает режим сканера. Переход test→live требует
// явного подтверждения в теле запроса.
func (h *Handler) SetScannerMode(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req setScannerModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.SetScannerMode(r.Context(), businessID, model.ScannerMode(req.Mode), req.Confirm)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidMode):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, service.ErrConfirmationRequired):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("set scanner mode error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, scannerModeResponse{Mode: req.Mode})
}

type scanRequest struct {
	Payload string `json:"payload"`
}

type scanResponse struct {
	State       string           `json:"state"`
	Voucher     *voucherResponse `json:"voucher,omitempty"`
	WouldBeUses int              `json:"would_be_uses,omitempty"`
	Usage       *usageResponse   `json:"usage,omitempty"`
}

// Scan проводит сырую строку QR-кода через конвейер сканирования
// в сохранённом режиме заведения.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	businessID, ok := middleware.GetBusinessIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Scan(r.Context(), businessID, req.Payload)
	if err != nil {
		h.logger.Error("scan error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if res.Err != nil {
		h.writeScanError(w, res.Err)
		return
	}

	resp := scanResponse{State: string(res.State), WouldBeUses: res.WouldBeUses}
	if res.Voucher != nil {
		vr := toVoucherResponse(res.Voucher, h.service.EvaluateVoucher(res.Voucher))
		resp.Voucher = &vr
	}
	if res.Usage != nil {
		resp.Usage = &usageResponse{
			UserEmail:   res.Usage.UserEmail,
			UsedAt:      res.Usage.UsedAt.Format(time.RFC3339),
			AmountSaved: res.Usage.AmountSaved,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeScanError(w http.ResponseWriter, err error) {
	var invalid *scanner.InvalidVoucherError

	switch {
	case errors.Is(err, qr.ErrMalformedPayload), errors.Is(err, qr.ErrWrongType):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, qr.ErrBusinessMismatch), errors.Is(err, repository.ErrVoucherNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, scanResponse{State: string(scanner.StateError)})
	case errors.Is(err, repository.ErrDuplicateScan), errors.Is(err, repository.ErrMaxUsesReached):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("scan pipeline error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
