package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

type stubService struct {
	registerID  uuid.UUID
	registerErr error

	authID  uuid.UUID
	authErr error

	schedule    *model.VoucherSchedule
	scheduleErr error
	schedules   []model.VoucherSchedule

	createVoucherErr error
	vouchers         []model.Voucher
	evalState        model.VoucherState
	toggledVoucher   *model.Voucher
	toggleVoucherErr error
	usage            []model.VoucherUsage

	mode       model.ScannerMode
	setModeErr error

	scanRes *scanner.Result
	scanErr error
}

func (s *stubService) RegisterBusiness(ctx context.Context, login, password string) (uuid.UUID, error) {
	return s.registerID, s.registerErr
}

func (s *stubService) AuthenticateBusiness(ctx context.Context, login, password string) (uuid.UUID, error) {
	return s.authID, s.authErr
}

func (s *stubService) CreateSchedule(ctx context.Context, businessID uuid.UUID, name string, template model.VoucherTemplate, pattern model.RecurrencePattern, details model.RecurrenceDetails) (*model.VoucherSchedule, error) {
	return s.schedule, s.scheduleErr
}

func (s *stubService) ListSchedules(ctx context.Context, businessID uuid.UUID) ([]model.VoucherSchedule, error) {
	return s.schedules, nil
}

func (s *stubService) ToggleSchedule(ctx context.Context, id, businessID uuid.UUID) (*model.VoucherSchedule, error) {
	return s.schedule, s.scheduleErr
}

func (s *stubService) DeleteSchedule(ctx context.Context, id, businessID uuid.UUID) error {
	return s.scheduleErr
}

func (s *stubService) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	return s.createVoucherErr
}

func (s *stubService) ListVouchers(ctx context.Context, businessID uuid.UUID) ([]model.Voucher, error) {
	return s.vouchers, nil
}

func (s *stubService) EvaluateVoucher(v *model.Voucher) model.VoucherState {
	if s.evalState == "" {
		return model.StateActive
	}
	return s.evalState
}

func (s *stubService) ToggleVoucher(ctx context.Context, id, businessID uuid.UUID) (*model.Voucher, error) {
	return s.toggledVoucher, s.toggleVoucherErr
}

func (s *stubService) GetVoucherUsage(ctx context.Context, voucherID, businessID uuid.UUID) ([]model.VoucherUsage, error) {
	return s.usage, nil
}

func (s *stubService) GetScannerMode(ctx context.Context, businessID uuid.UUID) (model.ScannerMode, error) {
	if s.mode == "" {
		return model.ModeTest, nil
	}
	return s.mode, nil
}

func (s *stubService) SetScannerMode(ctx context.Context, businessID uuid.UUID, mode model.ScannerMode, confirmed bool) error {
	return s.setModeErr
}

func (s *stubService) Scan(ctx context.Context, businessID uuid.UUID, raw string) (*scanner.Result, error) {
	return s.scanRes, s.scanErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// authedRequest снабжает запрос действительной cookie аутентификации.
func authedRequest(h *Handler, req *http.Request) *http.Request {
	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, uuid.New())
	req.AddCookie(rec.Result().Cookies()[0])
	return req
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerID: uuid.New()}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "cafe",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/business/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("auth cookie not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrBusinessExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "cafe", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/business/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "cafe", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/business/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateSchedule_BadRequest(t *testing.T) {
	svc := &stubService{scheduleErr: service.ErrInvalidSchedule}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createScheduleRequest{ScheduleName: ""})

	req := authedRequest(h, httptest.NewRequest(http.MethodPost, "/api/business/schedules", bytes.NewReader(body)))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CreateSchedule))
	withAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestCreateSchedule_Created(t *testing.T) {
	svc := &stubService{
		schedule: &model.VoucherSchedule{
			ID:            uuid.New(),
			ScheduleName:  "Еженедельный кофе",
			Pattern:       model.PatternWeekly,
			IsActive:      true,
			NextTriggerAt: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
			CreatedAt:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createScheduleRequest{
		ScheduleName: "Еженедельный кофе",
		Pattern:      model.PatternWeekly,
		Details:      model.RecurrenceDetails{Time: "09:00", DayOfWeek: "monday"},
	})

	req := authedRequest(h, httptest.NewRequest(http.MethodPost, "/api/business/schedules", bytes.NewReader(body)))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.CreateSchedule))
	withAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp scheduleResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NextTriggerAt != "2024-01-08T09:00:00Z" {
		t.Fatalf("next_trigger_at = %q", resp.NextTriggerAt)
	}
}

func TestListSchedules_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := authedRequest(h, httptest.NewRequest(http.MethodGet, "/api/business/schedules", nil))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.ListSchedules))
	withAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestListVouchers_IncludesState(t *testing.T) {
	svc := &stubService{
		vouchers: []model.Voucher{
			{
				ID:            uuid.New(),
				Title:         "Скидка",
				VoucherType:   model.VoucherTypePercentage,
				DiscountValue: decimal.NewFromInt(10),
				StartDate:     time.Now().AddDate(0, 0, -1),
				EndDate:       time.Now().AddDate(0, 0, 5),
				IsActive:      true,
			},
		},
		evalState: model.StateExpired,
	}
	h := newTestHandler(t, svc)

	req := authedRequest(h, httptest.NewRequest(http.MethodGet, "/api/business/vouchers", nil))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.ListVouchers))
	withAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []voucherResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].State != string(model.StateExpired) {
		t.Fatalf("response = %+v, want state %s", resp, model.StateExpired)
	}
}

func TestToggleVoucher_Conflict(t *testing.T) {
	svc := &stubService{toggleVoucherErr: service.ErrVoucherNotToggleable}
	h := newTestHandler(t, svc)

	target := "/api/business/vouchers/" + uuid.New().String() + "/toggle"
	req := authedRequest(h, httptest.NewRequest(http.MethodPost, target, nil))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestSetScannerMode_ConfirmationRequired(t *testing.T) {
	svc := &stubService{setModeErr: service.ErrConfirmationRequired}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(setScannerModeRequest{Mode: "live"})

	req := authedRequest(h, httptest.NewRequest(http.MethodPut, "/api/business/scanner/mode", bytes.NewReader(body)))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.SetScannerMode))
	withAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestScan_TestModeResult(t *testing.T) {
	voucher := &model.Voucher{
		ID:            uuid.New(),
		Title:         "Скидка",
		VoucherType:   model.VoucherTypePercentage,
		DiscountValue: decimal.NewFromInt(10),
		CurrentUses:   2,
		StartDate:     time.Now().AddDate(0, 0, -1),
		EndDate:       time.Now().AddDate(0, 0, 5),
		IsActive:      true,
	}
	svc := &stubService{
		scanRes: &scanner.Result{
			State:       scanner.StateTestResult,
			Voucher:     voucher,
			WouldBeUses: 3,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(scanRequest{Payload: `{"type":"voucher"}`})

	req := authedRequest(h, httptest.NewRequest(http.MethodPost, "/api/business/scan", bytes.NewReader(body)))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Scan))
	withAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp scanResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != string(scanner.StateTestResult) || resp.WouldBeUses != 3 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Usage != nil {
		t.Fatalf("test mode scan must not carry usage record")
	}
}

func TestScan_MalformedPayload(t *testing.T) {
	svc := &stubService{
		scanRes: &scanner.Result{
			State: scanner.StateError,
			Err:   qr.ErrMalformedPayload,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(scanRequest{Payload: "not json"})

	req := authedRequest(h, httptest.NewRequest(http.MethodPost, "/api/business/scan", bytes.NewReader(body)))
	rec := httptest.NewRecorder()

	withAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Scan))
	withAuth.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestRouter_UnauthorizedWithoutCookie(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/business/vouchers", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}
