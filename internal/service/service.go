// Package service реализует бизнес-логику сервиса купонов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/notify"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/recurrence"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/repository"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/scanner"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/validation"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/validity"
)

// ErrInvalidSchedule возвращается при недостающих или некорректных полях расписания.
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidVoucher возвращается при некорректных полях купона.
	ErrInvalidVoucher = errors.New("invalid voucher")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidMode возвращается при неизвестном режиме сканера.
	ErrInvalidMode = errors.New("invalid scanner mode")
	// ErrConfirmationRequired возвращается при переключении test→live без подтверждения.
	ErrConfirmationRequired = errors.New("switching to live mode requires confirmation")
	// ErrVoucherNotToggleable возвращается для истёкших и исчерпанных купонов.
	ErrVoucherNotToggleable = errors.New("voucher can no longer be toggled")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateBusiness(ctx context.Context, login string, passwordHash []byte) (uuid.UUID, error)
	GetBusinessByLogin(ctx context.Context, login string) (*model.Business, error)
	CreateSchedule(ctx context.Context, s *model.VoucherSchedule) error
	ListSchedules(ctx context.Context, businessID uuid.UUID) ([]model.VoucherSchedule, error)
	ToggleSchedule(ctx context.Context, id, businessID uuid.UUID) (*model.VoucherSchedule, error)
	DeleteSchedule(ctx context.Context, id, businessID uuid.UUID) error
	GetDueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	MaterializeSchedule(ctx context.Context, id uuid.UUID, now time.Time, nextFn repository.NextTriggerFunc) (*model.Voucher, error)
	CreateVoucher(ctx context.Context, v *model.Voucher) error
	GetVoucher(ctx context.Context, id uuid.UUID) (*model.Voucher, error)
	ListVouchers(ctx context.Context, businessID uuid.UUID) ([]model.Voucher, error)
	SetVoucherActive(ctx context.Context, id, businessID uuid.UUID, active bool) error
	RedeemVoucher(ctx context.Context, voucherID uuid.UUID, userEmail *string, amountSaved decimal.Decimal, nonce string, usedAt time.Time) (*model.VoucherUsage, error)
	GetVoucherUsage(ctx context.Context, voucherID, businessID uuid.UUID) ([]model.VoucherUsage, error)
	GetScannerMode(ctx context.Context, businessID uuid.UUID) (model.ScannerMode, error)
	SetScannerMode(ctx context.Context, businessID uuid.UUID, mode model.ScannerMode) error
}

// Service содержит бизнес-логику сервиса купонов.
type Service struct {
	repo     Repository
	notifier *notify.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifier *notify.Client, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterBusiness регистрирует новый аккаунт заведения.
func (s *Service) RegisterBusiness(ctx context.Context, login, password string) (uuid.UUID, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateBusiness(ctx, login, hashed)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AuthenticateBusiness проверяет логин и пароль заведения и возвращает его идентификатор.
func (s *Service) AuthenticateBusiness(ctx context.Context, login, password string) (uuid.UUID, error) {
	b, err := s.repo.GetBusinessByLogin(ctx, login)
	if err != nil {
		return uuid.Nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(b.PasswordHash) {
		return uuid.Nil, ErrInvalidCredentials
	}

	return b.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateSchedule проверяет и сохраняет новое расписание выпуска купонов,
// вычисляя первый момент срабатывания.
func (s *Service) CreateSchedule(ctx context.Context, businessID uuid.UUID, name string, template model.VoucherTemplate, pattern model.RecurrencePattern, details model.RecurrenceDetails) (*model.VoucherSchedule, error) {
	if err := validateSchedule(name, template, pattern, details); err != nil {
		return nil, err
	}

	schedule := &model.VoucherSchedule{
		ID:            uuid.New(),
		BusinessID:    businessID,
		ScheduleName:  name,
		Template:      template,
		Pattern:       pattern,
		Details:       details,
		IsActive:      true,
		NextTriggerAt: recurrence.NextTrigger(pattern, details, s.now()),
	}

	if err := s.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	return schedule, nil
}

func validateSchedule(name string, template model.VoucherTemplate, pattern model.RecurrencePattern, details model.RecurrenceDetails) error {
	if name == "" || template.Title == "" {
		return ErrInvalidSchedule
	}
	if !template.VoucherType.IsValid() {
		return ErrInvalidSchedule
	}
	if template.VoucherType != model.VoucherTypeBOGO && !template.DiscountValue.IsPositive() {
		return ErrInvalidSchedule
	}
	if template.DurationDays < 1 {
		return ErrInvalidSchedule
	}
	if template.MaxUses != nil && *template.MaxUses < 1 {
		return ErrInvalidSchedule
	}

	switch pattern {
	case model.PatternDaily:
	case model.PatternWeekly:
		if !validation.IsValidDayOfWeek(details.DayOfWeek) {
			return ErrInvalidSchedule
		}
	case model.PatternMonthly:
		if !validation.IsValidDayOfMonth(details.DayOfMonth) {
			return ErrInvalidSchedule
		}
	default:
		return ErrInvalidSchedule
	}

	if !validation.IsValidTimeOfDay(details.Time) {
		return ErrInvalidSchedule
	}

	return nil
}

// ListSchedules возвращает расписания заведения.
func (s *Service) ListSchedules(ctx context.Context, businessID uuid.UUID) ([]model.VoucherSchedule, error) {
	return s.repo.ListSchedules(ctx, businessID)
}

// ToggleSchedule переключает активность расписания.
func (s *Service) ToggleSchedule(ctx context.Context, id, businessID uuid.UUID) (*model.VoucherSchedule, error) {
	return s.repo.ToggleSchedule(ctx, id, businessID)
}

// DeleteSchedule удаляет расписание заведения.
func (s *Service) DeleteSchedule(ctx context.Context, id, businessID uuid.UUID) error {
	return s.repo.DeleteSchedule(ctx, id, businessID)
}

// CreateVoucher проверяет и сохраняет купон, созданный вручную.
func (s *Service) CreateVoucher(ctx context.Context, v *model.Voucher) error {
	if v.Title == "" || !v.VoucherType.IsValid() {
		return ErrInvalidVoucher
	}
	if v.VoucherType != model.VoucherTypeBOGO && !v.DiscountValue.IsPositive() {
		return ErrInvalidVoucher
	}
	if !v.EndDate.After(v.StartDate) {
		return ErrInvalidVoucher
	}
	if v.MaxUses != nil && *v.MaxUses < 1 {
		return ErrInvalidVoucher
	}

	v.ID = uuid.New()
	v.CurrentUses = 0
	v.IsActive = true

	return s.repo.CreateVoucher(ctx, v)
}

// ListVouchers возвращает купоны заведения.
func (s *Service) ListVouchers(ctx context.Context, businessID uuid.UUID) ([]model.Voucher, error) {
	return s.repo.ListVouchers(ctx, businessID)
}

// EvaluateVoucher возвращает состояние купона на текущий момент.
func (s *Service) EvaluateVoucher(v *model.Voucher) model.VoucherState {
	return validity.Evaluate(v, s.now())
}

// ToggleVoucher переключает активность купона. Истёкшие и исчерпанные
// купоны переключению не подлежат.
func (s *Service) ToggleVoucher(ctx context.Context, id, businessID uuid.UUID) (*model.Voucher, error) {
	v, err := s.repo.GetVoucher(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.BusinessID != businessID {
		return nil, repository.ErrVoucherNotFound
	}

	if !validity.Toggleable(v, s.now()) {
		return nil, ErrVoucherNotToggleable
	}

	if err := s.repo.SetVoucherActive(ctx, id, businessID, !v.IsActive); err != nil {
		return nil, err
	}

	v.IsActive = !v.IsActive
	return v, nil
}

// GetVoucherUsage возвращает историю погашений купона заведения.
func (s *Service) GetVoucherUsage(ctx context.Context, voucherID, businessID uuid.UUID) ([]model.VoucherUsage, error) {
	return s.repo.GetVoucherUsage(ctx, voucherID, businessID)
}

// GetScannerMode возвращает сохранённый режим сканера заведения.
func (s *Service) GetScannerMode(ctx context.Context, businessID uuid.UUID) (model.ScannerMode, error) {
	return s.repo.GetScannerMode(ctx, businessID)
}

// SetScannerMode сохраняет режим сканера. Переключение из тестового
// режима в боевой требует явного подтверждения оператора; обратное
// переключение подтверждения не требует.
func (s *Service) SetScannerMode(ctx context.Context, businessID uuid.UUID, mode model.ScannerMode, confirmed bool) error {
	if !mode.IsValid() {
		return ErrInvalidMode
	}

	current, err := s.repo.GetScannerMode(ctx, businessID)
	if err != nil {
		return err
	}

	if current == model.ModeTest && mode == model.ModeLive && !confirmed {
		return ErrConfirmationRequired
	}

	return s.repo.SetScannerMode(ctx, businessID, mode)
}

// Scan проводит сырую строку QR-кода через конвейер сканирования
// в сохранённом режиме заведения.
func (s *Service) Scan(ctx context.Context, businessID uuid.UUID, raw string) (*scanner.Result, error) {
	mode, err := s.repo.GetScannerMode(ctx, businessID)
	if err != nil {
		return nil, err
	}

	sc := scanner.New(businessID, mode, s.repo, s.logger, s.now)
	res := sc.Scan(ctx, raw)

	if res.State == scanner.StateLiveRedeemed {
		s.publish(ctx, notify.Event{
			Type:       notify.EventVoucherRedeemed,
			BusinessID: businessID.String(),
			VoucherID:  res.Voucher.ID.String(),
			OccurredAt: res.Usage.UsedAt,
		})
	}

	return res, nil
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, e); err != nil && s.logger != nil {
		s.logger.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
	}
}

// StartMaterializer запускает фоновый процесс выпуска купонов по расписаниям.
func (s *Service) StartMaterializer(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.materializePass(ctx)
			}
		}
	}()
}

// materializePass выпускает купоны по всем назревшим расписаниям.
// Ошибка одного расписания не прерывает обработку остальных.
func (s *Service) materializePass(ctx context.Context) {
	now := s.now()

	ids, err := s.repo.GetDueScheduleIDs(ctx, now, 100)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("list due schedules", zap.Error(err))
		}
		return
	}

	for _, id := range ids {
		v, err := s.repo.MaterializeSchedule(ctx, id, now, recurrence.NextTrigger)
		if err != nil {
			if s.logger != nil {
				s.logger.Error("materialize schedule", zap.String("schedule", id.String()), zap.Error(err))
			}
			continue
		}

		if v == nil {
			// Расписание перехвачено параллельным проходом либо уже не активно.
			continue
		}

		if s.logger != nil {
			s.logger.Info("voucher materialized",
				zap.String("schedule", id.String()),
				zap.String("voucher", v.ID.String()),
			)
		}

		s.publish(ctx, notify.Event{
			Type:       notify.EventVoucherMaterialized,
			BusinessID: v.BusinessID.String(),
			VoucherID:  v.ID.String(),
			OccurredAt: now,
		})
	}
}
