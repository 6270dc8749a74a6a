// Package scanner реализует конвейер проверки и погашения купонов по QR-коду.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/qr"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/validity"
)

// State описывает текущее состояние конвейера сканирования.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateDecoding     State = "decoding"
	StateValidating   State = "validating"
	StateTestResult   State = "test_result"
	StateLiveRedeemed State = "live_redeemed"
	StateError        State = "error"
)

// InvalidVoucherError возвращается, когда купон найден, но не активен.
// Поле State несёт конкретную причину отказа.
type InvalidVoucherError struct {
	State model.VoucherState
}

func (e *InvalidVoucherError) Error() string {
	return fmt.Sprintf("voucher is not redeemable: %s", e.State)
}

// Store описывает контракт доступа к купонам, используемый сканером.
type Store interface {
	GetVoucher(ctx context.Context, id uuid.UUID) (*model.Voucher, error)
	RedeemVoucher(ctx context.Context, voucherID uuid.UUID, userEmail *string, amountSaved decimal.Decimal, nonce string, usedAt time.Time) (*model.VoucherUsage, error)
}

// FrameSource предоставляет поток кадров камеры с уже выполненным
// распознаванием QR: NextFrame возвращает совпавшую строку или "",
// если в кадре нет кода. Close обязан освободить устройство захвата.
type FrameSource interface {
	NextFrame(ctx context.Context) (string, error)
	Close() error
}

// Result описывает исход одного сканирования.
type Result struct {
	State   State
	Voucher *model.Voucher
	// WouldBeUses — счётчик использований, каким он стал бы при боевом
	// погашении. Заполняется только в тестовом режиме, только для показа.
	WouldBeUses int
	Usage       *model.VoucherUsage
	Err         error
}

// Scanner проводит сырой кадр через декодирование, проверку и,
// в боевом режиме, запись погашения. Режим задаётся при создании:
// несколько устройств одного заведения держат независимые настройки.
type Scanner struct {
	businessID uuid.UUID
	mode       model.ScannerMode
	store      Store
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	state State
}

// New создаёт сканер заведения в указанном режиме.
func New(businessID uuid.UUID, mode model.ScannerMode, store Store, logger *zap.Logger, now func() time.Time) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		businessID: businessID,
		mode:       mode,
		store:      store,
		logger:     logger,
		now:        now,
		state:      StateIdle,
	}
}

// Mode возвращает режим, в котором работает сканер.
func (s *Scanner) Mode() model.ScannerMode {
	return s.mode
}

// State возвращает текущее состояние конвейера.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Nonce строит ключ идемпотентности сканирования: повторные кадры того же
// кода в пятисекундном окне дают тот же ключ и не создают второго погашения.
func Nonce(code string, at time.Time) string {
	return fmt.Sprintf("%s:%d", code, at.Truncate(5*time.Second).Unix())
}

// Scan обрабатывает одну распознанную строку. Все ошибки поглощаются
// в Result: конвейер проходит через состояние ошибки и возвращается
// в Idle, сессия сканирования не прерывается.
func (s *Scanner) Scan(ctx context.Context, raw string) *Result {
	defer s.setState(StateIdle)

	s.setState(StateDecoding)

	payload, err := qr.Decode(raw)
	if err != nil {
		return s.fail(err)
	}

	if err := qr.Validate(payload, s.businessID.String()); err != nil {
		return s.fail(err)
	}

	s.setState(StateValidating)

	voucherID, err := uuid.Parse(payload.VoucherID)
	if err != nil {
		return s.fail(fmt.Errorf("%w: bad voucher id", qr.ErrMalformedPayload))
	}

	voucher, err := s.store.GetVoucher(ctx, voucherID)
	if err != nil {
		return s.fail(err)
	}

	now := s.now()
	if state := validity.Evaluate(voucher, now); state != model.StateActive {
		return s.fail(&InvalidVoucherError{State: state})
	}

	if s.mode == model.ModeTest {
		// Тестовый режим ничего не пишет: единственный вызов записи
		// погашения находится в боевой ветке ниже.
		s.setState(StateTestResult)
		return &Result{
			State:       StateTestResult,
			Voucher:     voucher,
			WouldBeUses: voucher.CurrentUses + 1,
		}
	}

	usage, err := s.store.RedeemVoucher(ctx, voucher.ID, nil, decimal.Zero, Nonce(payload.Code, now), now)
	if err != nil {
		return s.fail(err)
	}

	voucher.CurrentUses++

	s.setState(StateLiveRedeemed)
	return &Result{
		State:   StateLiveRedeemed,
		Voucher: voucher,
		Usage:   usage,
	}
}

func (s *Scanner) fail(err error) *Result {
	s.setState(StateError)

	if s.logger != nil {
		s.logger.Info("scan rejected", zap.Error(err))
	}

	return &Result{State: StateError, Err: err}
}

// Run крутит непрерывный цикл сканирования по кадрам источника.
// Источник освобождается на любом пути выхода: остановка по контексту,
// ошибка камеры, паника обработчика.
func (s *Scanner) Run(ctx context.Context, src FrameSource, handle func(*Result)) error {
	defer src.Close()

	s.setState(StateScanning)
	defer s.setState(StateIdle)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := src.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("camera frame: %w", err)
		}

		if raw == "" {
			continue
		}

		handle(s.Scan(ctx, raw))
		s.setState(StateScanning)
	}
}
