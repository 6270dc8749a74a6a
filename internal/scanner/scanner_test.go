package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/qr"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type stubStore struct {
	voucher    *model.Voucher
	getErr     error
	redeemErr  error
	getCalls   int
	redeemCalls int
	lastNonce  string
}

func (s *stubStore) GetVoucher(ctx context.Context, id uuid.UUID) (*model.Voucher, error) {
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	v := *s.voucher
	return &v, nil
}

func (s *stubStore) RedeemVoucher(ctx context.Context, voucherID uuid.UUID, userEmail *string, amountSaved decimal.Decimal, nonce string, usedAt time.Time) (*model.VoucherUsage, error) {
	s.redeemCalls++
	s.lastNonce = nonce
	if s.redeemErr != nil {
		return nil, s.redeemErr
	}
	return &model.VoucherUsage{
		ID:          uuid.New(),
		VoucherID:   voucherID,
		UsedAt:      usedAt,
		AmountSaved: amountSaved,
	}, nil
}

func activeVoucher(businessID uuid.UUID) *model.Voucher {
	return &model.Voucher{
		ID:            uuid.New(),
		BusinessID:    businessID,
		Title:         "Скидка 10%",
		VoucherType:   model.VoucherTypePercentage,
		DiscountValue: decimal.NewFromInt(10),
		CurrentUses:   3,
		StartDate:     testNow.AddDate(0, 0, -1),
		EndDate:       testNow.AddDate(0, 0, 10),
		IsActive:      true,
	}
}

func payloadFor(t *testing.T, v *model.Voucher) string {
	t.Helper()

	raw, err := qr.Encode(&qr.Payload{
		Type:       qr.PayloadTypeVoucher,
		Code:       "VCH-001",
		VoucherID:  v.ID.String(),
		BusinessID: v.BusinessID.String(),
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return raw
}

func TestScan_TestModeWritesNothing(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeTest, store, nil, fixedClock)

	res := s.Scan(context.Background(), payloadFor(t, store.voucher))

	if res.State != StateTestResult {
		t.Fatalf("state = %s, want %s", res.State, StateTestResult)
	}
	if res.WouldBeUses != store.voucher.CurrentUses+1 {
		t.Fatalf("WouldBeUses = %d, want %d", res.WouldBeUses, store.voucher.CurrentUses+1)
	}
	if store.redeemCalls != 0 {
		t.Fatalf("test mode must not record redemptions, got %d calls", store.redeemCalls)
	}
	if s.State() != StateIdle {
		t.Fatalf("scanner must return to idle, got %s", s.State())
	}
}

func TestScan_LiveModeRedeemsOnce(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeLive, store, nil, fixedClock)

	res := s.Scan(context.Background(), payloadFor(t, store.voucher))

	if res.State != StateLiveRedeemed {
		t.Fatalf("state = %s, want %s", res.State, StateLiveRedeemed)
	}
	if store.redeemCalls != 1 {
		t.Fatalf("redeem calls = %d, want 1", store.redeemCalls)
	}
	if res.Usage == nil {
		t.Fatalf("live result must carry usage record")
	}
	if !res.Usage.AmountSaved.IsZero() {
		t.Fatalf("amount saved = %s, want 0", res.Usage.AmountSaved)
	}
	if res.Voucher.CurrentUses != store.voucher.CurrentUses+1 {
		t.Fatalf("CurrentUses = %d, want %d", res.Voucher.CurrentUses, store.voucher.CurrentUses+1)
	}
	if want := Nonce("VCH-001", testNow); store.lastNonce != want {
		t.Fatalf("nonce = %q, want %q", store.lastNonce, want)
	}
}

func TestScan_MalformedPayload(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeLive, store, nil, fixedClock)

	res := s.Scan(context.Background(), "not a payload")

	if res.State != StateError {
		t.Fatalf("state = %s, want %s", res.State, StateError)
	}
	if !errors.Is(res.Err, qr.ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", res.Err)
	}
	if store.getCalls != 0 || store.redeemCalls != 0 {
		t.Fatalf("store must not be touched for malformed payload")
	}
}

func TestScan_BusinessMismatch(t *testing.T) {
	store := &stubStore{voucher: activeVoucher(uuid.New())}
	// Сканер другого заведения.
	s := New(uuid.New(), model.ModeLive, store, nil, fixedClock)

	res := s.Scan(context.Background(), payloadFor(t, store.voucher))

	if res.State != StateError {
		t.Fatalf("state = %s, want %s", res.State, StateError)
	}
	if !errors.Is(res.Err, qr.ErrBusinessMismatch) {
		t.Fatalf("err = %v, want ErrBusinessMismatch", res.Err)
	}
	if store.redeemCalls != 0 {
		t.Fatalf("mismatched scan must not write anything")
	}
}

func TestScan_InvalidVoucherStates(t *testing.T) {
	businessID := uuid.New()

	tests := []struct {
		name   string
		mutate func(*model.Voucher)
		want   model.VoucherState
	}{
		{
			name: "expired",
			mutate: func(v *model.Voucher) {
				v.EndDate = testNow.AddDate(0, 0, -1)
			},
			want: model.StateExpired,
		},
		{
			name: "max uses reached",
			mutate: func(v *model.Voucher) {
				limit := 3
				v.MaxUses = &limit
			},
			want: model.StateMaxUsesReached,
		},
		{
			name: "inactive",
			mutate: func(v *model.Voucher) {
				v.IsActive = false
			},
			want: model.StateInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := activeVoucher(businessID)
			tt.mutate(v)
			store := &stubStore{voucher: v}
			s := New(businessID, model.ModeLive, store, nil, fixedClock)

			res := s.Scan(context.Background(), payloadFor(t, v))

			if res.State != StateError {
				t.Fatalf("state = %s, want %s", res.State, StateError)
			}

			var invalid *InvalidVoucherError
			if !errors.As(res.Err, &invalid) {
				t.Fatalf("err = %v, want InvalidVoucherError", res.Err)
			}
			if invalid.State != tt.want {
				t.Fatalf("reason = %s, want %s", invalid.State, tt.want)
			}
			if store.redeemCalls != 0 {
				t.Fatalf("invalid voucher must not be redeemed")
			}
		})
	}
}

func TestScan_VoucherNotFound(t *testing.T) {
	businessID := uuid.New()
	notFound := errors.New("voucher not found")
	store := &stubStore{voucher: activeVoucher(businessID), getErr: notFound}
	s := New(businessID, model.ModeLive, store, nil, fixedClock)

	res := s.Scan(context.Background(), payloadFor(t, store.voucher))

	if res.State != StateError {
		t.Fatalf("state = %s, want %s", res.State, StateError)
	}
	if !errors.Is(res.Err, notFound) {
		t.Fatalf("err = %v, want %v", res.Err, notFound)
	}
}

func TestNonce_StableWithinWindow(t *testing.T) {
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	a := Nonce("VCH-001", base)
	b := Nonce("VCH-001", base.Add(2*time.Second))
	c := Nonce("VCH-001", base.Add(7*time.Second))

	if a != b {
		t.Fatalf("nonce must be stable within the window: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("nonce must change across windows")
	}
	if a == Nonce("VCH-002", base) {
		t.Fatalf("nonce must depend on the code")
	}
}

type stubFrameSource struct {
	frames []string
	err    error
	pos    int
	closed bool
}

func (s *stubFrameSource) NextFrame(ctx context.Context) (string, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return "", s.err
		}
		return "", context.Canceled
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *stubFrameSource) Close() error {
	s.closed = true
	return nil
}

func TestRun_SkipsEmptyFramesAndReleasesSource(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeTest, store, nil, fixedClock)

	src := &stubFrameSource{frames: []string{"", "", payloadFor(t, store.voucher)}}

	var results []*Result
	err := s.Run(context.Background(), src, func(r *Result) {
		results = append(results, r)
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].State != StateTestResult {
		t.Fatalf("result state = %s, want %s", results[0].State, StateTestResult)
	}
	if !src.closed {
		t.Fatalf("frame source must be closed after Run")
	}
	if s.State() != StateIdle {
		t.Fatalf("scanner state = %s, want %s", s.State(), StateIdle)
	}
}

func TestRun_CameraErrorReleasesSource(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeTest, store, nil, fixedClock)

	cameraErr := errors.New("permission denied")
	src := &stubFrameSource{err: cameraErr}

	err := s.Run(context.Background(), src, func(r *Result) {})
	if !errors.Is(err, cameraErr) {
		t.Fatalf("Run error = %v, want %v", err, cameraErr)
	}
	if !src.closed {
		t.Fatalf("frame source must be closed on camera error")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	businessID := uuid.New()
	store := &stubStore{voucher: activeVoucher(businessID)}
	s := New(businessID, model.ModeTest, store, nil, fixedClock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &stubFrameSource{frames: []string{""}}
	if err := s.Run(ctx, src, func(r *Result) {}); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !src.closed {
		t.Fatalf("frame source must be closed on cancellation")
	}
}
