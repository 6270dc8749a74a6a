package qr

import (
	"errors"
	"testing"
)

func validPayload() *Payload {
	return &Payload{
		Type:       PayloadTypeVoucher,
		Code:       "VCH-2024-001",
		VoucherID:  "7b7f3a90-9b2e-4e44-9d2e-0f6a5a1c1234",
		BusinessID: "d4c1f3b2-1111-4a5b-8888-aaaaeeee0000",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := validPayload()

	raw, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "just text"},
		{name: "empty", raw: ""},
		{name: "json array", raw: `[1,2,3]`},
		{name: "missing code", raw: `{"type":"voucher","voucher_id":"a","business_id":"b"}`},
		{name: "missing voucher id", raw: `{"type":"voucher","code":"a","business_id":"b"}`},
		{name: "missing business id", raw: `{"type":"voucher","code":"a","voucher_id":"b"}`},
		{name: "missing type", raw: `{"code":"a","voucher_id":"b","business_id":"c"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("Decode(%q) error = %v, want ErrMalformedPayload", tt.raw, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	p := validPayload()

	if err := Validate(p, p.BusinessID); err != nil {
		t.Fatalf("Validate error: %v", err)
	}

	wrongType := validPayload()
	wrongType.Type = "gift_card"
	if err := Validate(wrongType, p.BusinessID); !errors.Is(err, ErrWrongType) {
		t.Fatalf("Validate wrong type error = %v, want ErrWrongType", err)
	}

	if err := Validate(p, "another-business"); !errors.Is(err, ErrBusinessMismatch) {
		t.Fatalf("Validate mismatch error = %v, want ErrBusinessMismatch", err)
	}
}
