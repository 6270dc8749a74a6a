// Package qr кодирует и проверяет полезную нагрузку QR-кода купона.
package qr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadTypeVoucher — единственный тип полезной нагрузки, который
// принимает сканер купонов.
const PayloadTypeVoucher = "voucher"

// ErrMalformedPayload возвращается, если строка не является корректной
// полезной нагрузкой купона.
var (
	ErrMalformedPayload = errors.New("malformed qr payload")
	// ErrWrongType возвращается при неподдерживаемом типе нагрузки.
	ErrWrongType = errors.New("unsupported qr payload type")
	// ErrBusinessMismatch возвращается, если купон принадлежит другому заведению.
	ErrBusinessMismatch = errors.New("voucher belongs to another business")
)

// Payload описывает содержимое QR-кода купона. Формат фиксирован:
// он единственный «проводной» контракт между выдачей кода и сканером.
type Payload struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	VoucherID  string `json:"voucher_id"`
	BusinessID string `json:"business_id"`
}

// Decode разбирает сырую строку из кадра камеры в полезную нагрузку.
func Decode(raw string) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if p.Type == "" || p.Code == "" || p.VoucherID == "" || p.BusinessID == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrMalformedPayload)
	}

	return &p, nil
}

// Encode сериализует полезную нагрузку в строку для печати QR-кода.
func Encode(p *Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// Validate проверяет тип нагрузки и принадлежность купона заведению,
// выполняющему сканирование.
func Validate(p *Payload, expectedBusinessID string) error {
	if p.Type != PayloadTypeVoucher {
		return fmt.Errorf("%w: %q", ErrWrongType, p.Type)
	}
	if p.BusinessID != expectedBusinessID {
		return ErrBusinessMismatch
	}
	return nil
}
