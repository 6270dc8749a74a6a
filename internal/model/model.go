// Package model содержит доменные сущности сервиса купонов.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Business представляет аккаунт заведения, владеющего купонами и расписаниями.
type Business struct {
	ID           uuid.UUID
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// VoucherType описывает тип скидки купона.
type VoucherType string

const (
	VoucherTypePercentage VoucherType = "percentage_discount"
	VoucherTypeFixed      VoucherType = "fixed_amount"
	VoucherTypeBOGO       VoucherType = "buy_one_get_one"
)

// IsValid сообщает, является ли значение известным типом купона.
func (t VoucherType) IsValid() bool {
	switch t {
	case VoucherTypePercentage, VoucherTypeFixed, VoucherTypeBOGO:
		return true
	}
	return false
}

// RecurrencePattern описывает периодичность срабатывания расписания.
type RecurrencePattern string

const (
	PatternDaily   RecurrencePattern = "daily"
	PatternWeekly  RecurrencePattern = "weekly"
	PatternMonthly RecurrencePattern = "monthly"
)

// RecurrenceDetails уточняет момент срабатывания внутри периода.
// Состав полей зависит от паттерна: weekly использует DayOfWeek,
// monthly — DayOfMonth, daily — только Time.
type RecurrenceDetails struct {
	Time       string `json:"time"`
	DayOfWeek  string `json:"day_of_week,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
}

// VoucherTemplate хранит переиспользуемое определение купона,
// из которого расписание штампует конкретные купоны.
type VoucherTemplate struct {
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	VoucherType       VoucherType     `json:"voucher_type"`
	DiscountValue     decimal.Decimal `json:"discount_value"`
	MinPurchaseAmount decimal.Decimal `json:"min_purchase_amount"`
	MaxUses           *int            `json:"max_uses,omitempty"`
	DurationDays      int             `json:"duration_days"`
}

// VoucherSchedule описывает правило периодического выпуска купонов.
// NextTriggerAt двигается только вперёд; LastTriggeredAt проставляется
// лишь после успешной материализации купона.
type VoucherSchedule struct {
	ID              uuid.UUID
	BusinessID      uuid.UUID
	ScheduleName    string
	Template        VoucherTemplate
	Pattern         RecurrencePattern
	Details         RecurrenceDetails
	IsActive        bool
	NextTriggerAt   time.Time
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
}

// Voucher описывает конкретный купон заведения, ограниченный по времени
// и числу использований.
type Voucher struct {
	ID                uuid.UUID
	BusinessID        uuid.UUID
	Title             string
	Description       *string
	VoucherType       VoucherType
	DiscountValue     decimal.Decimal
	MinPurchaseAmount decimal.Decimal
	MaxUses           *int
	CurrentUses       int
	StartDate         time.Time
	EndDate           time.Time
	IsActive          bool
	CreatedAt         time.Time
}

// VoucherState описывает вычисленное состояние купона на момент проверки.
type VoucherState string

const (
	StateActive         VoucherState = "active"
	StateExpired        VoucherState = "expired"
	StateMaxUsesReached VoucherState = "max_uses_reached"
	StateInactive       VoucherState = "inactive"
)

// VoucherUsage фиксирует одно погашение купона в боевом режиме.
// Запись неизменяема после создания.
type VoucherUsage struct {
	ID          uuid.UUID
	VoucherID   uuid.UUID
	UserEmail   *string
	UsedAt      time.Time
	AmountSaved decimal.Decimal
}

// ScannerMode описывает режим работы сканера купонов.
type ScannerMode string

const (
	// ModeTest — проверка купона без записи погашения.
	ModeTest ScannerMode = "test"
	// ModeLive — проверка с постоянной записью погашения.
	ModeLive ScannerMode = "live"
)

// IsValid сообщает, является ли значение известным режимом сканера.
func (m ScannerMode) IsValid() bool {
	return m == ModeTest || m == ModeLive
}
