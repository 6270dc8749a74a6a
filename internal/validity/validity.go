// Package validity вычисляет состояние купона на заданный момент времени.
package validity

import (
	"time"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
)

// Evaluate возвращает состояние купона на момент now.
// Порядок проверок фиксирован: истечение срока, исчерпание лимита
// использований, ручная деактивация. Функция чистая и идемпотентная.
func Evaluate(v *model.Voucher, now time.Time) model.VoucherState {
	if now.After(v.EndDate) {
		return model.StateExpired
	}
	if v.MaxUses != nil && v.CurrentUses >= *v.MaxUses {
		return model.StateMaxUsesReached
	}
	if !v.IsActive {
		return model.StateInactive
	}
	return model.StateActive
}

// Toggleable сообщает, допускает ли купон ручное переключение активности.
// Истёкшие и исчерпанные купоны переключать нельзя: элемент управления
// на стороне клиента должен быть выключен, а сервер обязан отказать.
func Toggleable(v *model.Voucher, now time.Time) bool {
	switch Evaluate(v, now) {
	case model.StateExpired, model.StateMaxUsesReached:
		return false
	}
	return true
}
