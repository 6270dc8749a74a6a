// Package recurrence вычисляет моменты срабатывания расписаний купонов.
package recurrence

import (
	"time"

	"github.com/Ferrari4891/selecttravel-vouchers/internal/model"
	"github.com/Ferrari4891/selecttravel-vouchers/internal/validation"
)

// NextTrigger возвращает следующий момент срабатывания расписания,
// считая от now. Функция чистая: время передаётся параметром.
//
// daily — now плюс сутки, время суток берётся из details.Time.
// weekly — now плюс семь дней; настроенный день недели при этом не
// участвует в расчёте, шаг всегда ровно неделя от текущего момента.
// monthly — now плюс месяц, день принудительно ставится в details.DayOfMonth
// (допустимы 1..28), время суток из details.Time.
// Неизвестный паттерн считается как daily.
//
// Некорректные details не приводят к ошибке: отсутствующие поля
// наследуют компоненты now.
func NextTrigger(pattern model.RecurrencePattern, details model.RecurrenceDetails, now time.Time) time.Time {
	hour, minute := now.Hour(), now.Minute()
	if h, m, ok := validation.ParseTimeOfDay(details.Time); ok {
		hour, minute = h, m
	}

	switch pattern {
	case model.PatternWeekly:
		next := now.AddDate(0, 0, 7)
		return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, now.Location())
	case model.PatternMonthly:
		next := now.AddDate(0, 1, 0)
		day := next.Day()
		if validation.IsValidDayOfMonth(details.DayOfMonth) {
			day = details.DayOfMonth
		}
		return time.Date(next.Year(), next.Month(), day, hour, minute, 0, 0, now.Location())
	default:
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, now.Location())
	}
}
