// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// Дни недели в том виде, в каком они приходят из формы настройки расписания.
var weekdays = map[string]struct{}{
	"monday":    {},
	"tuesday":   {},
	"wednesday": {},
	"thursday":  {},
	"friday":    {},
	"saturday":  {},
	"sunday":    {},
}

// ParseTimeOfDay разбирает строку вида "HH:MM" и возвращает часы и минуты.
// При любом отклонении от формата возвращает ok=false.
func ParseTimeOfDay(s string) (hour, minute int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}

	for i, ch := range s {
		if i == 2 {
			continue
		}
		if !unicode.IsDigit(ch) {
			return 0, 0, false
		}
	}

	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[3]-'0')*10 + int(s[4]-'0')

	if hour > 23 || minute > 59 {
		return 0, 0, false
	}

	return hour, minute, true
}

// IsValidTimeOfDay проверяет корректность времени срабатывания в формате "HH:MM".
func IsValidTimeOfDay(s string) bool {
	_, _, ok := ParseTimeOfDay(s)
	return ok
}

// IsValidDayOfMonth проверяет день месяца. Диапазон ограничен 1..28,
// чтобы расписание срабатывало в любом месяце года.
func IsValidDayOfMonth(d int) bool {
	return d >= 1 && d <= 28
}

// IsValidDayOfWeek проверяет день недели из настроек еженедельного расписания.
func IsValidDayOfWeek(s string) bool {
	_, ok := weekdays[s]
	return ok
}
