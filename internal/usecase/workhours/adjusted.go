package workhours

import (
	"time"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
)

// DefaultTimezone используется при некорректном часовом поясе пользователя.
const DefaultTimezone = "America/New_York"

// Settings — календарные настройки пользователя для расчёта
// скорректированной длительности.
type Settings struct {
	Timezone        string
	ExcludeWeekends bool
	Unavailable     domain.DateSet
}

// AdjustedHours возвращает длительность между получением письма и ответом
// за вычетом выходных (если включено) и объявленных дат недоступности.
// Обе метки переводятся в часовой пояс пользователя, затем календарь
// обходится по дням: первый день отсчитывается от момента получения,
// последний — до момента ответа, пропущенные дни дают ноль.
func AdjustedHours(receivedAt, repliedAt time.Time, settings Settings) float64 {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation(DefaultTimezone)
	}

	received := receivedAt.In(loc)
	replied := repliedAt.In(loc)

	var total time.Duration
	current := startOfDay(received)
	last := startOfDay(replied)

	for !current.After(last) {
		if settings.ExcludeWeekends && isWeekend(current) {
			current = current.AddDate(0, 0, 1)
			continue
		}
		if settings.Unavailable.Has(current) {
			current = current.AddDate(0, 0, 1)
			continue
		}

		dayStart := current
		dayEnd := current.AddDate(0, 0, 1)
		if dayStart.Before(received) {
			dayStart = received
		}
		if dayEnd.After(replied) {
			dayEnd = replied
		}
		if dayEnd.After(dayStart) {
			total += dayEnd.Sub(dayStart)
		}

		current = current.AddDate(0, 0, 1)
	}

	return total.Hours()
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
