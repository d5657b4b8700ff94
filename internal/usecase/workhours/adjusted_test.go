package workhours

import (
	"math"
	"testing"
	"time"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("не удалось загрузить зону %s: %v", name, err)
	}
	return loc
}

func TestWeekendSpan(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	// Пятница 16:00 → понедельник 10:00: 8 часов пятницы + 10 часов понедельника.
	received := time.Date(2025, 1, 10, 16, 0, 0, 0, loc)
	replied := time.Date(2025, 1, 13, 10, 0, 0, 0, loc)

	hours := AdjustedHours(received, replied, Settings{Timezone: "America/New_York", ExcludeWeekends: true})
	if math.Abs(hours-18) > 1e-9 {
		t.Fatalf("ожидали 18 часов, получили %v", hours)
	}

	raw := replied.Sub(received).Hours()
	if hours > raw {
		t.Fatalf("скорректированная длительность %v больше сырой %v", hours, raw)
	}
}

func TestNoExclusionsEqualsRaw(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	received := time.Date(2025, 1, 14, 9, 30, 0, 0, loc)
	replied := time.Date(2025, 1, 15, 18, 0, 0, 0, loc)

	hours := AdjustedHours(received, replied, Settings{Timezone: "America/New_York"})
	raw := replied.Sub(received).Hours()
	if math.Abs(hours-raw) > 1e-9 {
		t.Fatalf("без пропущенных дней ожидали равенство с сырой длительностью: %v != %v", hours, raw)
	}
}

func TestUnavailableDateSkipped(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	received := time.Date(2025, 1, 14, 12, 0, 0, 0, loc)
	replied := time.Date(2025, 1, 16, 12, 0, 0, 0, loc)

	ooo := domain.DateSet{"2025-01-15": {}}
	hours := AdjustedHours(received, replied, Settings{Timezone: "America/New_York", Unavailable: ooo})
	if math.Abs(hours-24) > 1e-9 {
		t.Fatalf("день недоступности должен давать ноль: ожидали 24, получили %v", hours)
	}
}

func TestInvalidTimezoneFallsBack(t *testing.T) {
	received := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	replied := time.Date(2025, 1, 14, 18, 0, 0, 0, time.UTC)

	hours := AdjustedHours(received, replied, Settings{Timezone: "Mars/Olympus"})
	if math.Abs(hours-6) > 1e-9 {
		t.Fatalf("при неизвестной зоне ожидали расчёт в зоне по умолчанию: %v", hours)
	}
}

func TestRepliedBeforeReceivedIsZero(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	received := time.Date(2025, 1, 14, 12, 0, 0, 0, loc)
	replied := received.Add(-time.Hour)

	if hours := AdjustedHours(received, replied, Settings{Timezone: "America/New_York"}); hours != 0 {
		t.Fatalf("инвертированный интервал должен давать ноль, получили %v", hours)
	}
}

func TestWholeSpanUnavailable(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	// Суббота → воскресенье при исключённых выходных.
	received := time.Date(2025, 1, 11, 9, 0, 0, 0, loc)
	replied := time.Date(2025, 1, 12, 21, 0, 0, 0, loc)

	if hours := AdjustedHours(received, replied, Settings{Timezone: "America/New_York", ExcludeWeekends: true}); hours != 0 {
		t.Fatalf("полностью выпавший интервал должен давать ноль, получили %v", hours)
	}
}
