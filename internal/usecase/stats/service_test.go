package stats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
)

type stubStore struct {
	pairsByDate map[string][]domain.ResponsePair
	exclusions  []domain.ExcludedPair
	whitelist   []domain.WhitelistedPair

	upserted []domain.DailyStat
	updated  []domain.DailyStat
}

func (s *stubStore) UpsertPairs(context.Context, []domain.ResponsePair) (int, error) { return 0, nil }
func (s *stubStore) UpsertReceivedEmails(context.Context, []domain.ReceivedEmail) (int, error) {
	return 0, nil
}
func (s *stubStore) ListPairsForDate(_ context.Context, _ string, date string) ([]domain.ResponsePair, error) {
	return s.pairsByDate[date], nil
}
func (s *stubStore) UpsertDailyStats(_ context.Context, stats []domain.DailyStat) error {
	s.upserted = append(s.upserted, stats...)
	return nil
}
func (s *stubStore) UpdatePairAggregates(_ context.Context, stat domain.DailyStat) error {
	s.updated = append(s.updated, stat)
	return nil
}
func (s *stubStore) ListDailyStats(context.Context, string, string, string) ([]domain.DailyStat, error) {
	return nil, nil
}
func (s *stubStore) UpsertExclusion(context.Context, domain.ExcludedPair) error { return nil }
func (s *stubStore) DeleteExclusion(context.Context, int64) (domain.ExcludedPair, error) {
	return domain.ExcludedPair{}, nil
}
func (s *stubStore) ListExclusions(context.Context, string) ([]domain.ExcludedPair, error) {
	return s.exclusions, nil
}
func (s *stubStore) UpsertWhitelist(context.Context, domain.WhitelistedPair) error { return nil }
func (s *stubStore) DeleteWhitelist(context.Context, int64) (domain.WhitelistedPair, error) {
	return domain.WhitelistedPair{}, nil
}
func (s *stubStore) DeleteWhitelistByKey(context.Context, string, time.Time) error { return nil }
func (s *stubStore) ListWhitelist(context.Context, string) ([]domain.WhitelistedPair, error) {
	return s.whitelist, nil
}

func pairAt(threadID string, replied time.Time, hours float64) domain.ResponsePair {
	adjusted := hours
	return domain.ResponsePair{
		UserEmail:      "u@lumiere.education",
		ThreadID:       threadID,
		RepliedAt:      replied,
		ReceivedAt:     replied.Add(-time.Duration(hours * float64(time.Hour))),
		ResponseHours:  hours,
		AdjustedHours:  &adjusted,
		ExternalSender: "x@gmail.com",
	}
}

func TestUpdateForRunWritesRowForEveryDate(t *testing.T) {
	store := &stubStore{}
	svc := NewService(store, store, store, 0, zerolog.Nop())

	replied := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	pairs := []domain.ResponsePair{pairAt("t1", replied, 2), pairAt("t2", replied.Add(time.Hour), 4)}
	tally := domain.NewDailyTally()
	tally.Received["2025-01-14"] = 3
	tally.Sent["2025-01-15"] = 1

	if err := svc.UpdateForRun(context.Background(), "u@lumiere.education", pairs, tally); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.upserted) != 2 {
		t.Fatalf("ожидали строки за обе даты, получили %d", len(store.upserted))
	}

	byDate := map[string]domain.DailyStat{}
	for _, st := range store.upserted {
		byDate[st.Date] = st
	}
	jan14 := byDate["2025-01-14"]
	if jan14.PairsCount != 2 || jan14.EmailsReceived != 3 {
		t.Fatalf("агрегаты за 14-е неверны: %+v", jan14)
	}
	if jan14.AvgHours == nil || *jan14.AvgHours != 3 {
		t.Fatalf("среднее за 14-е неверно: %v", jan14.AvgHours)
	}
	jan15 := byDate["2025-01-15"]
	if jan15.PairsCount != 0 || jan15.AvgHours != nil {
		t.Fatalf("день без пар должен иметь null-агрегаты: %+v", jan15)
	}
	if jan15.EmailsSent != 1 {
		t.Fatalf("счётчик отправленных потерян: %+v", jan15)
	}
}

func TestThresholdExclusionAndWhitelist(t *testing.T) {
	replied := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	store := &stubStore{}
	svc := NewService(store, store, store, 0, zerolog.Nop())

	pairs := []domain.ResponsePair{pairAt("slow", replied, 200), pairAt("fast", replied, 2)}
	if err := svc.UpdateForRun(context.Background(), "u@lumiere.education", pairs, domain.NewDailyTally()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := store.upserted[0].PairsCount; got != 1 {
		t.Fatalf("пара дольше порога должна отсекаться: count=%d", got)
	}

	// С белым списком та же пара учитывается.
	store2 := &stubStore{whitelist: []domain.WhitelistedPair{{ThreadID: "slow", RepliedAt: replied}}}
	svc2 := NewService(store2, store2, store2, 0, zerolog.Nop())
	if err := svc2.UpdateForRun(context.Background(), "u@lumiere.education", pairs, domain.NewDailyTally()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := store2.upserted[0].PairsCount; got != 2 {
		t.Fatalf("белый список должен возвращать пару в агрегаты: count=%d", got)
	}
}

func TestRecomputeDatesHonorsExclusions(t *testing.T) {
	replied := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	store := &stubStore{
		pairsByDate: map[string][]domain.ResponsePair{
			"2025-01-14": {pairAt("t1", replied, 2), pairAt("t2", replied, 6)},
		},
		exclusions: []domain.ExcludedPair{{ThreadID: "t2", RepliedAt: replied}},
	}
	svc := NewService(store, store, store, 0, zerolog.Nop())

	if err := svc.RecomputeDates(context.Background(), "u@lumiere.education", []string{"2025-01-14"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(store.updated) != 1 {
		t.Fatalf("ожидали одно обновление, получили %d", len(store.updated))
	}
	st := store.updated[0]
	if st.PairsCount != 1 {
		t.Fatalf("исключённая пара не должна учитываться: count=%d", st.PairsCount)
	}
	if st.AvgHours == nil || *st.AvgHours != 2 {
		t.Fatalf("среднее должно считаться по оставшейся паре: %v", st.AvgHours)
	}
	if st.EmailsReceived != 0 || st.EmailsSent != 0 {
		t.Fatalf("пересчёт не должен трогать счётчики писем: %+v", st)
	}
}
