package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
)

// Service пересчитывает дневные агрегаты пользователя с учётом ручных
// исключений, белого списка и порогового отсечения.
type Service struct {
	pairs     domain.PairRepo
	stats     domain.StatsRepo
	overrides domain.OverrideRepo
	threshold float64
	log       zerolog.Logger
}

// NewService создаёт сервис агрегатов. threshold <= 0 означает порог по
// умолчанию.
func NewService(pairs domain.PairRepo, statsRepo domain.StatsRepo, overrides domain.OverrideRepo, threshold float64, log zerolog.Logger) *Service {
	if threshold <= 0 {
		threshold = DefaultThresholdHours
	}
	return &Service{pairs: pairs, stats: statsRepo, overrides: overrides, threshold: threshold, log: log}
}

type pairKey struct {
	threadID  string
	repliedAt int64
}

func keyOf(threadID string, repliedAt time.Time) pairKey {
	return pairKey{threadID: threadID, repliedAt: repliedAt.Unix()}
}

// UpdateForRun строит агрегаты по итогам запуска: даты берутся из пар
// (по дате ответа) и из счётчиков писем, для каждой даты пишется строка,
// даже если подходящих пар нет.
func (s *Service) UpdateForRun(ctx context.Context, userEmail string, pairs []domain.ResponsePair, tally domain.DailyTally) error {
	dates := make(map[string]struct{})
	byDate := make(map[string][]domain.ResponsePair)
	for _, p := range pairs {
		date := p.RepliedAt.Format("2006-01-02")
		dates[date] = struct{}{}
		byDate[date] = append(byDate[date], p)
	}
	for date := range tally.Received {
		dates[date] = struct{}{}
	}
	for date := range tally.Sent {
		dates[date] = struct{}{}
	}
	if len(dates) == 0 {
		return nil
	}

	excluded, whitelisted, err := s.loadOverrides(ctx, userEmail)
	if err != nil {
		return err
	}

	rows := make([]domain.DailyStat, 0, len(dates))
	for date := range dates {
		stat := s.compose(userEmail, date, byDate[date], excluded, whitelisted)
		stat.EmailsReceived = tally.Received[date]
		stat.EmailsSent = tally.Sent[date]
		rows = append(rows, stat)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	if err := s.stats.UpsertDailyStats(ctx, rows); err != nil {
		return fmt.Errorf("сохранение дневных агрегатов: %w", err)
	}
	return nil
}

// RecomputeDates пересчитывает только агрегаты пар за указанные даты,
// не трогая счётчики писем. Используется после ручных исключений.
func (s *Service) RecomputeDates(ctx context.Context, userEmail string, dates []string) error {
	if len(dates) == 0 {
		return nil
	}
	excluded, whitelisted, err := s.loadOverrides(ctx, userEmail)
	if err != nil {
		return err
	}

	for _, date := range dates {
		pairs, err := s.pairs.ListPairsForDate(ctx, userEmail, date)
		if err != nil {
			return fmt.Errorf("пары за %s: %w", date, err)
		}
		stat := s.compose(userEmail, date, pairs, excluded, whitelisted)
		if err := s.stats.UpdatePairAggregates(ctx, stat); err != nil {
			return fmt.Errorf("обновление агрегатов за %s: %w", date, err)
		}
		metrics.StatsRecomputeTotal.Inc()
	}
	return nil
}

func (s *Service) loadOverrides(ctx context.Context, userEmail string) (map[pairKey]struct{}, map[pairKey]struct{}, error) {
	exclusions, err := s.overrides.ListExclusions(ctx, userEmail)
	if err != nil {
		return nil, nil, fmt.Errorf("список исключений: %w", err)
	}
	whitelist, err := s.overrides.ListWhitelist(ctx, userEmail)
	if err != nil {
		return nil, nil, fmt.Errorf("белый список: %w", err)
	}
	excluded := make(map[pairKey]struct{}, len(exclusions))
	for _, e := range exclusions {
		excluded[keyOf(e.ThreadID, e.RepliedAt)] = struct{}{}
	}
	whitelisted := make(map[pairKey]struct{}, len(whitelist))
	for _, w := range whitelist {
		whitelisted[keyOf(w.ThreadID, w.RepliedAt)] = struct{}{}
	}
	return excluded, whitelisted, nil
}

// compose собирает строку агрегатов за одну дату. Нулевое число подходящих
// пар оставляет null-поля, отличая «активности нет» от «не посчитано».
func (s *Service) compose(userEmail, date string, pairs []domain.ResponsePair, excluded, whitelisted map[pairKey]struct{}) domain.DailyStat {
	var raw []float64
	var adjusted []float64
	for _, p := range pairs {
		key := keyOf(p.ThreadID, p.RepliedAt)
		_, isExcluded := excluded[key]
		_, isWhitelisted := whitelisted[key]
		if Resolve(isExcluded, p.ResponseHours, isWhitelisted, s.threshold) != StateIncluded {
			continue
		}
		raw = append(raw, p.ResponseHours)
		if p.AdjustedHours != nil {
			adjusted = append(adjusted, *p.AdjustedHours)
		}
	}

	stat := domain.DailyStat{
		UserEmail:  userEmail,
		Date:       date,
		PairsCount: len(raw),
		UpdatedAt:  time.Now().UTC(),
	}
	if agg, ok := Summarize(raw); ok {
		stat.AvgHours = &agg.Avg
		stat.MedianHours = &agg.Median
		stat.MinHours = &agg.Min
		stat.MaxHours = &agg.Max
	}
	if agg, ok := Summarize(adjusted); ok {
		stat.AvgAdjusted = &agg.Avg
		stat.MedianAdjusted = &agg.Median
	}
	return stat
}
