package overrides

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/stats"
)

// Service применяет ручные правки оператора и пересчитывает агрегаты только
// за затронутые даты. Сами пары при этом не удаляются.
type Service struct {
	overrides domain.OverrideRepo
	stats     *stats.Service
	log       zerolog.Logger
}

// NewService создаёт сервис правок.
func NewService(overrides domain.OverrideRepo, statsService *stats.Service, log zerolog.Logger) *Service {
	return &Service{overrides: overrides, stats: statsService, log: log}
}

// Exclude помечает пару вручную исключённой. Белый список с той же пары
// снимается, чтобы не держать противоречивое состояние.
func (s *Service) Exclude(ctx context.Context, pair domain.ExcludedPair) error {
	if err := s.overrides.UpsertExclusion(ctx, pair); err != nil {
		return fmt.Errorf("сохранение исключения: %w", err)
	}
	if err := s.overrides.DeleteWhitelistByKey(ctx, pair.ThreadID, pair.RepliedAt); err != nil {
		return fmt.Errorf("снятие белого списка: %w", err)
	}
	return s.recompute(ctx, pair.UserEmail, pair.RepliedAt.Format("2006-01-02"))
}

// Restore снимает ручное исключение по идентификатору записи.
func (s *Service) Restore(ctx context.Context, id int64) error {
	rec, err := s.overrides.DeleteExclusion(ctx, id)
	if err != nil {
		return fmt.Errorf("удаление исключения: %w", err)
	}
	return s.recompute(ctx, rec.UserEmail, rec.RepliedAt.Format("2006-01-02"))
}

// Whitelist освобождает пару от порогового отсечения.
func (s *Service) Whitelist(ctx context.Context, pair domain.WhitelistedPair) error {
	if err := s.overrides.UpsertWhitelist(ctx, pair); err != nil {
		return fmt.Errorf("сохранение белого списка: %w", err)
	}
	return s.recompute(ctx, pair.UserEmail, pair.RepliedAt.Format("2006-01-02"))
}

// RemoveWhitelist снимает пару с белого списка по идентификатору записи.
func (s *Service) RemoveWhitelist(ctx context.Context, id int64) error {
	rec, err := s.overrides.DeleteWhitelist(ctx, id)
	if err != nil {
		return fmt.Errorf("удаление из белого списка: %w", err)
	}
	return s.recompute(ctx, rec.UserEmail, rec.RepliedAt.Format("2006-01-02"))
}

// ListExclusions возвращает ручные исключения пользователя.
func (s *Service) ListExclusions(ctx context.Context, userEmail string) ([]domain.ExcludedPair, error) {
	return s.overrides.ListExclusions(ctx, userEmail)
}

// ListWhitelist возвращает белый список пользователя.
func (s *Service) ListWhitelist(ctx context.Context, userEmail string) ([]domain.WhitelistedPair, error) {
	return s.overrides.ListWhitelist(ctx, userEmail)
}

func (s *Service) recompute(ctx context.Context, userEmail, date string) error {
	if err := s.stats.RecomputeDates(ctx, userEmail, []string{date}); err != nil {
		return fmt.Errorf("пересчёт агрегатов: %w", err)
	}
	s.log.Debug().Str("user", userEmail).Str("date", date).Msg("overrides: агрегаты пересчитаны")
	return nil
}
