package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/classify"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/pairing"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/stats"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/timeline"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/workhours"
)

// ErrAllUsersFailed возвращается, когда не удалось обработать ни одного
// целевого пользователя. Частичный успех ошибкой не считается.
var ErrAllUsersFailed = errors.New("ни один пользователь не обработан")

// Config — параметры выборки и конкурентности запуска.
type Config struct {
	Workers            int
	MaxThreads         int
	MaxThreadsBackfill int
	DefaultTimezone    string
}

// Service — драйвер аудита: перебирает пользователей, собирает треды через
// пул воркеров, строит пары и обновляет агрегаты. Пользователи
// обрабатываются последовательно, конкурентна только загрузка тредов.
type Service struct {
	source domain.MailSource
	users  domain.UserRepo
	pairs  domain.PairRepo
	stats  *stats.Service
	cfg    Config
	log    zerolog.Logger
}

// NewService создаёт драйвер аудита.
func NewService(source domain.MailSource, users domain.UserRepo, pairs domain.PairRepo, statsService *stats.Service, cfg Config, log zerolog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 500
	}
	if cfg.MaxThreadsBackfill <= 0 {
		cfg.MaxThreadsBackfill = 2000
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = workhours.DefaultTimezone
	}
	return &Service{source: source, users: users, pairs: pairs, stats: statsService, cfg: cfg, log: log}
}

// RunAll обрабатывает всех активных пользователей. Сбой одного пользователя
// не прерывает запуск; ошибкой завершается только полностью пустой итог.
func (s *Service) RunAll(ctx context.Context, mode domain.RunMode) (domain.RunReport, error) {
	report := domain.RunReport{StartedAt: time.Now().UTC()}

	users, err := s.users.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("список пользователей: %w", err)
	}
	classifier, err := s.buildClassifier(ctx)
	if err != nil {
		return report, err
	}

	for _, user := range users {
		userStats, err := s.processUser(ctx, user, classifier, s.capFor(mode))
		if err != nil {
			s.log.Error().Err(err).Str("user", user.Email).Msg("tracker: пользователь пропущен")
			report.Failed = append(report.Failed, user.Email)
			continue
		}
		report.Users = append(report.Users, userStats)
	}
	report.FinishedAt = time.Now().UTC()

	if len(users) > 0 && report.AllFailed() {
		return report, ErrAllUsersFailed
	}
	return report, nil
}

// RunUser обрабатывает одного пользователя.
func (s *Service) RunUser(ctx context.Context, email string, mode domain.RunMode) (domain.RunReport, error) {
	report := domain.RunReport{StartedAt: time.Now().UTC()}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return report, fmt.Errorf("пользователь %s: %w", email, err)
	}
	classifier, err := s.buildClassifier(ctx)
	if err != nil {
		return report, err
	}

	userStats, err := s.processUser(ctx, user, classifier, s.capFor(mode))
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Failed = append(report.Failed, user.Email)
		return report, fmt.Errorf("обработка %s: %w", user.Email, err)
	}
	report.Users = append(report.Users, userStats)
	return report, nil
}

func (s *Service) capFor(mode domain.RunMode) int {
	if mode == domain.RunModeBackfill {
		return s.cfg.MaxThreadsBackfill
	}
	return s.cfg.MaxThreads
}

// buildClassifier собирает классификатор один раз на запуск: домены
// пользователей читаются из справочника и передаются дальше явно.
func (s *Service) buildClassifier(ctx context.Context) (classify.Classifier, error) {
	domains, err := s.users.ListDomains(ctx)
	if err != nil {
		return classify.Classifier{}, fmt.Errorf("домены пользователей: %w", err)
	}
	return classify.New(domains), nil
}

func (s *Service) processUser(ctx context.Context, user domain.TrackedUser, classifier classify.Classifier, limit int) (domain.UserRunStats, error) {
	started := time.Now()
	defer func() { metrics.UserRunSeconds.Observe(time.Since(started).Seconds()) }()

	userLog := s.log.With().Str("user", user.Email).Logger()

	session, err := s.source.NewSession(ctx, user.Email)
	if err != nil {
		return domain.UserRunStats{}, fmt.Errorf("сессия источника: %w", err)
	}

	ids, err := session.ListConversationIDs(ctx, classifier.SearchQuery(), limit)
	if err != nil {
		if len(ids) == 0 {
			return domain.UserRunStats{}, fmt.Errorf("список тредов: %w", err)
		}
		userLog.Warn().Err(err).Int("got", len(ids)).Msg("tracker: перечисление тредов прервано, продолжаем с собранным")
	}
	userLog.Info().Int("threads", len(ids)).Msg("tracker: треды перечислены")

	conversations := s.fetchAll(ctx, user.Email, ids, userLog)

	settings, err := s.workSettings(ctx, user)
	if err != nil {
		return domain.UserRunStats{}, err
	}
	engine := pairing.NewEngine(classifier, settings)

	tally := domain.NewDailyTally()
	var allPairs []domain.ResponsePair
	var allEmails []domain.ReceivedEmail
	for _, raw := range conversations {
		result := engine.Process(timeline.Extract(raw), user.Email)
		allPairs = append(allPairs, result.Pairs...)
		allEmails = append(allEmails, result.ReceivedEmails...)
		tally.Merge(result.Tally)
	}

	allPairs = dedupePairs(allPairs)
	allEmails = dedupeEmails(allEmails)

	newPairs, err := s.pairs.UpsertPairs(ctx, allPairs)
	if err != nil {
		return domain.UserRunStats{}, fmt.Errorf("сохранение пар: %w", err)
	}
	if _, err := s.pairs.UpsertReceivedEmails(ctx, allEmails); err != nil {
		return domain.UserRunStats{}, fmt.Errorf("сохранение входящих: %w", err)
	}
	if err := s.stats.UpdateForRun(ctx, user.Email, allPairs, tally); err != nil {
		return domain.UserRunStats{}, err
	}

	metrics.PairsBuilt.Add(float64(len(allPairs)))
	userStats := domain.UserRunStats{
		UserEmail:      user.Email,
		Conversations:  len(conversations),
		Pairs:          len(allPairs),
		NewPairs:       newPairs,
		EmailsReceived: sumCounts(tally.Received),
		EmailsSent:     sumCounts(tally.Sent),
	}
	userLog.Info().
		Int("pairs", userStats.Pairs).
		Int("received", userStats.EmailsReceived).
		Int("sent", userStats.EmailsSent).
		Msg("tracker: пользователь обработан")
	return userStats, nil
}

// fetchAll загружает треды пулом воркеров. Каждый воркер создаёт и держит
// собственную сессию на весь запуск: сессия не потокобезопасна, а её
// создание дорогое. Порядок завершения не важен, результаты без порядка.
func (s *Service) fetchAll(ctx context.Context, userEmail string, ids []string, log zerolog.Logger) []domain.RawConversation {
	if len(ids) == 0 {
		return nil
	}

	workers := s.cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}

	idCh := make(chan string)
	var mu sync.Mutex
	var out []domain.RawConversation

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := s.source.NewSession(ctx, userEmail)
			if err != nil {
				log.Error().Err(err).Msg("tracker: воркер без сессии")
				for range idCh {
					// Дочитываем канал, чтобы не блокировать остальных.
				}
				return
			}
			for id := range idCh {
				raw, err := session.FetchConversation(ctx, id)
				if err != nil {
					metrics.FetchErrors.Inc()
					log.Debug().Err(err).Str("thread", id).Msg("tracker: тред пропущен")
					continue
				}
				metrics.ThreadsFetched.Inc()
				mu.Lock()
				out = append(out, raw)
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		idCh <- id
	}
	close(idCh)
	wg.Wait()

	log.Info().Int("fetched", len(out)).Int("requested", len(ids)).Msg("tracker: треды загружены")
	return out
}

// workSettings читает календарные настройки пользователя; отсутствующие
// таблицы недоступности трактуются как пустое множество дат.
func (s *Service) workSettings(ctx context.Context, user domain.TrackedUser) (workhours.Settings, error) {
	unavailable, err := s.users.UnavailableDates(ctx, user.Email)
	if err != nil {
		return workhours.Settings{}, fmt.Errorf("даты недоступности: %w", err)
	}
	tz := user.Timezone
	if tz == "" {
		tz = s.cfg.DefaultTimezone
	}
	return workhours.Settings{
		Timezone:        tz,
		ExcludeWeekends: user.ExcludeWeekends,
		Unavailable:     unavailable,
	}, nil
}

// dedupePairs убирает дубли по естественному ключу: один и тот же ответ
// может встретиться в выдаче источника несколько раз.
func dedupePairs(pairs []domain.ResponsePair) []domain.ResponsePair {
	type key struct {
		threadID  string
		repliedAt int64
	}
	seen := make(map[key]struct{}, len(pairs))
	out := pairs[:0]
	for _, p := range pairs {
		k := key{p.ThreadID, p.RepliedAt.Unix()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

func dedupeEmails(emails []domain.ReceivedEmail) []domain.ReceivedEmail {
	type key struct {
		threadID   string
		receivedAt int64
	}
	seen := make(map[key]struct{}, len(emails))
	out := emails[:0]
	for _, e := range emails {
		k := key{e.ThreadID, e.ReceivedAt.Unix()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

// FormatReport строит короткую текстовую сводку запуска для логов и ответа API.
func FormatReport(report domain.RunReport) string {
	var b strings.Builder
	users := append([]domain.UserRunStats(nil), report.Users...)
	sort.Slice(users, func(i, j int) bool { return users[i].UserEmail < users[j].UserEmail })
	for _, u := range users {
		fmt.Fprintf(&b, "%s: pairs=%d new=%d received=%d sent=%d\n", u.UserEmail, u.Pairs, u.NewPairs, u.EmailsReceived, u.EmailsSent)
	}
	if len(report.Failed) > 0 {
		fmt.Fprintf(&b, "failed: %s\n", strings.Join(report.Failed, ", "))
	}
	return b.String()
}
