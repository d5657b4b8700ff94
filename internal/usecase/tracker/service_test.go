package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/stats"
)

const testUser = "stephen@lumiere.education"

type stubSession struct {
	ids     []string
	threads map[string]domain.RawConversation
	listErr error
}

func (s *stubSession) ListConversationIDs(_ context.Context, _ string, limit int) ([]string, error) {
	ids := s.ids
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, s.listErr
}

func (s *stubSession) FetchConversation(_ context.Context, threadID string) (domain.RawConversation, error) {
	raw, ok := s.threads[threadID]
	if !ok {
		return domain.RawConversation{}, domain.NewFetchError(domain.FetchNotFound, errors.New("нет треда"))
	}
	return raw, nil
}

type stubSource struct {
	mu       sync.Mutex
	sessions map[string]*stubSession
	failFor  map[string]error
	opened   int
}

func (s *stubSource) NewSession(_ context.Context, userEmail string) (domain.MailSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	if err, ok := s.failFor[userEmail]; ok {
		return nil, err
	}
	sess, ok := s.sessions[userEmail]
	if !ok {
		sess = &stubSession{}
	}
	return sess, nil
}

type stubUsers struct {
	users       []domain.TrackedUser
	unavailable domain.DateSet
}

func (s *stubUsers) ListActive(context.Context) ([]domain.TrackedUser, error) { return s.users, nil }

func (s *stubUsers) GetByEmail(_ context.Context, email string) (domain.TrackedUser, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.TrackedUser{}, errors.New("не найден")
}

func (s *stubUsers) ListDomains(context.Context) ([]string, error) {
	return []string{"lumiere.education"}, nil
}

func (s *stubUsers) UnavailableDates(context.Context, string) (domain.DateSet, error) {
	if s.unavailable == nil {
		return domain.DateSet{}, nil
	}
	return s.unavailable, nil
}

type stubStore struct {
	mu     sync.Mutex
	pairs  []domain.ResponsePair
	emails []domain.ReceivedEmail
	daily  []domain.DailyStat
}

func (s *stubStore) UpsertPairs(_ context.Context, pairs []domain.ResponsePair) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, pairs...)
	return len(pairs), nil
}

func (s *stubStore) UpsertReceivedEmails(_ context.Context, emails []domain.ReceivedEmail) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, emails...)
	return len(emails), nil
}

func (s *stubStore) ListPairsForDate(_ context.Context, userEmail, date string) ([]domain.ResponsePair, error) {
	var out []domain.ResponsePair
	for _, p := range s.pairs {
		if p.UserEmail == userEmail && p.RepliedAt.UTC().Format("2006-01-02") == date {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) UpsertDailyStats(_ context.Context, rows []domain.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = append(s.daily, rows...)
	return nil
}

func (s *stubStore) UpdatePairAggregates(context.Context, domain.DailyStat) error { return nil }

func (s *stubStore) ListDailyStats(context.Context, string, string, string) ([]domain.DailyStat, error) {
	return s.daily, nil
}

func (s *stubStore) UpsertExclusion(context.Context, domain.ExcludedPair) error { return nil }

func (s *stubStore) DeleteExclusion(context.Context, int64) (domain.ExcludedPair, error) {
	return domain.ExcludedPair{}, nil
}

func (s *stubStore) ListExclusions(context.Context, string) ([]domain.ExcludedPair, error) {
	return nil, nil
}

func (s *stubStore) UpsertWhitelist(context.Context, domain.WhitelistedPair) error { return nil }

func (s *stubStore) DeleteWhitelist(context.Context, int64) (domain.WhitelistedPair, error) {
	return domain.WhitelistedPair{}, nil
}

func (s *stubStore) DeleteWhitelistByKey(context.Context, string, time.Time) error { return nil }

func (s *stubStore) ListWhitelist(context.Context, string) ([]domain.WhitelistedPair, error) {
	return nil, nil
}

func newTestService(source domain.MailSource, users domain.UserRepo, store *stubStore) *Service {
	statsService := stats.NewService(store, store, store, 168, zerolog.Nop())
	return NewService(source, users, store, statsService, Config{Workers: 2, MaxThreads: 500, MaxThreadsBackfill: 2000}, zerolog.Nop())
}

func simpleThread(id string, received, replied time.Time) domain.RawConversation {
	return domain.RawConversation{
		ThreadID: id,
		Messages: []domain.RawMessage{
			{From: "client@acme.com", Date: received.Format(time.RFC1123Z), Subject: "Вопрос", Body: "текст"},
			{From: testUser, Date: replied.Format(time.RFC1123Z), Subject: "Re: Вопрос"},
		},
	}
}

func TestRunUserBuildsPairsAndStats(t *testing.T) {
	received := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	replied := received.Add(3 * time.Hour)
	source := &stubSource{sessions: map[string]*stubSession{
		testUser: {
			ids: []string{"t1"},
			threads: map[string]domain.RawConversation{
				"t1": simpleThread("t1", received, replied),
			},
		},
	}}
	users := &stubUsers{users: []domain.TrackedUser{{Email: testUser, Timezone: "UTC", IsActive: true}}}
	store := &stubStore{}

	report, err := newTestService(source, users, store).RunUser(context.Background(), testUser, domain.RunModeNormal)
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if len(report.Users) != 1 || report.Users[0].Pairs != 1 {
		t.Fatalf("ожидалась одна пара, получено %+v", report.Users)
	}
	if len(store.pairs) != 1 || store.pairs[0].ThreadID != "t1" {
		t.Fatalf("пара не сохранена: %+v", store.pairs)
	}
	if store.pairs[0].ResponseHours != 3 {
		t.Errorf("сырые часы = %v, ожидалось 3", store.pairs[0].ResponseHours)
	}
	if len(store.emails) != 1 || !store.emails[0].Replied {
		t.Fatalf("входящее письмо без отметки об ответе: %+v", store.emails)
	}
	if len(store.daily) == 0 {
		t.Fatal("дневные агрегаты не записаны")
	}
	day := store.daily[0]
	if day.Date != "2025-03-10" || day.EmailsReceived != 1 || day.EmailsSent != 1 {
		t.Errorf("неожиданный дневной агрегат: %+v", day)
	}
}

func TestRunAllIsolatesUserFailure(t *testing.T) {
	received := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	okUser := "anna@lumiere.education"
	source := &stubSource{
		sessions: map[string]*stubSession{
			okUser: {
				ids: []string{"t1"},
				threads: map[string]domain.RawConversation{
					"t1": simpleThread("t1", received, received.Add(time.Hour)),
				},
			},
		},
		failFor: map[string]error{testUser: errors.New("отказ авторизации")},
	}
	users := &stubUsers{users: []domain.TrackedUser{
		{Email: testUser, Timezone: "UTC", IsActive: true},
		{Email: okUser, Timezone: "UTC", IsActive: true},
	}}
	store := &stubStore{}

	report, err := newTestService(source, users, store).RunAll(context.Background(), domain.RunModeNormal)
	if err != nil {
		t.Fatalf("частичный успех не должен быть ошибкой: %v", err)
	}
	if len(report.Users) != 1 || report.Users[0].UserEmail != okUser {
		t.Fatalf("ожидался успех только для %s: %+v", okUser, report.Users)
	}
	if len(report.Failed) != 1 || report.Failed[0] != testUser {
		t.Fatalf("сбойный пользователь не отмечен: %+v", report.Failed)
	}
}

func TestRunAllReturnsErrorWhenEveryoneFails(t *testing.T) {
	source := &stubSource{failFor: map[string]error{testUser: errors.New("отказ")}}
	users := &stubUsers{users: []domain.TrackedUser{{Email: testUser, Timezone: "UTC", IsActive: true}}}
	store := &stubStore{}

	_, err := newTestService(source, users, store).RunAll(context.Background(), domain.RunModeNormal)
	if !errors.Is(err, ErrAllUsersFailed) {
		t.Fatalf("ожидался ErrAllUsersFailed, получено %v", err)
	}
}

func TestFailedThreadIsSkippedNotFatal(t *testing.T) {
	received := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	source := &stubSource{sessions: map[string]*stubSession{
		testUser: {
			ids: []string{"missing", "t1"},
			threads: map[string]domain.RawConversation{
				"t1": simpleThread("t1", received, received.Add(time.Hour)),
			},
		},
	}}
	users := &stubUsers{users: []domain.TrackedUser{{Email: testUser, Timezone: "UTC", IsActive: true}}}
	store := &stubStore{}

	report, err := newTestService(source, users, store).RunUser(context.Background(), testUser, domain.RunModeNormal)
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if report.Users[0].Conversations != 1 {
		t.Errorf("ожидался один загруженный тред, получено %d", report.Users[0].Conversations)
	}
	if len(store.pairs) != 1 {
		t.Errorf("пара из доступного треда не сохранена: %+v", store.pairs)
	}
}

func TestBackfillModeRaisesThreadCap(t *testing.T) {
	svc := newTestService(&stubSource{}, &stubUsers{}, &stubStore{})
	if got := svc.capFor(domain.RunModeNormal); got != 500 {
		t.Errorf("обычный лимит = %d, ожидалось 500", got)
	}
	if got := svc.capFor(domain.RunModeBackfill); got != 2000 {
		t.Errorf("лимит backfill = %d, ожидалось 2000", got)
	}
}

func TestDuplicatePairsDedupedBeforeUpsert(t *testing.T) {
	replied := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pairs := []domain.ResponsePair{
		{ThreadID: "t1", RepliedAt: replied},
		{ThreadID: "t1", RepliedAt: replied},
		{ThreadID: "t2", RepliedAt: replied},
	}
	if got := dedupePairs(pairs); len(got) != 2 {
		t.Errorf("после дедупликации %d пар, ожидалось 2", len(got))
	}
}
