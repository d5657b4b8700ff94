package domain

import (
	"context"
	"time"
)

// MailSession — авторизованная сессия почтового источника от имени одного
// пользователя. Не потокобезопасна: каждый воркер пула создаёт и держит
// свою сессию на весь запуск.
type MailSession interface {
	// ListConversationIDs постранично перебирает треды по поисковому запросу.
	// cap <= 0 означает отсутствие ограничения.
	ListConversationIDs(ctx context.Context, query string, cap int) ([]string, error)
	// FetchConversation возвращает полный тред. Временные сбои источника
	// повторяются внутри; прочие ошибки типизируются через FetchError.
	FetchConversation(ctx context.Context, threadID string) (RawConversation, error)
}

// MailSource открывает сессии почтового источника.
type MailSource interface {
	NewSession(ctx context.Context, userEmail string) (MailSession, error)
}

// UserRepo — справочник отслеживаемых пользователей. Управляется внешней
// админкой, ядру доступен только на чтение.
type UserRepo interface {
	ListActive(ctx context.Context) ([]TrackedUser, error)
	GetByEmail(ctx context.Context, email string) (TrackedUser, error)
	// ListDomains возвращает различные домены отслеживаемых пользователей.
	ListDomains(ctx context.Context) ([]string, error)
	// UnavailableDates разворачивает периоды недоступности пользователя
	// в множество календарных дат.
	UnavailableDates(ctx context.Context, userEmail string) (DateSet, error)
}

// PairRepo хранит ответные пары и входящие письма.
type PairRepo interface {
	// UpsertPairs идемпотентно сохраняет пары по ключу (thread_id, replied_at)
	// и возвращает число затронутых записей.
	UpsertPairs(ctx context.Context, pairs []ResponsePair) (int, error)
	// UpsertReceivedEmails идемпотентно сохраняет входящие письма по ключу
	// (thread_id, received_at).
	UpsertReceivedEmails(ctx context.Context, emails []ReceivedEmail) (int, error)
	// ListPairsForDate возвращает все пары пользователя, у которых дата
	// ответа попадает в указанный день ISO.
	ListPairsForDate(ctx context.Context, userEmail, date string) ([]ResponsePair, error)
}

// StatsRepo хранит дневные агрегаты.
type StatsRepo interface {
	UpsertDailyStats(ctx context.Context, stats []DailyStat) error
	// UpdatePairAggregates обновляет только поля, производные от пар,
	// не трогая счётчики полученных и отправленных писем.
	UpdatePairAggregates(ctx context.Context, stat DailyStat) error
	ListDailyStats(ctx context.Context, userEmail, fromDate, toDate string) ([]DailyStat, error)
}

// OverrideRepo управляет ручными исключениями и белым списком.
type OverrideRepo interface {
	UpsertExclusion(ctx context.Context, pair ExcludedPair) error
	// DeleteExclusion удаляет запись и возвращает её, чтобы вызывающий знал,
	// какие даты пересчитывать.
	DeleteExclusion(ctx context.Context, id int64) (ExcludedPair, error)
	ListExclusions(ctx context.Context, userEmail string) ([]ExcludedPair, error)
	UpsertWhitelist(ctx context.Context, pair WhitelistedPair) error
	DeleteWhitelist(ctx context.Context, id int64) (WhitelistedPair, error)
	// DeleteWhitelistByKey снимает белый список с пары по естественному ключу.
	DeleteWhitelistByKey(ctx context.Context, threadID string, repliedAt time.Time) error
	ListWhitelist(ctx context.Context, userEmail string) ([]WhitelistedPair, error)
}

// Cache используется для простых TTL-хранилищ и блокировок запусков.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
