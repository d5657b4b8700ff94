package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo         = (*Postgres)(nil)
	_ domain.PairRepo         = (*Postgres)(nil)
	_ domain.StatsRepo        = (*Postgres)(nil)
	_ domain.OverrideRepo     = (*Postgres)(nil)
	_ domain.RunJobStatusRepo = (*Postgres)(nil)
)

// ErrNotFound возвращается, когда запрошенная запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

const upsertBatchSize = 100

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}

// ListActive возвращает активных отслеживаемых пользователей.
func (p *Postgres) ListActive(ctx context.Context) ([]domain.TrackedUser, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, email, domain, group_name, timezone, exclude_weekends, is_active, created_at, updated_at
FROM tracked_users
WHERE is_active = true
ORDER BY email
`)
	metrics.ObserveNetworkRequest("postgres", "tracked_users_list_active", "tracked_users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackedUsers(rows)
}

// GetByEmail возвращает пользователя по адресу.
func (p *Postgres) GetByEmail(ctx context.Context, email string) (domain.TrackedUser, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, email, domain, group_name, timezone, exclude_weekends, is_active, created_at, updated_at
FROM tracked_users
WHERE email = $1
`, strings.ToLower(strings.TrimSpace(email)))
	user, err := scanTrackedUser(row)
	metrics.ObserveNetworkRequest("postgres", "tracked_users_get_by_email", "tracked_users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedUser{}, fmt.Errorf("пользователь %s: %w", email, ErrNotFound)
	}
	return user, err
}

// ListDomains возвращает различные домены отслеживаемых пользователей.
func (p *Postgres) ListDomains(ctx context.Context) ([]string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT domain FROM tracked_users WHERE domain <> '' ORDER BY domain
`)
	metrics.ObserveNetworkRequest("postgres", "tracked_users_list_domains", "tracked_users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// UnavailableDates разворачивает периоды недоступности пользователя в
// множество календарных дат. Отсутствующая таблица трактуется как пустое
// множество: календарь недоступности опционален.
func (p *Postgres) UnavailableDates(ctx context.Context, userEmail string) (domain.DateSet, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT start_date, end_date
FROM user_out_of_office
WHERE user_email = $1
`, userEmail)
	metrics.ObserveNetworkRequest("postgres", "user_out_of_office_list", "user_out_of_office", start, err)
	if isUndefinedTable(err) {
		return domain.DateSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dates := domain.DateSet{}
	for rows.Next() {
		var from, to time.Time
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			dates.Add(d)
		}
	}
	return dates, rows.Err()
}

// UpsertPairs идемпотентно сохраняет пары батчами по естественному ключу
// (thread_id, replied_at). Дубликаты внутри батча схлопываются заранее:
// ON CONFLICT не допускает повторного обновления одной строки в команде.
func (p *Postgres) UpsertPairs(ctx context.Context, pairs []domain.ResponsePair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	affected := 0
	for offset := 0; offset < len(pairs); offset += upsertBatchSize {
		end := offset + upsertBatchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		n, err := p.upsertPairBatch(ctx, pairs[offset:end])
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

func (p *Postgres) upsertPairBatch(ctx context.Context, pairs []domain.ResponsePair) (int, error) {
	batch := &pgx.Batch{}
	for _, pair := range pairs {
		var adjusted sql.NullFloat64
		if pair.AdjustedHours != nil {
			adjusted = sql.NullFloat64{Float64: *pair.AdjustedHours, Valid: true}
		}
		batch.Queue(`
INSERT INTO response_pairs (user_email, external_sender, subject, received_at, replied_at, response_hours, adjusted_hours, thread_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (thread_id, replied_at) DO UPDATE
    SET response_hours = EXCLUDED.response_hours,
        adjusted_hours = EXCLUDED.adjusted_hours,
        subject = EXCLUDED.subject
`, pair.UserEmail, pair.ExternalSender, pair.Subject, pair.ReceivedAt, pair.RepliedAt, pair.ResponseHours, adjusted, pair.ThreadID)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "response_pairs_send_batch", "response_pairs", start, nil)
	defer br.Close()

	affected := 0
	for range pairs {
		start = time.Now()
		tag, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "response_pairs_batch_exec", "response_pairs", start, err)
		if err != nil {
			if isUndefinedColumn(err) {
				_ = br.Close()
				return p.upsertPairBatchLegacy(ctx, pairs)
			}
			return affected, err
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}

// upsertPairBatchLegacy сохраняет пары в схему без колонки adjusted_hours.
// Скорректированные часы при этом теряются, остальные данные сохраняются.
func (p *Postgres) upsertPairBatchLegacy(ctx context.Context, pairs []domain.ResponsePair) (int, error) {
	batch := &pgx.Batch{}
	for _, pair := range pairs {
		batch.Queue(`
INSERT INTO response_pairs (user_email, external_sender, subject, received_at, replied_at, response_hours, thread_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (thread_id, replied_at) DO UPDATE
    SET response_hours = EXCLUDED.response_hours,
        subject = EXCLUDED.subject
`, pair.UserEmail, pair.ExternalSender, pair.Subject, pair.ReceivedAt, pair.RepliedAt, pair.ResponseHours, pair.ThreadID)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "response_pairs_send_batch_legacy", "response_pairs", start, nil)
	defer br.Close()

	affected := 0
	for range pairs {
		start = time.Now()
		tag, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "response_pairs_batch_exec_legacy", "response_pairs", start, err)
		if err != nil {
			return affected, err
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}

// UpsertReceivedEmails идемпотентно сохраняет входящие письма батчами по
// ключу (thread_id, received_at).
func (p *Postgres) UpsertReceivedEmails(ctx context.Context, emails []domain.ReceivedEmail) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	affected := 0
	for offset := 0; offset < len(emails); offset += upsertBatchSize {
		end := offset + upsertBatchSize
		if end > len(emails) {
			end = len(emails)
		}
		n, err := p.upsertEmailBatch(ctx, emails[offset:end])
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

func (p *Postgres) upsertEmailBatch(ctx context.Context, emails []domain.ReceivedEmail) (int, error) {
	batch := &pgx.Batch{}
	for _, email := range emails {
		var repliedAt sql.NullTime
		if email.RepliedAt != nil {
			repliedAt = sql.NullTime{Time: *email.RepliedAt, Valid: true}
		}
		var hours sql.NullFloat64
		if email.ResponseHours != nil {
			hours = sql.NullFloat64{Float64: *email.ResponseHours, Valid: true}
		}
		batch.Queue(`
INSERT INTO received_emails (user_email, sender_email, subject, received_at, thread_id, replied, replied_at, response_hours, body_preview)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (thread_id, received_at) DO UPDATE
    SET replied = EXCLUDED.replied,
        replied_at = EXCLUDED.replied_at,
        response_hours = EXCLUDED.response_hours,
        body_preview = EXCLUDED.body_preview
`, email.UserEmail, email.SenderEmail, email.Subject, email.ReceivedAt, email.ThreadID, email.Replied, repliedAt, hours, email.BodyPreview)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "received_emails_send_batch", "received_emails", start, nil)
	defer br.Close()

	affected := 0
	for range emails {
		start = time.Now()
		tag, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "received_emails_batch_exec", "received_emails", start, err)
		if err != nil {
			return affected, err
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}

// ListPairsForDate возвращает пары пользователя с датой ответа в указанный
// день ISO (границы считаются в UTC).
func (p *Postgres) ListPairsForDate(ctx context.Context, userEmail, date string) ([]domain.ResponsePair, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_email, external_sender, subject, received_at, replied_at, response_hours, adjusted_hours, thread_id
FROM response_pairs
WHERE user_email = $1 AND replied_at >= $2::date AND replied_at < $2::date + interval '1 day'
ORDER BY replied_at
`, userEmail, date)
	metrics.ObserveNetworkRequest("postgres", "response_pairs_list_for_date", "response_pairs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.ResponsePair
	for rows.Next() {
		var pair domain.ResponsePair
		var adjusted sql.NullFloat64
		if err := rows.Scan(&pair.ID, &pair.UserEmail, &pair.ExternalSender, &pair.Subject, &pair.ReceivedAt, &pair.RepliedAt, &pair.ResponseHours, &adjusted, &pair.ThreadID); err != nil {
			return nil, err
		}
		if adjusted.Valid {
			v := adjusted.Float64
			pair.AdjustedHours = &v
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// UpsertDailyStats сохраняет дневные агрегаты по ключу (user_email, date).
func (p *Postgres) UpsertDailyStats(ctx context.Context, stats []domain.DailyStat) error {
	if len(stats) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, stat := range stats {
		batch.Queue(`
INSERT INTO daily_stats (user_email, date, emails_received, emails_sent, pairs_count, avg_hours, median_hours, min_hours, max_hours, avg_adjusted, median_adjusted, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
ON CONFLICT (user_email, date) DO UPDATE
    SET emails_received = EXCLUDED.emails_received,
        emails_sent = EXCLUDED.emails_sent,
        pairs_count = EXCLUDED.pairs_count,
        avg_hours = EXCLUDED.avg_hours,
        median_hours = EXCLUDED.median_hours,
        min_hours = EXCLUDED.min_hours,
        max_hours = EXCLUDED.max_hours,
        avg_adjusted = EXCLUDED.avg_adjusted,
        median_adjusted = EXCLUDED.median_adjusted,
        updated_at = now()
`, stat.UserEmail, stat.Date, stat.EmailsReceived, stat.EmailsSent, stat.PairsCount,
			nullFloat(stat.AvgHours), nullFloat(stat.MedianHours), nullFloat(stat.MinHours), nullFloat(stat.MaxHours),
			nullFloat(stat.AvgAdjusted), nullFloat(stat.MedianAdjusted))
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "daily_stats_send_batch", "daily_stats", start, nil)
	defer br.Close()

	for range stats {
		start = time.Now()
		_, err := br.Exec()
		metrics.ObserveNetworkRequest("postgres", "daily_stats_batch_exec", "daily_stats", start, err)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdatePairAggregates обновляет только производные от пар поля строки,
// не трогая счётчики писем. Отсутствующая строка не создаётся: счётчики
// писем известны только полному запуску.
func (p *Postgres) UpdatePairAggregates(ctx context.Context, stat domain.DailyStat) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE daily_stats
SET pairs_count = $3,
    avg_hours = $4,
    median_hours = $5,
    min_hours = $6,
    max_hours = $7,
    avg_adjusted = $8,
    median_adjusted = $9,
    updated_at = now()
WHERE user_email = $1 AND date = $2
`, stat.UserEmail, stat.Date, stat.PairsCount,
		nullFloat(stat.AvgHours), nullFloat(stat.MedianHours), nullFloat(stat.MinHours), nullFloat(stat.MaxHours),
		nullFloat(stat.AvgAdjusted), nullFloat(stat.MedianAdjusted))
	metrics.ObserveNetworkRequest("postgres", "daily_stats_update_aggregates", "daily_stats", start, err)
	return err
}

// ListDailyStats возвращает агрегаты пользователя за диапазон дат ISO
// включительно.
func (p *Postgres) ListDailyStats(ctx context.Context, userEmail, fromDate, toDate string) ([]domain.DailyStat, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_email, date, emails_received, emails_sent, pairs_count, avg_hours, median_hours, min_hours, max_hours, avg_adjusted, median_adjusted, updated_at
FROM daily_stats
WHERE user_email = $1 AND date >= $2::date AND date <= $3::date
ORDER BY date
`, userEmail, fromDate, toDate)
	metrics.ObserveNetworkRequest("postgres", "daily_stats_list", "daily_stats", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DailyStat
	for rows.Next() {
		var (
			stat domain.DailyStat
			date time.Time
			avg, median, min, max, avgAdj, medianAdj sql.NullFloat64
		)
		if err := rows.Scan(&stat.UserEmail, &date, &stat.EmailsReceived, &stat.EmailsSent, &stat.PairsCount, &avg, &median, &min, &max, &avgAdj, &medianAdj, &stat.UpdatedAt); err != nil {
			return nil, err
		}
		stat.Date = date.Format("2006-01-02")
		stat.AvgHours = floatPtr(avg)
		stat.MedianHours = floatPtr(median)
		stat.MinHours = floatPtr(min)
		stat.MaxHours = floatPtr(max)
		stat.AvgAdjusted = floatPtr(avgAdj)
		stat.MedianAdjusted = floatPtr(medianAdj)
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// UpsertExclusion сохраняет ручное исключение пары по естественному ключу.
func (p *Postgres) UpsertExclusion(ctx context.Context, pair domain.ExcludedPair) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO excluded_response_pairs (user_email, thread_id, replied_at, external_sender, subject, response_hours, excluded_at)
VALUES ($1,$2,$3,$4,$5,$6,now())
ON CONFLICT (thread_id, replied_at) DO UPDATE SET response_hours = EXCLUDED.response_hours
`, pair.UserEmail, pair.ThreadID, pair.RepliedAt, pair.ExternalSender, pair.Subject, pair.ResponseHours)
	metrics.ObserveNetworkRequest("postgres", "excluded_pairs_upsert", "excluded_response_pairs", start, err)
	return err
}

// DeleteExclusion удаляет исключение и возвращает запись, чтобы вызывающий
// знал, какую дату пересчитывать.
func (p *Postgres) DeleteExclusion(ctx context.Context, id int64) (domain.ExcludedPair, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var pair domain.ExcludedPair
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
DELETE FROM excluded_response_pairs
WHERE id = $1
RETURNING id, user_email, thread_id, replied_at, external_sender, subject, response_hours, excluded_at
`, id).Scan(&pair.ID, &pair.UserEmail, &pair.ThreadID, &pair.RepliedAt, &pair.ExternalSender, &pair.Subject, &pair.ResponseHours, &pair.ExcludedAt)
	metrics.ObserveNetworkRequest("postgres", "excluded_pairs_delete", "excluded_response_pairs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExcludedPair{}, fmt.Errorf("исключение %d: %w", id, ErrNotFound)
	}
	return pair, err
}

// ListExclusions возвращает исключения пользователя. Отсутствующая таблица
// трактуется как пустой список: таблицы переопределений создаёт админка.
func (p *Postgres) ListExclusions(ctx context.Context, userEmail string) ([]domain.ExcludedPair, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_email, thread_id, replied_at, external_sender, subject, response_hours, excluded_at
FROM excluded_response_pairs
WHERE user_email = $1
ORDER BY excluded_at DESC
`, userEmail)
	metrics.ObserveNetworkRequest("postgres", "excluded_pairs_list", "excluded_response_pairs", start, err)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.ExcludedPair
	for rows.Next() {
		var pair domain.ExcludedPair
		if err := rows.Scan(&pair.ID, &pair.UserEmail, &pair.ThreadID, &pair.RepliedAt, &pair.ExternalSender, &pair.Subject, &pair.ResponseHours, &pair.ExcludedAt); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// UpsertWhitelist сохраняет запись белого списка по естественному ключу.
func (p *Postgres) UpsertWhitelist(ctx context.Context, pair domain.WhitelistedPair) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO whitelisted_response_pairs (user_email, thread_id, replied_at, external_sender, subject, response_hours, whitelisted_at)
VALUES ($1,$2,$3,$4,$5,$6,now())
ON CONFLICT (thread_id, replied_at) DO NOTHING
`, pair.UserEmail, pair.ThreadID, pair.RepliedAt, pair.ExternalSender, pair.Subject, pair.ResponseHours)
	metrics.ObserveNetworkRequest("postgres", "whitelisted_pairs_upsert", "whitelisted_response_pairs", start, err)
	return err
}

// DeleteWhitelist удаляет запись белого списка и возвращает её.
func (p *Postgres) DeleteWhitelist(ctx context.Context, id int64) (domain.WhitelistedPair, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var pair domain.WhitelistedPair
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
DELETE FROM whitelisted_response_pairs
WHERE id = $1
RETURNING id, user_email, thread_id, replied_at, external_sender, subject, response_hours, whitelisted_at
`, id).Scan(&pair.ID, &pair.UserEmail, &pair.ThreadID, &pair.RepliedAt, &pair.ExternalSender, &pair.Subject, &pair.ResponseHours, &pair.WhitelistedAt)
	metrics.ObserveNetworkRequest("postgres", "whitelisted_pairs_delete", "whitelisted_response_pairs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WhitelistedPair{}, fmt.Errorf("белый список %d: %w", id, ErrNotFound)
	}
	return pair, err
}

// DeleteWhitelistByKey снимает белый список с пары по естественному ключу.
// Отсутствие записи не является ошибкой.
func (p *Postgres) DeleteWhitelistByKey(ctx context.Context, threadID string, repliedAt time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
DELETE FROM whitelisted_response_pairs WHERE thread_id = $1 AND replied_at = $2
`, threadID, repliedAt)
	metrics.ObserveNetworkRequest("postgres", "whitelisted_pairs_delete_by_key", "whitelisted_response_pairs", start, err)
	if isUndefinedTable(err) {
		return nil
	}
	return err
}

// ListWhitelist возвращает белый список пользователя. Отсутствующая
// таблица трактуется как пустой список.
func (p *Postgres) ListWhitelist(ctx context.Context, userEmail string) ([]domain.WhitelistedPair, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_email, thread_id, replied_at, external_sender, subject, response_hours, whitelisted_at
FROM whitelisted_response_pairs
WHERE user_email = $1
ORDER BY whitelisted_at DESC
`, userEmail)
	metrics.ObserveNetworkRequest("postgres", "whitelisted_pairs_list", "whitelisted_response_pairs", start, err)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.WhitelistedPair
	for rows.Next() {
		var pair domain.WhitelistedPair
		if err := rows.Scan(&pair.ID, &pair.UserEmail, &pair.ThreadID, &pair.RepliedAt, &pair.ExternalSender, &pair.Subject, &pair.ResponseHours, &pair.WhitelistedAt); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// EnsureRunJob регистрирует попытку обработки задачи запуска и возвращает
// признак завершённости вместе с номером попытки.
func (p *Postgres) EnsureRunJob(jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		done     sql.NullTime
		attempts int
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO run_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = run_job_statuses.attempts + 1,
        updated_at = now()
RETURNING done_at, attempts
`, jobID).Scan(&done, &attempts)
	metrics.ObserveNetworkRequest("postgres", "run_job_statuses_upsert", "run_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return done.Valid, attempts, nil
}

// MarkRunJobDone помечает задачу запуска окончательно обработанной.
func (p *Postgres) MarkRunJobDone(jobID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE run_job_statuses
SET done_at = COALESCE(done_at, now()),
    updated_at = now()
WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "run_job_statuses_mark_done", "run_job_statuses", start, err)
	return err
}

func scanTrackedUser(row pgx.Row) (domain.TrackedUser, error) {
	var (
		user  domain.TrackedUser
		group sql.NullString
		tz    sql.NullString
	)
	err := row.Scan(&user.ID, &user.Email, &user.Domain, &group, &tz, &user.ExcludeWeekends, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.TrackedUser{}, err
	}
	if group.Valid {
		user.GroupName = group.String
	}
	if tz.Valid {
		user.Timezone = tz.String
	}
	return user, nil
}

func scanTrackedUsers(rows pgx.Rows) ([]domain.TrackedUser, error) {
	var users []domain.TrackedUser
	for rows.Next() {
		user, err := scanTrackedUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
