package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/adapters/repo"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/config"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/db"
	httpinfra "github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/http"
	applog "github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/log"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/queue"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/overrides"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/stats"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter, cfg.Stats.ThresholdHours, logger.With().Str("component", "stats").Logger())
	overridesService := overrides.NewService(repoAdapter, statsService, logger.With().Str("component", "overrides").Logger())

	runQueue, err := buildRunQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь запусков")
	}

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	r := server.Router

	r.Post("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		mode := domain.RunModeNormal
		if req.Mode != "" {
			mode = domain.RunMode(req.Mode)
			if mode != domain.RunModeNormal && mode != domain.RunModeBackfill {
				writeError(w, http.StatusBadRequest, "mode должен быть normal или backfill")
				return
			}
		}
		job := domain.RunJob{
			ID:          uuid.NewString(),
			UserEmail:   req.UserEmail,
			Mode:        mode,
			Cause:       domain.RunCauseManual,
			RequestedAt: time.Now().UTC(),
		}
		if err := runQueue.Enqueue(r.Context(), job); err != nil {
			logger.Error().Err(err).Msg("api: постановка запуска в очередь")
			writeError(w, http.StatusInternalServerError, "не удалось поставить запуск в очередь")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
	})

	r.Get("/api/v1/users/{email}/stats", func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" || to == "" {
			writeError(w, http.StatusBadRequest, "требуются параметры from и to (YYYY-MM-DD)")
			return
		}
		rows, err := repoAdapter.ListDailyStats(r.Context(), email, from, to)
		if err != nil {
			logger.Error().Err(err).Msg("api: чтение дневной статистики")
			writeError(w, http.StatusInternalServerError, "не удалось получить статистику")
			return
		}
		writeJSON(w, map[string]any{"stats": statRows(rows)})
	})

	r.Get("/api/v1/users/{email}/pairs", func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "требуется параметр date (YYYY-MM-DD)")
			return
		}
		pairs, err := repoAdapter.ListPairsForDate(r.Context(), email, date)
		if err != nil {
			logger.Error().Err(err).Msg("api: чтение пар")
			writeError(w, http.StatusInternalServerError, "не удалось получить пары")
			return
		}
		writeJSON(w, map[string]any{"pairs": pairRows(pairs)})
	})

	r.Get("/api/v1/users/{email}/exclusions", func(w http.ResponseWriter, r *http.Request) {
		items, err := overridesService.ListExclusions(r.Context(), chi.URLParam(r, "email"))
		if err != nil {
			logger.Error().Err(err).Msg("api: чтение исключений")
			writeError(w, http.StatusInternalServerError, "не удалось получить исключения")
			return
		}
		writeJSON(w, map[string]any{"exclusions": items})
	})

	r.Post("/api/v1/exclusions", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		pair, err := req.toPair()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := overridesService.Exclude(r.Context(), domain.ExcludedPair{
			UserEmail:      pair.UserEmail,
			ThreadID:       pair.ThreadID,
			RepliedAt:      pair.RepliedAt,
			ExternalSender: pair.ExternalSender,
			Subject:        pair.Subject,
			ResponseHours:  pair.ResponseHours,
		}); err != nil {
			logger.Error().Err(err).Msg("api: исключение пары")
			writeError(w, http.StatusInternalServerError, "не удалось исключить пару")
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Delete("/api/v1/exclusions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "некорректный идентификатор")
			return
		}
		if err := overridesService.Restore(r.Context(), id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				writeError(w, http.StatusNotFound, "исключение не найдено")
				return
			}
			logger.Error().Err(err).Msg("api: восстановление пары")
			writeError(w, http.StatusInternalServerError, "не удалось восстановить пару")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/api/v1/users/{email}/whitelist", func(w http.ResponseWriter, r *http.Request) {
		items, err := overridesService.ListWhitelist(r.Context(), chi.URLParam(r, "email"))
		if err != nil {
			logger.Error().Err(err).Msg("api: чтение белого списка")
			writeError(w, http.StatusInternalServerError, "не удалось получить белый список")
			return
		}
		writeJSON(w, map[string]any{"whitelist": items})
	})

	r.Post("/api/v1/whitelist", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		pair, err := req.toPair()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := overridesService.Whitelist(r.Context(), domain.WhitelistedPair{
			UserEmail:      pair.UserEmail,
			ThreadID:       pair.ThreadID,
			RepliedAt:      pair.RepliedAt,
			ExternalSender: pair.ExternalSender,
			Subject:        pair.Subject,
			ResponseHours:  pair.ResponseHours,
		}); err != nil {
			logger.Error().Err(err).Msg("api: белый список пары")
			writeError(w, http.StatusInternalServerError, "не удалось добавить пару в белый список")
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Delete("/api/v1/whitelist/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "некорректный идентификатор")
			return
		}
		if err := overridesService.RemoveWhitelist(r.Context(), id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				writeError(w, http.StatusNotFound, "запись белого списка не найдена")
				return
			}
			logger.Error().Err(err).Msg("api: снятие с белого списка")
			writeError(w, http.StatusInternalServerError, "не удалось снять пару с белого списка")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// buildRunQueue выбирает транспорт очереди: RabbitMQ при заданном адресе,
// иначе Redis.
func buildRunQueue(cfg config.AppConfig) (domain.RunQueue, error) {
	if cfg.RabbitManagementURL != "" {
		return queue.NewRabbitRunQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Runs)
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("не заданы ни RABBITMQ_MANAGEMENT_URL, ни REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return queue.NewRedisRunQueue(client, cfg.Queues.Runs), nil
}

type runRequest struct {
	UserEmail string `json:"user_email"`
	Mode      string `json:"mode"`
}

type overrideRequest struct {
	UserEmail      string  `json:"user_email"`
	ThreadID       string  `json:"thread_id"`
	RepliedAt      string  `json:"replied_at"`
	ExternalSender string  `json:"external_sender"`
	Subject        string  `json:"subject"`
	ResponseHours  float64 `json:"response_hours"`
}

type overridePair struct {
	UserEmail      string
	ThreadID       string
	RepliedAt      time.Time
	ExternalSender string
	Subject        string
	ResponseHours  float64
}

func (r overrideRequest) toPair() (overridePair, error) {
	if r.UserEmail == "" || r.ThreadID == "" {
		return overridePair{}, errors.New("требуются user_email и thread_id")
	}
	repliedAt, err := time.Parse(time.RFC3339, r.RepliedAt)
	if err != nil {
		return overridePair{}, errors.New("replied_at должен быть в формате RFC3339")
	}
	return overridePair{
		UserEmail:      r.UserEmail,
		ThreadID:       r.ThreadID,
		RepliedAt:      repliedAt,
		ExternalSender: r.ExternalSender,
		Subject:        r.Subject,
		ResponseHours:  r.ResponseHours,
	}, nil
}

type statRow struct {
	Date           string   `json:"date"`
	EmailsReceived int      `json:"emails_received"`
	EmailsSent     int      `json:"emails_sent"`
	PairsCount     int      `json:"pairs_count"`
	AvgHours       *float64 `json:"avg_hours"`
	MedianHours    *float64 `json:"median_hours"`
	MinHours       *float64 `json:"min_hours"`
	MaxHours       *float64 `json:"max_hours"`
	AvgAdjusted    *float64 `json:"avg_adjusted"`
	MedianAdjusted *float64 `json:"median_adjusted"`
}

func statRows(stats []domain.DailyStat) []statRow {
	rows := make([]statRow, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, statRow{
			Date:           s.Date,
			EmailsReceived: s.EmailsReceived,
			EmailsSent:     s.EmailsSent,
			PairsCount:     s.PairsCount,
			AvgHours:       s.AvgHours,
			MedianHours:    s.MedianHours,
			MinHours:       s.MinHours,
			MaxHours:       s.MaxHours,
			AvgAdjusted:    s.AvgAdjusted,
			MedianAdjusted: s.MedianAdjusted,
		})
	}
	return rows
}

type pairRow struct {
	ID             int64    `json:"id"`
	ExternalSender string   `json:"external_sender"`
	Subject        string   `json:"subject"`
	ReceivedAt     string   `json:"received_at"`
	RepliedAt      string   `json:"replied_at"`
	ResponseHours  float64  `json:"response_hours"`
	AdjustedHours  *float64 `json:"adjusted_hours"`
	ThreadID       string   `json:"thread_id"`
}

func pairRows(pairs []domain.ResponsePair) []pairRow {
	rows := make([]pairRow, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, pairRow{
			ID:             p.ID,
			ExternalSender: p.ExternalSender,
			Subject:        p.Subject,
			ReceivedAt:     p.ReceivedAt.UTC().Format(time.RFC3339),
			RepliedAt:      p.RepliedAt.UTC().Format(time.RFC3339),
			ResponseHours:  p.ResponseHours,
			AdjustedHours:  p.AdjustedHours,
			ThreadID:       p.ThreadID,
		})
	}
	return rows
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
