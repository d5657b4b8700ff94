package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/adapters/gmailapi"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/adapters/repo"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/config"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/db"
	applog "github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/log"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/metrics"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/queue"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/stats"
	trackerusecase "github.com/stephent-lumiere/lumiere-email-tracker/internal/usecase/tracker"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	source, err := gmailapi.NewSource(cfg.Gmail.CredentialsFile, cfg.Gmail.RequestTimeout, cfg.Fetch.RetryAttempts)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracker: не удалось инициализировать источник почты")
	}

	statsService := stats.NewService(repoAdapter, repoAdapter, repoAdapter, cfg.Stats.ThresholdHours, logger.With().Str("component", "stats").Logger())
	trackerService := trackerusecase.NewService(source, repoAdapter, repoAdapter, statsService, trackerusecase.Config{
		Workers:            cfg.Fetch.Workers,
		MaxThreads:         cfg.Fetch.MaxThreads,
		MaxThreadsBackfill: cfg.Fetch.MaxThreadsBackfill,
		DefaultTimezone:    cfg.Stats.DefaultTimezone,
	}, logger.With().Str("component", "tracker").Logger())

	runQueue, err := buildRunQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracker: не удалось инициализировать очередь запусков")
	}

	worker := &jobWorker{
		log:      logger,
		queue:    runQueue,
		statuses: repoAdapter,
		service:  trackerService,
	}

	logger.Info().Msg("tracker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("tracker: остановлен")
}

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

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.RunQueue
	statuses domain.RunJobStatusRepo
	service  *trackerusecase.Service
}

const maxRunAttempts = 3

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("tracker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("user", job.UserEmail).
			Str("mode", string(job.Mode)).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("tracker: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("tracker: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureRunJob(job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("tracker: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("tracker: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("tracker: задача уже была обработана, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("tracker: не удалось подтвердить обработанную задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxRunAttempts {
			jobLog.Warn().Msg("tracker: запуск завершился ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("tracker: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("tracker: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkRunJobDone(job.ID); err != nil {
			jobLog.Error().Err(err).Msg("tracker: не удалось пометить задачу обработанной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("tracker: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("tracker: не удалось подтвердить задачу")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.RunJob, jobLog zerolog.Logger) jobOutcome {
	mode := job.Mode
	if mode == "" {
		mode = domain.RunModeNormal
	}

	var (
		report domain.RunReport
		err    error
	)
	if job.UserEmail == "" {
		report, err = w.service.RunAll(ctx, mode)
	} else {
		report, err = w.service.RunUser(ctx, job.UserEmail, mode)
	}
	metrics.ObserveRun(string(mode), err)
	if err != nil {
		jobLog.Error().Err(err).Msg("tracker: запуск завершился ошибкой")
		return jobOutcomeRetry
	}

	jobLog.Info().
		Int("users_ok", len(report.Users)).
		Int("users_failed", len(report.Failed)).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("tracker: запуск завершён")
	if summary := trackerusecase.FormatReport(report); summary != "" {
		jobLog.Debug().Str("report", summary).Msg("tracker: сводка запуска")
	}
	return jobOutcomeCompleted
}
