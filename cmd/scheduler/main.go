package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stephent-lumiere/lumiere-email-tracker/internal/domain"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/cache"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/config"
	applog "github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/log"
	"github.com/stephent-lumiere/lumiere-email-tracker/internal/infra/queue"
)

// Планировщик периодически ставит в очередь запуск аудита по всем активным
// пользователям. Блокировка в Redis не даёт нескольким репликам поставить
// одну и ту же задачу.
func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locks := cache.NewRedis(redisClient)

	runQueue, err := buildRunQueue(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь запусков")
	}

	interval := cfg.Schedule.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	logger.Info().Dur("interval", interval).Msg("scheduler: запуск")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	enqueue := func(now time.Time) {
		lockKey := fmt.Sprintf("tracker:run:%s", now.UTC().Truncate(interval).Format(time.RFC3339))
		err := locks.Once(lockKey, interval, func() error {
			job := domain.RunJob{
				ID:          uuid.NewString(),
				Mode:        domain.RunModeNormal,
				Cause:       domain.RunCauseScheduled,
				RequestedAt: now.UTC(),
			}
			if err := runQueue.Enqueue(ctx, job); err != nil {
				return err
			}
			logger.Info().Str("job_id", job.ID).Msg("scheduler: запуск поставлен в очередь")
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: не удалось поставить запуск в очередь")
		}
	}

	enqueue(time.Now())
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case now := <-ticker.C:
			enqueue(now)
		}
	}
}

func buildRunQueue(cfg config.AppConfig, redisClient *redis.Client) (domain.RunQueue, error) {
	if cfg.RabbitManagementURL != "" {
		return queue.NewRabbitRunQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Runs)
	}
	if redisClient == nil {
		return nil, errors.New("не заданы ни RABBITMQ_MANAGEMENT_URL, ни REDIS_ADDR")
	}
	return queue.NewRedisRunQueue(redisClient, cfg.Queues.Runs), nil
}
