package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_fetch_errors_total",
		Help: "Ошибки загрузки тредов из почтового источника",
	})
	ThreadsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_threads_fetched_total",
		Help: "Количество успешно загруженных тредов",
	})
	PairsBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_pairs_built_total",
		Help: "Количество построенных ответных пар",
	})
	UserRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_user_run_seconds",
		Help:    "Время полной обработки одного пользователя",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	})
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_runs_total",
		Help: "Количество запусков аудита по режимам и исходу",
	}, []string{"mode", "status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	StatsRecomputeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_stats_recompute_total",
		Help: "Количество пересчётов дневных агрегатов",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FetchErrors,
		ThreadsFetched,
		PairsBuilt,
		UserRunSeconds,
		RunsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		StatsRecomputeTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveRun фиксирует исход запуска аудита.
func ObserveRun(mode string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RunsTotal.WithLabelValues(mode, status).Inc()
}
