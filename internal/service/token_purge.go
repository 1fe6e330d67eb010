// token_purge.go — фоновая очистка словаря поисковых токенов.
//
// Запись в таблицы типов только добавляет токены (триггер словаря).
// Токены, которые больше не встречаются ни в одном векторе своего
// контекста, удаляются этим сервисом партиями по FS_ITER_SIZE.
//
// Запускается как горутина с периодическим тикером (FS_TOKEN_PURGE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goformstore/internal/search"
)

var (
	tokenPurgeRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_token_purge_runs_total",
		Help: "Общее количество запусков очистки словаря токенов",
	}, []string{"result"})

	tokenPurgeDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_token_purge_deleted_total",
		Help: "Общее количество удалённых токенов",
	})

	tokenPurgeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_token_purge_duration_seconds",
		Help:    "Длительность очистки словаря токенов в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// TokenPurger — очистка словаря (search.Purger).
type TokenPurger interface {
	Purge(ctx context.Context, batchSize int) (search.PurgeResult, error)
}

// TokenPurgeService — сервис периодической очистки словаря токенов.
type TokenPurgeService struct {
	purger    TokenPurger
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewTokenPurgeService создаёт сервис очистки словаря.
func NewTokenPurgeService(purger TokenPurger, batchSize int, interval time.Duration, logger *slog.Logger) *TokenPurgeService {
	return &TokenPurgeService{
		purger:    purger,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger.With(slog.String("component", "token_purge")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *TokenPurgeService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go runPeriodic(runCtx, s.interval, false, func(ctx context.Context) {
		_, _ = s.RunOnce(ctx)
	})

	s.logger.Info("Очистка словаря токенов запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс.
func (s *TokenPurgeService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Очистка словаря токенов остановлена")
}

// RunOnce выполняет одну очистку. Потокобезопасен.
func (s *TokenPurgeService) RunOnce(ctx context.Context) (search.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result, err := s.purger.Purge(ctx, s.batchSize)
	if err != nil {
		tokenPurgeRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка очистки словаря токенов", slog.String("error", err.Error()))
		return result, err
	}

	tokenPurgeRunsTotal.WithLabelValues("ok").Inc()
	tokenPurgeDeletedTotal.Add(float64(result.Deleted))
	tokenPurgeDurationSeconds.Observe(time.Since(start).Seconds())

	s.logger.Info("Очистка словаря токенов завершена",
		slog.Int("contexts", result.Contexts),
		slog.Int64("deleted", result.Deleted),
		slog.Int("dropped_contexts", result.DroppedContexts),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// runPeriodic вызывает fn по тикеру до отмены ctx.
// immediate — первый вызов сразу после старта.
func runPeriodic(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) {
	if immediate {
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
