// snapshot_prune.go — фоновое удаление старых снимков истории.
// Последний полный снимок объекта, снимки с меткой и снимки, на которые
// ссылаются сохраняемые патчи, не удаляются (см. snapshot.Store.Prune).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotPruneRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_snapshot_prune_runs_total",
		Help: "Общее количество запусков очистки снимков",
	}, []string{"result"})

	snapshotPruneDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_snapshot_prune_deleted_total",
		Help: "Общее количество удалённых снимков",
	})
)

// SnapshotPruner — очистка истории (snapshot.Store).
type SnapshotPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// SnapshotPruneService — сервис периодической очистки снимков.
type SnapshotPruneService struct {
	pruner    SnapshotPruner
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSnapshotPruneService создаёт сервис очистки снимков.
func NewSnapshotPruneService(pruner SnapshotPruner, retention, interval time.Duration, logger *slog.Logger) *SnapshotPruneService {
	return &SnapshotPruneService{
		pruner:    pruner,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "snapshot_prune")),
	}
}

// Start запускает фоновую горутину. Первая очистка — сразу после старта.
func (s *SnapshotPruneService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go runPeriodic(runCtx, s.interval, true, func(ctx context.Context) {
		_, _ = s.RunOnce(ctx)
	})

	s.logger.Info("Очистка снимков запущена",
		slog.String("interval", s.interval.String()),
		slog.String("retention", s.retention.String()),
	)
}

// Stop останавливает фоновый процесс.
func (s *SnapshotPruneService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Очистка снимков остановлена")
}

// RunOnce выполняет одну очистку и возвращает количество удалённых снимков.
func (s *SnapshotPruneService) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	n, err := s.pruner.Prune(ctx, s.retention)
	if err != nil {
		snapshotPruneRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error("Ошибка очистки снимков", slog.String("error", err.Error()))
		return 0, err
	}

	snapshotPruneRunsTotal.WithLabelValues("ok").Inc()
	snapshotPruneDeletedTotal.Add(float64(n))
	s.logger.Info("Очистка снимков завершена",
		slog.Int64("deleted", n),
		slog.Duration("duration", time.Since(start)),
	)
	return n, nil
}
