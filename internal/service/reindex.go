// reindex.go — фоновый запуск отложенных перестроек (флаги reindex_*).
//
// Шаги миграции при старте не переписывают таблицы целиком, а только
// отмечают флаги. Этот сервис периодически их обрабатывает; запуск,
// пришедший во время выполнения предыдущего, пропускается.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goformstore/internal/migration"
)

// Reindexer — исполнитель отложенных перестроек (migration.Reindexer).
type Reindexer interface {
	Reindex(ctx context.Context) (*migration.ReindexResult, error)
}

// ReindexService — сервис периодической переиндексации.
type ReindexService struct {
	reindexer Reindexer
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
}

// NewReindexService создаёт сервис переиндексации.
func NewReindexService(reindexer Reindexer, interval time.Duration, logger *slog.Logger) *ReindexService {
	return &ReindexService{
		reindexer: reindexer,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reindex")),
	}
}

// Start запускает фоновую горутину. Первый запуск — сразу после старта,
// чтобы флаги, выставленные миграцией, не ждали полный интервал.
func (s *ReindexService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go runPeriodic(runCtx, s.interval, true, func(ctx context.Context) {
		_, _, _ = s.RunOnce(ctx)
	})

	s.logger.Info("Переиндексация запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс. Текущая перестройка прерывается
// отменой контекста, её флаг остаётся needed.
func (s *ReindexService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Переиндексация остановлена")
}

// IsInProgress возвращает true, если переиндексация выполняется.
func (s *ReindexService) IsInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProcess
}

// RunOnce выполняет один проход. skipped=true — предыдущий проход ещё идёт.
func (s *ReindexService) RunOnce(ctx context.Context) (result *migration.ReindexResult, skipped bool, err error) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Debug("Переиндексация уже выполняется, запуск пропущен")
		return nil, true, nil
	}
	s.inProcess = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	start := time.Now()
	result, err = s.reindexer.Reindex(ctx)
	if err != nil {
		s.logger.Error("Ошибка переиндексации", slog.String("error", err.Error()))
		return result, false, err
	}
	if len(result.Done) > 0 || len(result.Skipped) > 0 {
		s.logger.Info("Переиндексация завершена",
			slog.Int("done", len(result.Done)),
			slog.Int("skipped", len(result.Skipped)),
			slog.Int("records", result.Records),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return result, false, nil
}
