// Пакет migration — шаги миграции, заданные в коде, поверх базовой схемы
// golang-migrate: уровень хранится в fs_meta[sql_level], каждый шаг
// выполняется в своей транзакции. Долгие перестройки откладываются флагами
// reindex_<имя> и выполняются Reindexer вне старта процесса.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

var tracer = otel.Tracer("formstore/migration")

// ErrNegativeLevel — сохранённый уровень миграций отрицательный.
var ErrNegativeLevel = errors.New("отрицательный уровень миграций")

var stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fs_migration_steps_total",
	Help: "Количество выполненных шагов миграции по результату.",
}, []string{"result"})

// Step — шаг миграции. Run должен быть идемпотентным.
type Step struct {
	Level int
	Name  string
	Run   func(ctx context.Context, tx *database.Tx) error
}

// Runner применяет шаги с уровнем выше сохранённого.
type Runner struct {
	db     database.DB
	steps  []Step
	logger *slog.Logger
}

// NewRunner создаёт Runner; шаги упорядочиваются по уровню.
func NewRunner(db database.DB, steps []Step, logger *slog.Logger) *Runner {
	sorted := append([]Step(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	return &Runner{
		db:     db,
		steps:  sorted,
		logger: logger.With(slog.String("component", "migration")),
	}
}

// Level возвращает сохранённый уровень (0, если его ещё нет).
func (r *Runner) Level(ctx context.Context) (int, error) {
	return readLevel(ctx, repository.NewMetaRepository(r.db), false)
}

func readLevel(ctx context.Context, meta repository.MetaRepository, forUpdate bool) (int, error) {
	get := meta.Get
	if forUpdate {
		get = meta.GetForUpdate
	}
	entry, err := get(ctx, model.SQLLevelKey)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(entry.Value)
	if err != nil {
		return 0, fmt.Errorf("некорректный %s=%q: %w", model.SQLLevelKey, entry.Value, err)
	}
	return level, nil
}

// Migrate читает уровень один раз и выполняет по порядку шаги с большим
// уровнем, каждый в своей транзакции. Внутри транзакции уровень
// перечитывается с блокировкой: шаг, уже применённый другим процессом,
// пропускается. Возвращает количество применённых шагов.
func (r *Runner) Migrate(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "migration.Migrate")
	defer span.End()

	level, err := r.Level(ctx)
	if err != nil {
		return 0, err
	}
	if level < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeLevel, level)
	}

	applied := 0
	for _, step := range r.steps {
		if step.Level <= level {
			continue
		}
		start := time.Now()
		skipped := false

		err := r.db.Atomic(ctx, func(tx *database.Tx) error {
			// строки sql_level может ещё не быть, FOR UPDATE её не заблокирует
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, model.SQLLevelKey); err != nil {
				return fmt.Errorf("ошибка блокировки миграций: %w", err)
			}
			meta := repository.NewMetaRepository(tx)
			current, err := readLevel(ctx, meta, true)
			if err != nil {
				return err
			}
			if current >= step.Level {
				skipped = true
				return nil
			}
			if err := step.Run(ctx, tx); err != nil {
				return fmt.Errorf("шаг %d (%s): %w", step.Level, step.Name, err)
			}
			return meta.Set(ctx, model.SQLLevelKey, strconv.Itoa(step.Level))
		})
		if err != nil {
			stepsTotal.WithLabelValues("error").Inc()
			r.logger.Error("Ошибка миграции",
				slog.Int("level", step.Level),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
			return applied, err
		}
		if skipped {
			stepsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		stepsTotal.WithLabelValues("ok").Inc()
		applied++
		r.logger.Info("Шаг миграции применён",
			slog.Int("level", step.Level),
			slog.String("step", step.Name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return applied, nil
}

// Latest возвращает уровень последнего шага.
func (r *Runner) Latest() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].Level
}

// CheckReady проверяет, что все шаги миграции применены.
// Реализует интерфейс handlers.ReadinessChecker.
func (r *Runner) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	level, err := r.Level(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("уровень миграций недоступен: %v", err)
	}
	if level < r.Latest() {
		return "fail", fmt.Sprintf("схема устарела: уровень %d, требуется %d", level, r.Latest())
	}
	return "ok", fmt.Sprintf("уровень %d", level)
}
