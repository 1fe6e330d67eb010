package migration

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bigkaa/goformstore/internal/aggregate"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/record"
	"github.com/bigkaa/goformstore/internal/registry"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/search"
)

var (
	reindexTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_reindex_total",
		Help: "Количество выполненных отложенных перестроек по виду и результату.",
	}, []string{"kind", "result"})
	reindexDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fs_reindex_duration_seconds",
		Help:    "Длительность отложенной перестройки.",
		Buckets: []float64{0.1, 1, 10, 60, 300, 1800, 3600},
	}, []string{"kind"})
)

// ReindexOptions — параметры Reindexer.
type ReindexOptions struct {
	// Record — параметры хранилищ записей при пересчёте производных колонок
	Record record.Options
	// Rate — ограничение пересчёта, записей в секунду (0 — без ограничения)
	Rate int
	// Parallelism — количество флагов, обрабатываемых одновременно
	Parallelism int
}

// ReindexResult — итог Reindex.
type ReindexResult struct {
	// Done — обработанные флаги
	Done []string
	// Skipped — флаги неизвестного вида, оставленные как есть
	Skipped []string
	// Records — количество пересчитанных записей
	Records int
}

// Reindexer выполняет отложенные перестройки, отмеченные флагами
// reindex_<имя> = needed.
type Reindexer struct {
	db       database.DB
	registry *registry.Registry
	opts     ReindexOptions
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewReindexer создаёт Reindexer.
func NewReindexer(db database.DB, reg *registry.Registry, opts ReindexOptions, logger *slog.Logger) *Reindexer {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Rate)
	}
	return &Reindexer{
		db:       db,
		registry: reg,
		opts:     opts,
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "reindexer")),
	}
}

// Reindex обрабатывает все флаги со значением needed. Флаги разных таблиц
// обрабатываются параллельно, общий лимитер ограничивает суммарную скорость
// пересчёта записей. Успешно обработанный флаг получает значение done.
func (r *Reindexer) Reindex(ctx context.Context) (*ReindexResult, error) {
	ctx, span := tracer.Start(ctx, "migration.Reindex")
	defer span.End()

	meta := repository.NewMetaRepository(r.db)
	names, err := meta.PendingReindex(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("pending", len(names)))

	result := &ReindexResult{}
	type outcome struct {
		name    string
		records int
		known   bool
	}
	outcomes := make([]outcome, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)
	for i, name := range names {
		g.Go(func() error {
			n, known, err := r.run(gctx, name)
			if err != nil {
				return err
			}
			outcomes[i] = outcome{name: name, records: n, known: known}
			if !known {
				return nil
			}
			return meta.SetReindex(gctx, name, model.ReindexDone)
		})
	}
	err = g.Wait()

	for _, o := range outcomes {
		switch {
		case o.name == "":
		case o.known:
			result.Done = append(result.Done, o.name)
			result.Records += o.records
		default:
			result.Skipped = append(result.Skipped, o.name)
		}
	}
	return result, err
}

// run выполняет одну перестройку. known=false — вид флага неизвестен.
func (r *Reindexer) run(ctx context.Context, name string) (records int, known bool, err error) {
	kind := flagKind(name)
	start := time.Now()
	logger := r.logger.With(slog.String("flag", name))

	ctx, span := tracer.Start(ctx, "migration.reindexFlag", trace.WithAttributes(
		attribute.String("flag", name),
		attribute.String("kind", kind),
	))
	defer span.End()

	switch kind {
	case "aggregate":
		var n int64
		n, err = aggregate.New(r.db, r.logger).InitGlobalTable(ctx)
		records = int(n)
	case "fts":
		records, err = r.reindexTable(ctx, strings.TrimPrefix(name, "fts_"), logger)
	case "tokens":
		records, err = r.indexTokens(ctx, strings.TrimPrefix(name, "tokens_"), logger)
	default:
		logger.Warn("Неизвестный флаг переиндексации")
		return 0, false, nil
	}

	if err != nil {
		reindexTotal.WithLabelValues(kind, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Ошибка переиндексации", slog.String("error", err.Error()))
		return 0, true, err
	}
	reindexTotal.WithLabelValues(kind, "ok").Inc()
	reindexDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	logger.Info("Переиндексация завершена",
		slog.Int("records", records),
		slog.Duration("duration", time.Since(start)),
	)
	return records, true, nil
}

func flagKind(name string) string {
	switch {
	case name == FlagAggregate:
		return "aggregate"
	case strings.HasPrefix(name, "fts_"):
		return "fts"
	case strings.HasPrefix(name, "tokens_"):
		return "tokens"
	}
	return ""
}

// reindexTable пересчитывает производные колонки всех записей таблицы.
// Удалённый тип считается обработанным.
func (r *Reindexer) reindexTable(ctx context.Context, table string, logger *slog.Logger) (int, error) {
	rt, err := r.liveType(ctx, table)
	if err != nil {
		return 0, err
	}
	if rt == nil {
		logger.Info("Таблица типа отсутствует, флаг снят")
		return 0, nil
	}
	store := record.New(r.db, rt, r.opts.Record, r.logger)
	return store.Reindex(ctx, r.limiter)
}

// indexTokens заполняет словарь лексемами векторов таблицы.
func (r *Reindexer) indexTokens(ctx context.Context, table string, logger *slog.Logger) (int, error) {
	rt, err := r.liveType(ctx, table)
	if err != nil {
		return 0, err
	}
	if rt == nil {
		logger.Info("Таблица типа отсутствует, флаг снят")
		return 0, nil
	}
	n, err := search.IndexTable(ctx, r.db, rt)
	return int(n), err
}

// liveType возвращает тип таблицы или nil, если тип или таблица удалены.
func (r *Reindexer) liveType(ctx context.Context, table string) (*model.RecordType, error) {
	rt, err := r.registry.Get(ctx, table)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	exists, err := repository.TableExists(ctx, r.db, table)
	if err != nil || !exists {
		return nil, err
	}
	return rt, nil
}
