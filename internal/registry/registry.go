// Пакет registry — реестр типов записей: синхронизация физической таблицы
// со схемой полей (ensure_table), кэш определений и удаление типов.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bigkaa/goformstore/internal/aggregate"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/schema"
	"github.com/bigkaa/goformstore/internal/search"
	"github.com/bigkaa/goformstore/internal/snapshot"
)

var tracer = otel.Tracer("formstore/registry")

var (
	ddlOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_ensure_table_ops_total",
		Help: "Количество изменений таблиц типов по виду (create_table, add_column, drop_column, type_mismatch, rebuild_view).",
	}, []string{"op"})
	ensureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_ensure_table_duration_seconds",
		Help:    "Длительность синхронизации таблицы типа со схемой.",
		Buckets: prometheus.DefBuckets,
	})
)

// ReindexFTS возвращает имя флага переиндексации векторов таблицы.
func ReindexFTS(table string) string {
	return "fts_" + table
}

// Options — параметры реестра.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	// FTSConfig — конфигурация полнотекстового поиска для названий типов
	FTSConfig string
}

// Result — результат EnsureTable.
type Result struct {
	// Created — таблица создана
	Created bool
	// Added, Dropped — добавленные и удалённые колонки
	Added   []string
	Dropped []string
	// IntegrityErrors — расхождения типов колонок, записанные владельцу схемы
	IntegrityErrors model.IntegrityErrors
	// ViewRebuilt — представление данных пересоздано
	ViewRebuilt bool
	// Snapshot — сохранённая версия определения (nil — без изменений)
	Snapshot *model.Snapshot
}

// Changed сообщает, изменился ли состав колонок.
func (r *Result) Changed() bool {
	return r.Created || len(r.Added) > 0 || len(r.Dropped) > 0
}

// Err возвращает *schema.IntegrityError при расхождении типов колонок.
func (r *Result) Err(table string) error {
	if len(r.IntegrityErrors) == 0 {
		return nil
	}
	return &schema.IntegrityError{Table: table, Mismatches: r.IntegrityErrors}
}

// EnsureOption — параметр EnsureTable.
type EnsureOption func(*ensureOptions)

type ensureOptions struct {
	rebuildViews bool
	entry        snapshot.Entry
}

// WithRebuildViews пересоздаёт представление данных даже без изменения колонок.
func WithRebuildViews() EnsureOption {
	return func(o *ensureOptions) { o.rebuildViews = true }
}

// WithSnapshotInfo задаёт автора и комментарий версии определения.
func WithSnapshotInfo(userID, comment string) EnsureOption {
	return func(o *ensureOptions) {
		o.entry.UserID = userID
		o.entry.Comment = comment
	}
}

// WithApplication помечает версию определения как импорт из приложения.
func WithApplication(slug, version string) EnsureOption {
	return func(o *ensureOptions) {
		o.entry.ApplicationSlug = slug
		o.entry.ApplicationVersion = version
	}
}

// Registry — реестр типов записей.
type Registry struct {
	db        database.DB
	cache     *typeCache
	snapshots *snapshot.Store
	ftsConfig string
	logger    *slog.Logger
}

// New создаёт Registry.
func New(db database.DB, snapshots *snapshot.Store, opts Options, logger *slog.Logger) *Registry {
	return &Registry{
		db:        db,
		cache:     newTypeCache(opts.CacheSize, opts.CacheTTL),
		snapshots: snapshots,
		ftsConfig: opts.FTSConfig,
		logger:    logger.With(slog.String("component", "registry")),
	}
}

// With возвращает реестр, выполняющий запросы через db (например, внутри
// транзакции шага миграции). Кэш общий с исходным реестром.
func (r *Registry) With(db database.DB) *Registry {
	clone := *r
	clone.db = db
	clone.snapshots = r.snapshots.With(db)
	return &clone
}

// EnsureTable приводит таблицу типа rt к его схеме полей в одной транзакции.
// Повторный вызов с той же схемой не выполняет DDL над колонками.
// Расхождения типов колонок не исправляются: они записываются в
// fs_record_types и возвращаются в Result.IntegrityErrors.
func (r *Registry) EnsureTable(ctx context.Context, rt *model.RecordType, opts ...EnsureOption) (*Result, error) {
	ctx, span := tracer.Start(ctx, "registry.EnsureTable")
	defer span.End()
	span.SetAttributes(attribute.String("record_type", rt.Key()))
	start := time.Now()

	if err := schema.Validate(rt); err != nil {
		return nil, err
	}
	var o ensureOptions
	for _, opt := range opts {
		opt(&o)
	}

	var result *Result
	err := r.db.Atomic(ctx, func(tx *database.Tx) error {
		var err error
		result, err = r.ensure(ctx, tx, rt, o)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.cache.remove(rt.Key())
	ensureDuration.Observe(time.Since(start).Seconds())

	if len(result.IntegrityErrors) > 0 {
		r.logger.Warn("Типы колонок расходятся со схемой",
			slog.String("record_type", rt.Key()),
			slog.Any("integrity_errors", result.IntegrityErrors),
		)
	}
	if result.Changed() || result.ViewRebuilt {
		r.logger.Info("Таблица типа записей синхронизирована",
			slog.String("record_type", rt.Key()),
			slog.Bool("created", result.Created),
			slog.Int("added", len(result.Added)),
			slog.Int("dropped", len(result.Dropped)),
			slog.Bool("view_rebuilt", result.ViewRebuilt),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return result, nil
}

func (r *Registry) ensure(ctx context.Context, tx *database.Tx, rt *model.RecordType, o ensureOptions) (*Result, error) {
	table := rt.TableName()
	result := &Result{}

	// сериализует конкурентные EnsureTable одного типа, в том числе до создания таблицы
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return nil, fmt.Errorf("ошибка блокировки %s: %w", table, err)
	}

	exists, err := repository.TableExists(ctx, tx, table)
	if err != nil {
		return nil, err
	}

	desired := schema.FromRecordType(rt)
	rebuildView := o.rebuildViews

	if !exists {
		if err := r.create(ctx, tx, rt, desired); err != nil {
			return nil, err
		}
		result.Created = true
		rebuildView = true
	} else {
		if _, err := tx.Exec(ctx, "LOCK TABLE "+pgx.Identifier{table}.Sanitize()+" IN ACCESS EXCLUSIVE MODE"); err != nil {
			return nil, fmt.Errorf("ошибка блокировки таблицы %s: %w", table, err)
		}
		existing, err := liveColumns(ctx, tx, table)
		if err != nil {
			return nil, err
		}
		ops := schema.Diff(existing, desired)
		if schema.Changed(ops) {
			rebuildView = true
		}
		if rebuildView {
			// представление ссылается на удаляемые колонки
			if _, err := tx.Exec(ctx, schema.DropView(rt)); err != nil {
				return nil, fmt.Errorf("ошибка удаления представления %s: %w", rt.ViewName(), err)
			}
		}
		for _, op := range ops {
			ddlOpsTotal.WithLabelValues(op.Kind.String()).Inc()
			stmt, ok := schema.Render(table, op)
			if !ok {
				continue
			}
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("ошибка изменения таблицы %s (%s %s): %w", table, op.Kind, op.Column.Name, err)
			}
			switch op.Kind {
			case schema.OpAddColumn:
				result.Added = append(result.Added, op.Column.Name)
			case schema.OpDropColumn:
				result.Dropped = append(result.Dropped, op.Column.Name)
			}
		}
		result.IntegrityErrors = schema.Mismatches(ops)

		if err := r.ensureEvolutions(ctx, tx, table); err != nil {
			return nil, err
		}
		if !rebuildView {
			viewExists, err := repository.TableExists(ctx, tx, rt.ViewName())
			if err != nil {
				return nil, err
			}
			rebuildView = !viewExists
		}
	}

	types := repository.NewRecordTypeRepository(tx)
	if err := types.Save(ctx, rt); err != nil {
		return nil, err
	}
	if err := types.SetIntegrityErrors(ctx, rt.Key(), result.IntegrityErrors); err != nil {
		return nil, err
	}
	rt.IntegrityErrors = result.IntegrityErrors

	if rebuildView {
		if _, err := tx.Exec(ctx, schema.DropView(rt)); err != nil {
			return nil, fmt.Errorf("ошибка удаления представления %s: %w", rt.ViewName(), err)
		}
		if _, err := tx.Exec(ctx, schema.CreateView(rt, desired)); err != nil {
			return nil, fmt.Errorf("ошибка создания представления %s: %w", rt.ViewName(), err)
		}
		result.ViewRebuilt = true
		ddlOpsTotal.WithLabelValues("rebuild_view").Inc()
	}

	if !result.Created && (len(result.Added) > 0 || len(result.Dropped) > 0) {
		if err := repository.NewMetaRepository(tx).SetReindex(ctx, ReindexFTS(table), model.ReindexNeeded); err != nil {
			return nil, err
		}
	}

	tokens := repository.NewSearchTokenRepository(tx)
	if err := search.IndexName(ctx, tokens, r.ftsConfig, search.NameContext(rt), rt.Name); err != nil {
		return nil, err
	}

	snap, err := r.snap(ctx, tx, rt, o.entry)
	if err != nil {
		return nil, err
	}
	result.Snapshot = snap
	return result, nil
}

// create создаёт таблицу типа с индексами, таблицей истории и триггерами.
func (r *Registry) create(ctx context.Context, tx *database.Tx, rt *model.RecordType, desired schema.TableSchema) error {
	stmts := append([]string{schema.CreateTable(desired)}, schema.CreateIndexes(rt.TableName())...)
	stmts = append(stmts, schema.CreateEvolutions(rt.TableName())...)
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ошибка создания таблицы %s: %w", rt.TableName(), err)
		}
	}
	if err := aggregate.InstallTriggers(ctx, tx, rt); err != nil {
		return err
	}
	if err := search.InstallTrigger(ctx, tx, rt); err != nil {
		return err
	}
	ddlOpsTotal.WithLabelValues("create_table").Inc()
	return nil
}

// ensureEvolutions создаёт таблицу истории, если её ещё нет.
func (r *Registry) ensureEvolutions(ctx context.Context, tx *database.Tx, table string) error {
	exists, err := repository.TableExists(ctx, tx, table+"_evolutions")
	if err != nil || exists {
		return err
	}
	for _, stmt := range schema.CreateEvolutions(table) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ошибка создания таблицы истории %s: %w", table, err)
		}
	}
	return nil
}

// snap сохраняет версию определения типа в истории снимков.
func (r *Registry) snap(ctx context.Context, tx *database.Tx, rt *model.RecordType, entry snapshot.Entry) (*model.Snapshot, error) {
	serialization, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации типа %s: %w", rt.Key(), err)
	}
	entry.ObjectType = rt.SnapshotObjectType()
	entry.ObjectID = rt.SnapshotObjectID()
	entry.Serialization = string(serialization) + "\n"
	return r.snapshots.With(tx).Snap(ctx, entry)
}

// liveColumns читает колонки таблицы из information_schema.
// Массивы описываются как <тип элемента>[], пользовательские типы — по имени.
func liveColumns(ctx context.Context, db repository.DBTX, table string) (map[string]schema.ColumnType, error) {
	rows, err := db.Query(ctx, `
		SELECT column_name,
			CASE
				WHEN data_type = 'ARRAY' THEN ltrim(udt_name, '_') || '[]'
				WHEN data_type = 'USER-DEFINED' THEN udt_name
				ELSE data_type
			END
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения колонок %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]schema.ColumnType)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("ошибка чтения колонок %s: %w", table, err)
		}
		out[name] = schema.ColumnType(typ)
	}
	return out, rows.Err()
}

// Get возвращает определение типа по ключу <kind>_<id>.
// Результат кэшируется и не должен изменяться вызывающим.
func (r *Registry) Get(ctx context.Context, key string) (*model.RecordType, error) {
	if rt, ok := r.cache.get(key); ok {
		return rt, nil
	}
	rt, err := repository.NewRecordTypeRepository(r.db).Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r.cache.set(rt)
	return rt, nil
}

// List возвращает все зарегистрированные типы.
func (r *Registry) List(ctx context.Context) ([]*model.RecordType, error) {
	return repository.NewRecordTypeRepository(r.db).List(ctx)
}

// IntegrityErrors возвращает сохранённые расхождения типов колонок, минуя кэш.
func (r *Registry) IntegrityErrors(ctx context.Context, key string) (model.IntegrityErrors, error) {
	rt, err := repository.NewRecordTypeRepository(r.db).Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return rt.IntegrityErrors, nil
}

// Invalidate сбрасывает кэш типа key (пустой key — весь кэш).
func (r *Registry) Invalidate(key string) {
	if key == "" {
		r.cache.purge()
		return
	}
	r.cache.remove(key)
}

// Drop удаляет тип: представление, таблицы записей и истории, строки
// сводной таблицы и словаря. История версий определения помечается удалённой.
func (r *Registry) Drop(ctx context.Context, key string) error {
	err := r.db.Atomic(ctx, func(tx *database.Tx) error {
		types := repository.NewRecordTypeRepository(tx)
		rt, err := types.Get(ctx, key)
		if err != nil {
			return err
		}

		stmts := []string{
			schema.DropView(rt),
			"DROP TABLE IF EXISTS " + pgx.Identifier{rt.EvolutionsTableName()}.Sanitize(),
			"DROP TABLE IF EXISTS " + pgx.Identifier{rt.TableName()}.Sanitize(),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ошибка удаления типа %s: %w", key, err)
			}
		}
		if _, err := aggregate.Forget(ctx, tx, key); err != nil {
			return err
		}
		if _, err := repository.NewSearchTokenRepository(tx).DeleteContext(ctx, key); err != nil {
			return err
		}

		serialization, err := json.MarshalIndent(rt, "", "  ")
		if err != nil {
			return fmt.Errorf("ошибка сериализации типа %s: %w", key, err)
		}
		err = r.snapshots.With(tx).SnapDeletion(ctx, snapshot.Entry{
			ObjectType:    rt.SnapshotObjectType(),
			ObjectID:      rt.SnapshotObjectID(),
			Serialization: string(serialization) + "\n",
		})
		if err != nil {
			return err
		}
		return types.Delete(ctx, key)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("тип %s: %w", key, err)
		}
		return err
	}

	r.cache.remove(key)
	r.logger.Info("Тип записей удалён", slog.String("record_type", key))
	return nil
}
