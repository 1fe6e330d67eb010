// Пакет engine собирает компоненты хранилища поверх одного пула
// подключений: реестр типов, хранилища записей, сводную таблицу, поиск,
// историю снимков, миграции и переиндексацию.
package engine

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goformstore/internal/aggregate"
	"github.com/bigkaa/goformstore/internal/config"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/migration"
	"github.com/bigkaa/goformstore/internal/record"
	"github.com/bigkaa/goformstore/internal/registry"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/search"
	"github.com/bigkaa/goformstore/internal/snapshot"
)

// Engine — хранилище записей типов, определяемых во время работы.
type Engine struct {
	db         *database.TxRunner
	cfg        *config.Config
	registry   *registry.Registry
	snapshots  *snapshot.Store
	aggregate  *aggregate.Synchronizer
	searcher   *search.Searcher
	purger     *search.Purger
	runner     *migration.Runner
	reindexer  *migration.Reindexer
	recordOpts record.Options
	logger     *slog.Logger
}

// New создаёт Engine. Базовые миграции (database.Migrate) должны быть
// применены заранее.
func New(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) *Engine {
	db := database.NewTxRunner(pool)
	snapshots := snapshot.New(db, logger)
	reg := registry.New(db, snapshots, registry.Options{
		CacheSize: cfg.RegistryCacheSize,
		CacheTTL:  cfg.RegistryCacheTTL,
		FTSConfig: cfg.FTSConfig,
	}, logger)

	recordOpts := record.Options{
		FTSConfig:   cfg.FTSConfig,
		PhoneRegion: cfg.PhoneRegion,
		IterSize:    cfg.IterSize,
	}
	expander := search.NewExpander(repository.NewSearchTokenRepository(db), cfg.FTSConfig, cfg.PhoneRegion, logger)

	return &Engine{
		db:        db,
		cfg:       cfg,
		registry:  reg,
		snapshots: snapshots,
		aggregate: aggregate.New(db, logger),
		searcher:  search.NewSearcher(db, expander, logger),
		purger:    search.NewPurger(db, logger),
		runner:    migration.NewRunner(db, migration.DefaultSteps(migration.Deps{Registry: reg, FTSConfig: cfg.FTSConfig}), logger),
		reindexer: migration.NewReindexer(db, reg, migration.ReindexOptions{
			Record:      recordOpts,
			Rate:        cfg.ReindexRate,
			Parallelism: cfg.ReindexParallelism,
		}, logger),
		recordOpts: recordOpts,
		logger:     logger.With(slog.String("component", "engine")),
	}
}

// DB возвращает исполнитель запросов с поддержкой вложенных транзакций.
func (e *Engine) DB() *database.TxRunner { return e.db }

// Registry возвращает реестр типов записей.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Snapshots возвращает историю снимков.
func (e *Engine) Snapshots() *snapshot.Store { return e.snapshots }

// Aggregate возвращает сводную таблицу.
func (e *Engine) Aggregate() *aggregate.Synchronizer { return e.aggregate }

// Searcher возвращает полнотекстовый поиск.
func (e *Engine) Searcher() *search.Searcher { return e.searcher }

// Purger возвращает очистку словаря токенов.
func (e *Engine) Purger() *search.Purger { return e.purger }

// Migrations возвращает исполнителя шагов миграции.
func (e *Engine) Migrations() *migration.Runner { return e.runner }

// Reindexer возвращает исполнителя отложенных перестроек.
func (e *Engine) Reindexer() *migration.Reindexer { return e.reindexer }

// EnsureTable регистрирует тип и синхронизирует его таблицу.
func (e *Engine) EnsureTable(ctx context.Context, rt *model.RecordType, opts ...registry.EnsureOption) (*registry.Result, error) {
	return e.registry.EnsureTable(ctx, rt, opts...)
}

// Records возвращает хранилище записей зарегистрированного типа key.
func (e *Engine) Records(ctx context.Context, key string) (*record.Store, error) {
	rt, err := e.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return record.New(e.db, rt, e.recordOpts, e.logger), nil
}

// RecordsIn возвращает хранилище типа key, работающее внутри транзакции tx.
func (e *Engine) RecordsIn(ctx context.Context, tx *database.Tx, key string) (*record.Store, error) {
	rt, err := e.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return record.New(tx, rt, e.recordOpts, e.logger), nil
}

// Migrate применяет шаги миграции выше сохранённого уровня и возвращает
// их количество; текущий уровень — Migrations().Level.
func (e *Engine) Migrate(ctx context.Context) (int, error) {
	return e.runner.Migrate(ctx)
}

// Reindex выполняет отложенные перестройки.
func (e *Engine) Reindex(ctx context.Context) (*migration.ReindexResult, error) {
	return e.reindexer.Reindex(ctx)
}

// Search ищет записи по тексту в контексте (ключ типа или пусто).
func (e *Engine) Search(ctx context.Context, text, context string, limit int) ([]search.Hit, error) {
	return e.searcher.Search(ctx, text, context, limit)
}

// PurgeTokens удаляет токены словаря, не подкреплённые живыми векторами.
func (e *Engine) PurgeTokens(ctx context.Context) (search.PurgeResult, error) {
	return e.purger.Purge(ctx, e.cfg.IterSize)
}

// PruneSnapshots удаляет снимки старше срока хранения.
func (e *Engine) PruneSnapshots(ctx context.Context) (int64, error) {
	return e.snapshots.Prune(ctx, e.cfg.SnapshotRetention)
}

// InitGlobalTable перестраивает сводную таблицу.
func (e *Engine) InitGlobalTable(ctx context.Context) (int64, error) {
	return e.aggregate.InitGlobalTable(ctx)
}
