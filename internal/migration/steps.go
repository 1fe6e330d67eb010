package migration

import (
	"context"

	"github.com/bigkaa/goformstore/internal/aggregate"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/registry"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/search"
)

// Имена отложенных перестроек (ключ fs_meta — reindex_<имя>).
const (
	// FlagAggregate — перестройка сводной таблицы
	FlagAggregate = "aggregate"
)

// FlagTokens возвращает имя флага заполнения словаря из таблицы.
func FlagTokens(table string) string {
	return "tokens_" + table
}

// Deps — зависимости шагов миграции.
type Deps struct {
	Registry  *registry.Registry
	FTSConfig string
}

// DefaultSteps возвращает шаги миграции formstore. Шаги быстрые: полная
// перезапись таблиц откладывается флагами для Reindexer.
func DefaultSteps(deps Deps) []Step {
	return []Step{
		{
			Level: 1,
			Name:  "ensure_tables",
			Run: func(ctx context.Context, tx *database.Tx) error {
				reg := deps.Registry.With(tx)
				return eachTable(ctx, tx, func(rt *model.RecordType) error {
					_, err := reg.EnsureTable(ctx, rt, registry.WithSnapshotInfo("", "migration"))
					return err
				})
			},
		},
		{
			Level: 2,
			Name:  "aggregate_triggers",
			Run: func(ctx context.Context, tx *database.Tx) error {
				err := eachTable(ctx, tx, func(rt *model.RecordType) error {
					return aggregate.InstallTriggers(ctx, tx, rt)
				})
				if err != nil {
					return err
				}
				return repository.NewMetaRepository(tx).SetReindex(ctx, FlagAggregate, model.ReindexNeeded)
			},
		},
		{
			Level: 3,
			Name:  "search_tokens",
			Run: func(ctx context.Context, tx *database.Tx) error {
				meta := repository.NewMetaRepository(tx)
				tokens := repository.NewSearchTokenRepository(tx)
				return eachTable(ctx, tx, func(rt *model.RecordType) error {
					if err := search.InstallTrigger(ctx, tx, rt); err != nil {
						return err
					}
					if err := search.IndexName(ctx, tokens, deps.FTSConfig, search.NameContext(rt), rt.Name); err != nil {
						return err
					}
					return meta.SetReindex(ctx, FlagTokens(rt.TableName()), model.ReindexNeeded)
				})
			},
		},
		{
			Level: 4,
			Name:  "fts_vectors",
			Run: func(ctx context.Context, tx *database.Tx) error {
				meta := repository.NewMetaRepository(tx)
				return eachTable(ctx, tx, func(rt *model.RecordType) error {
					return meta.SetReindex(ctx, registry.ReindexFTS(rt.TableName()), model.ReindexNeeded)
				})
			},
		},
	}
}

// eachTable вызывает fn для каждого зарегистрированного типа, таблица
// которого существует.
func eachTable(ctx context.Context, db repository.DBTX, fn func(rt *model.RecordType) error) error {
	types, err := repository.NewRecordTypeRepository(db).List(ctx)
	if err != nil {
		return err
	}
	for _, rt := range types {
		exists, err := repository.TableExists(ctx, db, rt.TableName())
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := fn(rt); err != nil {
			return err
		}
	}
	return nil
}
