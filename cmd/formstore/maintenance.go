package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigkaa/goformstore/internal/engine"
	"github.com/bigkaa/goformstore/internal/registry"
	"github.com/bigkaa/goformstore/internal/schema"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Применить пошаговые миграции хранилища",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		applied, level, err := migrate(cmd.Context(), env.engine)
		if err != nil {
			return err
		}
		printMigration(cmd.OutOrStdout(), applied, level)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Выполнить отложенные переиндексации",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.engine.Reindex(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "выполнено: %s\n", joinOrDash(res.Done))
		fmt.Fprintf(out, "пропущено: %s\n", joinOrDash(res.Skipped))
		fmt.Fprintf(out, "записей: %d\n", res.Records)
		return nil
	},
}

var purgeTokensCmd = &cobra.Command{
	Use:   "purge-tokens",
	Short: "Удалить поисковые токены, не встречающиеся в данных",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.engine.PurgeTokens(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "контекстов: %d, удалено токенов: %d, удалено контекстов: %d\n",
			res.Contexts, res.Deleted, res.DroppedContexts)
		return nil
	},
}

var pruneSnapshotsCmd = &cobra.Command{
	Use:   "prune-snapshots",
	Short: "Удалить снимки старше срока хранения",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.engine.PruneSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "удалено снимков: %d\n", n)
		return nil
	},
}

var initGlobalTableCmd = &cobra.Command{
	Use:   "init-global-table",
	Short: "Пересобрать сводную таблицу fs_all_records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.engine.InitGlobalTable(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "записей в сводной таблице: %d\n", n)
		return nil
	},
}

var (
	ensureSchemaPath   string
	ensureUserID       string
	ensureComment      string
	ensureRebuildViews bool
)

var ensureTableCmd = &cobra.Command{
	Use:   "ensure-table",
	Short: "Создать или обновить таблицу типа записей по YAML-описанию",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := schema.LoadFile(ensureSchemaPath)
		if err != nil {
			return err
		}

		env, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		opts := []registry.EnsureOption{registry.WithSnapshotInfo(ensureUserID, ensureComment)}
		if ensureRebuildViews {
			opts = append(opts, registry.WithRebuildViews())
		}
		res, err := env.engine.EnsureTable(cmd.Context(), rt, opts...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "таблица: %s\n", rt.TableName())
		fmt.Fprintf(out, "создана: %t\n", res.Created)
		fmt.Fprintf(out, "добавлены колонки: %s\n", joinOrDash(res.Added))
		fmt.Fprintf(out, "удалены колонки: %s\n", joinOrDash(res.Dropped))
		fmt.Fprintf(out, "представление пересоздано: %t\n", res.ViewRebuilt)
		if res.Snapshot != nil {
			fmt.Fprintf(out, "снимок: %d\n", res.Snapshot.ID)
		}

		return res.Err(rt.TableName())
	},
}

func init() {
	ensureTableCmd.Flags().StringVar(&ensureSchemaPath, "schema", "", "путь к YAML-описанию типа записей")
	ensureTableCmd.Flags().StringVar(&ensureUserID, "user", "", "автор версии определения")
	ensureTableCmd.Flags().StringVar(&ensureComment, "comment", "", "комментарий к версии определения")
	ensureTableCmd.Flags().BoolVar(&ensureRebuildViews, "rebuild-views", false, "пересоздать представление данных")
	_ = ensureTableCmd.MarkFlagRequired("schema")
}

// migrate применяет миграции и возвращает число применённых шагов
// и уровень схемы после них.
func migrate(ctx context.Context, eng *engine.Engine) (applied, level int, err error) {
	applied, err = eng.Migrate(ctx)
	if err != nil {
		return 0, 0, err
	}
	level, err = eng.Migrations().Level(ctx)
	if err != nil {
		return applied, 0, err
	}
	return applied, level, nil
}

func printMigration(w io.Writer, applied, level int) {
	fmt.Fprintf(w, "применено шагов: %d\n", applied)
	fmt.Fprintf(w, "sql_level: %d\n", level)
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
