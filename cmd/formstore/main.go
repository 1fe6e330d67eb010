// Точка входа formstore — хранилища записей w.c.s. на PostgreSQL.
// Команда serve запускает фоновые задачи обслуживания и служебный
// HTTP-сервер; остальные команды выполняют разовые операции.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goformstore/internal/config"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "formstore",
	Short: "Хранилище записей w.c.s. на PostgreSQL",
	Long: `formstore хранит записи типов, определяемых во время работы,
в таблицах PostgreSQL и поддерживает их схему, поисковые индексы
и сводную таблицу в актуальном состоянии.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(purgeTokensCmd)
	rootCmd.AddCommand(pruneSnapshotsCmd)
	rootCmd.AddCommand(ensureTableCmd)
	rootCmd.AddCommand(initGlobalTableCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app — окружение разовой команды: конфигурация, логгер и движок.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	engine *engine.Engine
}

func (a *app) Close() {
	a.pool.Close()
}

// setup загружает конфигурацию, применяет базовые миграции схемы
// и подключается к PostgreSQL.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)

	if err := database.Migrate(cfg, logger); err != nil {
		return nil, fmt.Errorf("ошибка миграций БД: %w", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		engine: engine.New(pool, cfg, logger),
	}, nil
}
