package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/goformstore/internal/api/handlers"
	"github.com/bigkaa/goformstore/internal/config"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/server"
	"github.com/bigkaa/goformstore/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить фоновые задачи и служебный HTTP-сервер",
	Long: `Применяет миграции, запускает очистку поисковых токенов,
очистку старых снимков, отложенную переиндексацию и мониторинг
зависимостей, затем обслуживает /health/* и /metrics до сигнала
завершения.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	// 1. Конфигурация, базовая схема, пул соединений
	env, err := setup(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	cfg, logger, eng := env.cfg, env.logger, env.engine
	logger.Info("formstore запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("FS_DEPHEALTH_GROUP") == "" {
		logger.Warn("FS_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 2. Пошаговые миграции существующих таблиц
	applied, level, err := migrate(ctx, eng)
	if err != nil {
		return err
	}
	logger.Info("Миграции хранилища применены",
		slog.Int("applied", applied),
		slog.Int("sql_level", level),
	)

	// 2.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(env.pool)
	defer pgDB.Close()

	// 3. Фоновые задачи
	tokenPurgeSvc := service.NewTokenPurgeService(eng.Purger(), cfg.IterSize, cfg.TokenPurgeInterval, logger)
	snapshotPruneSvc := service.NewSnapshotPruneService(eng.Snapshots(), cfg.SnapshotRetention, cfg.SnapshotPruneInterval, logger)
	reindexSvc := service.NewReindexService(eng.Reindexer(), cfg.ReindexInterval, logger)

	tokenPurgeSvc.Start(ctx)
	defer tokenPurgeSvc.Stop()
	snapshotPruneSvc.Start(ctx)
	defer snapshotPruneSvc.Stop()
	reindexSvc.Start(ctx)
	defer reindexSvc.Stop()

	// 3.1 topologymetrics — мониторинг зависимостей (PostgreSQL)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "formstore",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		ConnURL:       cfg.DatabaseURL(),
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		defer dephealthSvc.Stop()
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 4. Служебный HTTP-сервер
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(env.pool), eng.Migrations())
	if err := server.New(cfg, logger, healthHandler).Run(ctx); err != nil {
		return err
	}

	logger.Info("formstore остановлен")
	return nil
}
