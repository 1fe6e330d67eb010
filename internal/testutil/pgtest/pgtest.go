// Пакет pgtest — запуск PostgreSQL в Docker-контейнере для интеграционных
// тестов (testcontainers). Тесты пропускаются, если TEST_INTEGRATION не задана.
package pgtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goformstore/internal/config"
	"github.com/bigkaa/goformstore/internal/database"
)

// Logger возвращает логгер, не засоряющий вывод тестов.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Config запускает контейнер PostgreSQL и возвращает конфигурацию для него.
func Config(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("formstore_test"),
		postgres.WithUsername("formstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	return &config.Config{
		DBHost:             host,
		DBPort:             port.Int(),
		DBName:             "formstore_test",
		DBUser:             "formstore",
		DBPassword:         "test-password",
		DBSSLMode:          "disable",
		FTSConfig:          "french",
		IterSize:           3,
		PhoneRegion:        "FR",
		RegistryCacheSize:  16,
		RegistryCacheTTL:   time.Minute,
		ReindexRate:        1000,
		ReindexParallelism: 2,
	}
}

// Pool запускает контейнер, применяет базовые миграции и возвращает пул.
func Pool(t *testing.T) (*pgxpool.Pool, *config.Config) {
	t.Helper()

	cfg := Config(t)
	logger := Logger()

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}

	pool, err := database.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool, cfg
}

// TableExists проверяет наличие таблицы в схеме public.
func TableExists(t *testing.T, pool *pgxpool.Pool, table string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(context.Background(),
		`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("Ошибка проверки таблицы %s: %v", table, err)
	}
	return exists
}

// Count возвращает результат SELECT count(*) по произвольному условию.
func Count(t *testing.T, pool *pgxpool.Pool, from string, args ...any) int {
	t.Helper()
	var n int
	if err := pool.QueryRow(context.Background(), fmt.Sprintf("SELECT count(*) FROM %s", from), args...).Scan(&n); err != nil {
		t.Fatalf("Ошибка подсчёта строк %s: %v", from, err)
	}
	return n
}
