package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/testutil/pgtest"
)

// TestMigrate проверяет применение базовых миграций и их повторный запуск.
func TestMigrate(t *testing.T) {
	pool, cfg := pgtest.Pool(t)

	// Повторное применение — должно быть без ошибки (ErrNoChange)
	if err := database.Migrate(cfg, pgtest.Logger()); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	for _, table := range []string{"fs_meta", "fs_record_types", "fs_all_records", "fs_search_tokens", "fs_snapshots"} {
		if !pgtest.TableExists(t, pool, table) {
			t.Errorf("Таблица %s не создана", table)
		}
	}
}

// TestConnect_TextSearchConfig проверяет конфигурацию поиска новых соединений.
func TestConnect_TextSearchConfig(t *testing.T) {
	pool, _ := pgtest.Pool(t)

	var got string
	if err := pool.QueryRow(context.Background(), `SHOW default_text_search_config`).Scan(&got); err != nil {
		t.Fatalf("SHOW default_text_search_config: %v", err)
	}
	if got != "pg_catalog.french" {
		t.Errorf("default_text_search_config = %q, ожидали pg_catalog.french", got)
	}
}

// TestReadinessChecker проверяет ReadinessChecker.
func TestReadinessChecker(t *testing.T) {
	pool, _ := pgtest.Pool(t)

	status, msg := database.NewReadinessChecker(pool).CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() status = %q, message = %q; ожидали ok", status, msg)
	}
}

// TestTx_NestedRollback проверяет, что ошибка во вложенном блоке откатывает
// только его изменения.
func TestTx_NestedRollback(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	runner := database.NewTxRunner(pool)
	errInner := errors.New("сбой вложенного шага")

	err := runner.Atomic(ctx, func(tx *database.Tx) error {
		if tx.Depth() != 0 {
			t.Errorf("Depth() = %d, ожидали 0", tx.Depth())
		}
		if _, err := tx.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('outer', '1')`); err != nil {
			return err
		}

		innerErr := tx.Atomic(ctx, func(inner *database.Tx) error {
			if inner.Depth() != 1 || inner.Savepoint() == "" {
				t.Errorf("вложенный блок: depth=%d savepoint=%q", inner.Depth(), inner.Savepoint())
			}
			if _, err := inner.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('inner', '1')`); err != nil {
				return err
			}
			return errInner
		})
		if !errors.Is(innerErr, errInner) {
			t.Errorf("вложенный Atomic вернул %v, ожидали %v", innerErr, errInner)
		}

		// Внешняя транзакция остаётся рабочей
		_, err := tx.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('after', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("Atomic() вернул ошибку: %v", err)
	}

	got := pgtest.Count(t, pool, "fs_meta WHERE key IN ('outer', 'inner', 'after')")
	if got != 2 {
		t.Errorf("строк после отката вложенного блока: %d, ожидали 2", got)
	}
	if pgtest.Count(t, pool, "fs_meta WHERE key = 'inner'") != 0 {
		t.Error("строка вложенного блока не откатилась")
	}
}

// TestTx_NestedFailedStatement проверяет восстановление после ошибки SQL
// во вложенном блоке.
func TestTx_NestedFailedStatement(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	runner := database.NewTxRunner(pool)

	err := runner.Atomic(ctx, func(tx *database.Tx) error {
		_ = tx.Atomic(ctx, func(inner *database.Tx) error {
			_, err := inner.Exec(ctx, `SELECT * FROM fs_no_such_table`)
			return err
		})
		_, err := tx.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('survivor', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("Atomic() вернул ошибку: %v", err)
	}
	if pgtest.Count(t, pool, "fs_meta WHERE key = 'survivor'") != 1 {
		t.Error("внешняя транзакция не зафиксировала строку")
	}
}

// TestTx_ExplicitHandle проверяет BeginNested/Commit/Rollback.
func TestTx_ExplicitHandle(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	runner := database.NewTxRunner(pool)

	tx, err := runner.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() вернул ошибку: %v", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	nested, err := tx.BeginNested(ctx)
	if err != nil {
		t.Fatalf("BeginNested() вернул ошибку: %v", err)
	}
	if _, err := nested.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('kept', '1')`); err != nil {
		t.Fatalf("Exec() вернул ошибку: %v", err)
	}
	if err := nested.Commit(ctx); err != nil {
		t.Fatalf("Commit() вложенного блока вернул ошибку: %v", err)
	}
	if err := nested.Commit(ctx); !errors.Is(err, database.ErrTxDone) {
		t.Errorf("повторный Commit() вернул %v, ожидали ErrTxDone", err)
	}

	dropped, err := tx.BeginNested(ctx)
	if err != nil {
		t.Fatalf("BeginNested() вернул ошибку: %v", err)
	}
	if _, err := dropped.Exec(ctx, `INSERT INTO fs_meta (key, value) VALUES ('dropped', '1')`); err != nil {
		t.Fatalf("Exec() вернул ошибку: %v", err)
	}
	if err := dropped.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() вложенного блока вернул ошибку: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() вернул ошибку: %v", err)
	}

	if pgtest.Count(t, pool, "fs_meta WHERE key = 'kept'") != 1 {
		t.Error("строка 'kept' не сохранена")
	}
	if pgtest.Count(t, pool, "fs_meta WHERE key = 'dropped'") != 0 {
		t.Error("строка 'dropped' не откатилась")
	}
}
