// tx.go — явный дескриптор транзакции с вложенными блоками на точках сохранения.
//
// Верхний уровень — обычная транзакция PostgreSQL. Вложенный блок
// (BeginNested / Atomic внутри Atomic) создаёт именованную точку сохранения;
// ошибка во вложенном блоке откатывает только до неё, внешняя транзакция
// остаётся рабочей.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxDone — операция над уже завершённой транзакцией или точкой сохранения.
var ErrTxDone = errors.New("транзакция уже завершена")

// DB — источник подключений: пул или открытая транзакция.
// Atomic на пуле начинает транзакцию, на транзакции — точку сохранения.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Atomic(ctx context.Context, fn func(tx *Tx) error) error
}

// TxRunner — пул подключений с поддержкой транзакций.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// Pool возвращает исходный пул.
func (r *TxRunner) Pool() *pgxpool.Pool { return r.pool }

// Exec выполняет запрос вне транзакции.
func (r *TxRunner) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return r.pool.Exec(ctx, sql, args...)
}

// Query выполняет запрос вне транзакции.
func (r *TxRunner) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.pool.Query(ctx, sql, args...)
}

// QueryRow выполняет запрос вне транзакции.
func (r *TxRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.pool.QueryRow(ctx, sql, args...)
}

// Begin открывает транзакцию верхнего уровня.
func (r *TxRunner) Begin(ctx context.Context) (*Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Atomic выполняет fn в новой транзакции.
// При ошибке fn транзакция откатывается, при успехе — коммитится.
func (r *TxRunner) Atomic(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := r.Begin(ctx)
	if err != nil {
		return err
	}
	return run(ctx, tx, fn)
}

// Tx — транзакция или вложенный блок внутри неё.
type Tx struct {
	tx        pgx.Tx
	depth     int
	savepoint string
	done      bool
}

// Depth возвращает глубину вложенности (0 — транзакция верхнего уровня).
func (t *Tx) Depth() int { return t.depth }

// Savepoint возвращает имя точки сохранения (пусто для верхнего уровня).
func (t *Tx) Savepoint() string { return t.savepoint }

// Exec выполняет запрос в транзакции.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

// Query выполняет запрос в транзакции.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// QueryRow выполняет запрос в транзакции.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// BeginNested создаёт именованную точку сохранения.
func (t *Tx) BeginNested(ctx context.Context) (*Tx, error) {
	if t.done {
		return nil, ErrTxDone
	}
	depth := t.depth + 1
	name := fmt.Sprintf("fs_sp_%d_%s", depth, uuid.NewString()[:8])
	if _, err := t.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("ошибка создания точки сохранения: %w", err)
	}
	return &Tx{tx: t.tx, depth: depth, savepoint: name}, nil
}

// Commit фиксирует транзакцию или освобождает точку сохранения.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.depth == 0 {
		if err := t.tx.Commit(ctx); err != nil {
			return fmt.Errorf("ошибка фиксации транзакции: %w", err)
		}
		return nil
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("ошибка освобождения точки сохранения: %w", err)
	}
	return nil
}

// Rollback откатывает транзакцию или изменения после точки сохранения.
// Повторный вызов после Commit/Rollback ничего не делает.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.depth == 0 {
		if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			return fmt.Errorf("ошибка отката транзакции: %w", err)
		}
		return nil
	}
	if _, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("ошибка отката к точке сохранения: %w", err)
	}
	if _, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("ошибка освобождения точки сохранения: %w", err)
	}
	return nil
}

// Atomic выполняет fn во вложенном блоке (точка сохранения).
func (t *Tx) Atomic(ctx context.Context, fn func(tx *Tx) error) error {
	nested, err := t.BeginNested(ctx)
	if err != nil {
		return err
	}
	return run(ctx, nested, fn)
}

// run выполняет fn и завершает tx в зависимости от результата.
// Паника откатывает блок и пробрасывается дальше.
func run(ctx context.Context, tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
