package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// MetaRepository — интерфейс для таблицы fs_meta (ключ/значение).
type MetaRepository interface {
	// Get возвращает запись по ключу или ErrNotFound.
	Get(ctx context.Context, key string) (*model.MetaEntry, error)
	// GetForUpdate возвращает запись по ключу с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, key string) (*model.MetaEntry, error)
	// Set записывает значение; updated_at меняется только при изменении значения.
	Set(ctx context.Context, key, value string) error
	// ListPrefix возвращает записи, ключ которых начинается с prefix.
	ListPrefix(ctx context.Context, prefix string) ([]*model.MetaEntry, error)
	// SetReindex записывает флаг переиндексации name (needed/done).
	SetReindex(ctx context.Context, name, value string) error
	// PendingReindex возвращает имена флагов переиндексации со значением needed.
	PendingReindex(ctx context.Context) ([]string, error)
}

// metaRepo — реализация MetaRepository.
type metaRepo struct {
	db DBTX
}

// NewMetaRepository создаёт репозиторий служебных параметров.
func NewMetaRepository(db DBTX) MetaRepository {
	return &metaRepo{db: db}
}

func (r *metaRepo) Get(ctx context.Context, key string) (*model.MetaEntry, error) {
	return r.get(ctx, `SELECT key, value, created_at, updated_at FROM fs_meta WHERE key = $1`, key)
}

func (r *metaRepo) GetForUpdate(ctx context.Context, key string) (*model.MetaEntry, error) {
	return r.get(ctx, `SELECT key, value, created_at, updated_at FROM fs_meta WHERE key = $1 FOR UPDATE`, key)
}

func (r *metaRepo) get(ctx context.Context, query, key string) (*model.MetaEntry, error) {
	e := &model.MetaEntry{}
	err := r.db.QueryRow(ctx, query, key).Scan(&e.Key, &e.Value, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения fs_meta[%s]: %w", key, err)
	}
	return e, nil
}

func (r *metaRepo) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO fs_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, updated_at = NOW()
			WHERE fs_meta.value IS DISTINCT FROM EXCLUDED.value`

	if _, err := r.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("ошибка записи fs_meta[%s]: %w", key, err)
	}
	return nil
}

func (r *metaRepo) ListPrefix(ctx context.Context, prefix string) ([]*model.MetaEntry, error) {
	query := `
		SELECT key, value, created_at, updated_at
		FROM fs_meta
		WHERE starts_with(key, $1)
		ORDER BY key`

	rows, err := r.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения fs_meta: %w", err)
	}
	defer rows.Close()

	var result []*model.MetaEntry
	for rows.Next() {
		e := &model.MetaEntry{}
		if err := rows.Scan(&e.Key, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования fs_meta: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *metaRepo) SetReindex(ctx context.Context, name, value string) error {
	return r.Set(ctx, model.ReindexKey(name), value)
}

func (r *metaRepo) PendingReindex(ctx context.Context) ([]string, error) {
	entries, err := r.ListPrefix(ctx, model.ReindexPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Value == model.ReindexNeeded {
			names = append(names, strings.TrimPrefix(e.Key, model.ReindexPrefix))
		}
	}
	return names, nil
}
