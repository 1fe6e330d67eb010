package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// RecordTypeRepository — интерфейс для таблицы fs_record_types.
type RecordTypeRepository interface {
	// Save создаёт или обновляет определение типа записей.
	Save(ctx context.Context, rt *model.RecordType) error
	// Get возвращает тип записей по ключу (<kind>_<id>) или ErrNotFound.
	Get(ctx context.Context, key string) (*model.RecordType, error)
	// List возвращает все зарегистрированные типы в порядке ключей.
	List(ctx context.Context) ([]*model.RecordType, error)
	// SetIntegrityErrors сохраняет расхождения типов колонок (nil очищает).
	SetIntegrityErrors(ctx context.Context, key string, errs model.IntegrityErrors) error
	// Delete удаляет определение типа.
	Delete(ctx context.Context, key string) error
}

// recordTypeRepo — реализация RecordTypeRepository.
type recordTypeRepo struct {
	db DBTX
}

// NewRecordTypeRepository создаёт репозиторий типов записей.
func NewRecordTypeRepository(db DBTX) RecordTypeRepository {
	return &recordTypeRepo{db: db}
}

// recordTypeColumns — список колонок для SELECT.
const recordTypeColumns = `definition, integrity_errors, created_at, updated_at`

func (r *recordTypeRepo) Save(ctx context.Context, rt *model.RecordType) error {
	definition, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("ошибка сериализации типа %s: %w", rt.Key(), err)
	}

	query := `
		INSERT INTO fs_record_types (key, kind, type_id, name, definition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			updated_at = CASE
				WHEN fs_record_types.definition IS DISTINCT FROM EXCLUDED.definition THEN NOW()
				ELSE fs_record_types.updated_at
			END
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query, rt.Key(), rt.Kind, rt.ID, rt.Name, definition).
		Scan(&rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("тип %s: %w", rt.Key(), ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения типа %s: %w", rt.Key(), err)
	}
	return nil
}

func (r *recordTypeRepo) Get(ctx context.Context, key string) (*model.RecordType, error) {
	query := `SELECT ` + recordTypeColumns + ` FROM fs_record_types WHERE key = $1`

	rt, err := scanRecordType(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения типа %s: %w", key, err)
	}
	return rt, nil
}

func (r *recordTypeRepo) List(ctx context.Context) ([]*model.RecordType, error) {
	query := `SELECT ` + recordTypeColumns + ` FROM fs_record_types ORDER BY kind, type_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка типов: %w", err)
	}
	defer rows.Close()

	var result []*model.RecordType
	for rows.Next() {
		rt, err := scanRecordType(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования типа: %w", err)
		}
		result = append(result, rt)
	}
	return result, rows.Err()
}

func (r *recordTypeRepo) SetIntegrityErrors(ctx context.Context, key string, errs model.IntegrityErrors) error {
	var payload []byte
	if len(errs) > 0 {
		var err error
		if payload, err = json.Marshal(errs); err != nil {
			return fmt.Errorf("ошибка сериализации ошибок целостности: %w", err)
		}
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE fs_record_types SET integrity_errors = $2 WHERE key = $1`, key, payload)
	if err != nil {
		return fmt.Errorf("ошибка сохранения ошибок целостности %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordTypeRepo) Delete(ctx context.Context, key string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM fs_record_types WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("ошибка удаления типа %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanRecordType сканирует строку fs_record_types в model.RecordType.
func scanRecordType(row pgx.Row) (*model.RecordType, error) {
	var (
		definition []byte
		integrity  []byte
		rt         model.RecordType
	)
	if err := row.Scan(&definition, &integrity, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(definition, &rt); err != nil {
		return nil, fmt.Errorf("повреждённое определение типа: %w", err)
	}
	if len(integrity) > 0 {
		if err := json.Unmarshal(integrity, &rt.IntegrityErrors); err != nil {
			return nil, fmt.Errorf("повреждённые ошибки целостности: %w", err)
		}
	}
	return &rt, nil
}
