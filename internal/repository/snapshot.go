package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// SnapshotFilter — условия выбора последнего снимка.
type SnapshotFilter struct {
	// Complete — только снимки с полной сериализацией
	Complete bool
	// IncludeDeleted — учитывать снимки удалённых сущностей
	IncludeDeleted bool
	// BeforeID — только снимки, сохранённые раньше снимка с этим идентификатором (0 — без ограничения)
	BeforeID int
}

// SnapshotRepository — интерфейс для таблицы fs_snapshots.
type SnapshotRepository interface {
	// Insert добавляет снимок, заполняя ID и Timestamp.
	Insert(ctx context.Context, s *model.Snapshot) error
	// GetByID возвращает снимок по идентификатору или ErrNotFound.
	GetByID(ctx context.Context, id int) (*model.Snapshot, error)
	// Latest возвращает последний снимок сущности по фильтру или ErrNotFound.
	Latest(ctx context.Context, objectType, objectID string, f SnapshotFilter) (*model.Snapshot, error)
	// History возвращает снимки сущности от новых к старым.
	History(ctx context.Context, objectType, objectID string) ([]*model.Snapshot, error)
	// MarkDeleted помечает все снимки сущности как удалённые.
	MarkDeleted(ctx context.Context, objectType, objectID string) (int64, error)
	// Prune удаляет снимки старше cutoff, сохраняя восстановимость.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// snapshotRepo — реализация SnapshotRepository.
type snapshotRepo struct {
	db DBTX
}

// NewSnapshotRepository создаёт репозиторий снимков.
func NewSnapshotRepository(db DBTX) SnapshotRepository {
	return &snapshotRepo{db: db}
}

// snapshotColumns — список колонок для SELECT.
const snapshotColumns = `id, object_type, object_id, timestamp, user_id, comment,
	serialization, patch, label, deleted_object, application_slug, application_version`

func (r *snapshotRepo) Insert(ctx context.Context, s *model.Snapshot) error {
	query := `
		INSERT INTO fs_snapshots (
			object_type, object_id, user_id, comment, serialization, patch, label,
			deleted_object, application_slug, application_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, timestamp`

	err := r.db.QueryRow(ctx, query,
		s.ObjectType, s.ObjectID, s.UserID, s.Comment, s.Serialization, s.Patch, s.Label,
		s.DeletedObject, s.ApplicationSlug, s.ApplicationVersion,
	).Scan(&s.ID, &s.Timestamp)
	if err != nil {
		return fmt.Errorf("ошибка сохранения снимка %s/%s: %w", s.ObjectType, s.ObjectID, err)
	}
	return nil
}

func (r *snapshotRepo) GetByID(ctx context.Context, id int) (*model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM fs_snapshots WHERE id = $1`
	s, err := scanSnapshot(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения снимка %d: %w", id, err)
	}
	return s, nil
}

// buildSnapshotWhere формирует WHERE для выбора снимков сущности.
func buildSnapshotWhere(objectType, objectID string, f SnapshotFilter) (string, []any) {
	conditions := []string{"object_type = $1", "object_id = $2"}
	args := []any{objectType, objectID}

	if f.Complete {
		conditions = append(conditions, "serialization IS NOT NULL")
	}
	if !f.IncludeDeleted {
		conditions = append(conditions, "deleted_object = FALSE")
	}
	if f.BeforeID > 0 {
		args = append(args, f.BeforeID)
		conditions = append(conditions, fmt.Sprintf("id < $%d", len(args)))
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *snapshotRepo) Latest(ctx context.Context, objectType, objectID string, f SnapshotFilter) (*model.Snapshot, error) {
	where, args := buildSnapshotWhere(objectType, objectID, f)
	query := `SELECT ` + snapshotColumns + ` FROM fs_snapshots ` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT 1`

	s, err := scanSnapshot(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения последнего снимка %s/%s: %w", objectType, objectID, err)
	}
	return s, nil
}

func (r *snapshotRepo) History(ctx context.Context, objectType, objectID string) ([]*model.Snapshot, error) {
	where, args := buildSnapshotWhere(objectType, objectID, SnapshotFilter{IncludeDeleted: true})
	query := `SELECT ` + snapshotColumns + ` FROM fs_snapshots ` + where +
		` ORDER BY timestamp DESC, id DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории %s/%s: %w", objectType, objectID, err)
	}
	defer rows.Close()

	var result []*model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования снимка: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *snapshotRepo) MarkDeleted(ctx context.Context, objectType, objectID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE fs_snapshots SET deleted_object = TRUE WHERE object_type = $1 AND object_id = $2`,
		objectType, objectID)
	if err != nil {
		return 0, fmt.Errorf("ошибка пометки удаления %s/%s: %w", objectType, objectID, err)
	}
	return tag.RowsAffected(), nil
}

// Prune удаляет снимки старше cutoff, кроме:
//   - последнего полного снимка каждой сущности;
//   - снимков с меткой;
//   - полных снимков, на которые опираются сохраняемые патчи.
func (r *snapshotRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM fs_snapshots s
		WHERE s.timestamp < $1
		  AND s.label IS NULL
		  AND s.id <> (
			SELECT c.id FROM fs_snapshots c
			WHERE c.object_type = s.object_type AND c.object_id = s.object_id
			  AND c.serialization IS NOT NULL
			ORDER BY c.timestamp DESC, c.id DESC
			LIMIT 1)
		  AND NOT (s.serialization IS NOT NULL AND EXISTS (
			SELECT 1 FROM fs_snapshots p
			WHERE p.object_type = s.object_type AND p.object_id = s.object_id
			  AND p.patch IS NOT NULL
			  AND (p.timestamp >= $1 OR p.label IS NOT NULL)
			  AND p.timestamp >= s.timestamp
			  AND NOT EXISTS (
				SELECT 1 FROM fs_snapshots c
				WHERE c.object_type = s.object_type AND c.object_id = s.object_id
				  AND c.serialization IS NOT NULL
				  AND c.timestamp > s.timestamp AND c.timestamp <= p.timestamp)))`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки снимков: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanSnapshot сканирует строку fs_snapshots в model.Snapshot.
func scanSnapshot(row pgx.Row) (*model.Snapshot, error) {
	s := &model.Snapshot{}
	err := row.Scan(
		&s.ID, &s.ObjectType, &s.ObjectID, &s.Timestamp, &s.UserID, &s.Comment,
		&s.Serialization, &s.Patch, &s.Label, &s.DeletedObject,
		&s.ApplicationSlug, &s.ApplicationVersion,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
