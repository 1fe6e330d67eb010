// Пакет snapshot — история версий определений сущностей. Версия хранится
// полной сериализацией или патчем относительно последней полной.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

// CommentDeletion — комментарий снимка, сделанного при удалении сущности.
const CommentDeletion = "Удаление"

var storedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fs_snapshots_total",
	Help: "Количество попыток сохранить снимок по результату (full, patch, unchanged).",
}, []string{"result"})

// Entry — новая версия сущности.
type Entry struct {
	ObjectType    string
	ObjectID      string
	Serialization string

	UserID  string
	Comment string
	// Label — именованная версия; сохраняется даже без изменений
	Label string

	// ApplicationSlug и ApplicationVersion — импорт из приложения;
	// такой снимок сохраняется всегда
	ApplicationSlug    string
	ApplicationVersion string

	// ForceFull — сохранить полную сериализацию без патча
	ForceFull bool
}

// Store — хранилище снимков поверх fs_snapshots.
type Store struct {
	repo   repository.SnapshotRepository
	logger *slog.Logger
}

// New создаёт Store.
func New(db repository.DBTX, logger *slog.Logger) *Store {
	return &Store{
		repo:   repository.NewSnapshotRepository(db),
		logger: logger.With(slog.String("component", "snapshots")),
	}
}

// With возвращает Store, работающий через db (например, открытую транзакцию).
func (s *Store) With(db repository.DBTX) *Store {
	return &Store{repo: repository.NewSnapshotRepository(db), logger: s.logger}
}

// Snap сохраняет версию e. Возвращает nil без ошибки, если версия
// не отличается от последней сохранённой.
func (s *Store) Snap(ctx context.Context, e Entry) (*model.Snapshot, error) {
	snap := &model.Snapshot{
		ObjectType:         e.ObjectType,
		ObjectID:           e.ObjectID,
		UserID:             optional(e.UserID),
		Comment:            optional(e.Comment),
		Label:              optional(e.Label),
		ApplicationSlug:    optional(e.ApplicationSlug),
		ApplicationVersion: optional(e.ApplicationVersion),
	}
	serialization := e.Serialization

	complete, err := s.latest(ctx, e.ObjectType, e.ObjectID, repository.SnapshotFilter{Complete: true})
	if err != nil {
		return nil, err
	}
	if complete == nil || e.ForceFull {
		snap.Serialization = &serialization
		return s.insert(ctx, snap, "full")
	}

	patch, err := MakePatch(*complete.Serialization, serialization)
	if err != nil {
		return nil, err
	}

	if e.Label == "" && e.ApplicationSlug == "" {
		latest, err := s.latest(ctx, e.ObjectType, e.ObjectID, repository.SnapshotFilter{})
		if err != nil {
			return nil, err
		}
		unchanged := latest != nil &&
			((latest.Patch != nil && *latest.Patch == patch) ||
				(latest.IsComplete() && patch == ""))
		if unchanged {
			storedTotal.WithLabelValues("unchanged").Inc()
			return nil, nil
		}
	}

	if len(patch)*10 < len(serialization) {
		snap.Patch = &patch
		return s.insert(ctx, snap, "patch")
	}
	snap.Serialization = &serialization
	return s.insert(ctx, snap, "full")
}

// SnapDeletion сохраняет последнюю полную версию удаляемой сущности
// и помечает всю её историю как удалённую.
func (s *Store) SnapDeletion(ctx context.Context, e Entry) error {
	if e.Comment == "" {
		e.Comment = CommentDeletion
	}
	e.ForceFull = true
	if _, err := s.Snap(ctx, e); err != nil {
		return err
	}
	n, err := s.repo.MarkDeleted(ctx, e.ObjectType, e.ObjectID)
	if err != nil {
		return err
	}
	s.logger.Info("История сущности помечена как удалённая",
		slog.String("object_type", e.ObjectType),
		slog.String("object_id", e.ObjectID),
		slog.Int64("snapshots", n),
	)
	return nil
}

// GetLatest возвращает последний снимок сущности или nil, если его нет.
func (s *Store) GetLatest(ctx context.Context, objectType, objectID string, complete, includeDeleted bool) (*model.Snapshot, error) {
	return s.latest(ctx, objectType, objectID, repository.SnapshotFilter{
		Complete:       complete,
		IncludeDeleted: includeDeleted,
	})
}

// Get возвращает снимок по идентификатору.
func (s *Store) Get(ctx context.Context, id int) (*model.Snapshot, error) {
	return s.repo.GetByID(ctx, id)
}

// History возвращает все снимки сущности от новых к старым.
func (s *Store) History(ctx context.Context, objectType, objectID string) ([]*model.Snapshot, error) {
	return s.repo.History(ctx, objectType, objectID)
}

// Serialization возвращает полную сериализацию версии: для патча —
// результат его применения к последней полной версии, сохранённой раньше.
func (s *Store) Serialization(ctx context.Context, snap *model.Snapshot) (string, error) {
	if snap.IsComplete() {
		return *snap.Serialization, nil
	}

	base, err := s.latest(ctx, snap.ObjectType, snap.ObjectID, repository.SnapshotFilter{
		Complete:       true,
		IncludeDeleted: true,
		BeforeID:       snap.ID,
	})
	if err != nil {
		return "", err
	}
	if base == nil {
		return "", fmt.Errorf("%w: нет полной версии %s/%s до снимка %d",
			ErrBadPatch, snap.ObjectType, snap.ObjectID, snap.ID)
	}

	var patch string
	if snap.Patch != nil {
		patch = *snap.Patch
	}
	return ApplyPatch(*base.Serialization, patch)
}

// Prune удаляет снимки старше retention. Последняя полная версия каждой
// сущности, именованные версии и полные версии, на которые опираются
// оставшиеся патчи, сохраняются.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.repo.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	s.logger.Info("Очистка истории снимков завершена",
		slog.Duration("retention", retention),
		slog.Int64("deleted", n),
	)
	return n, nil
}

func (s *Store) latest(ctx context.Context, objectType, objectID string, f repository.SnapshotFilter) (*model.Snapshot, error) {
	snap, err := s.repo.Latest(ctx, objectType, objectID, f)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

func (s *Store) insert(ctx context.Context, snap *model.Snapshot, kind string) (*model.Snapshot, error) {
	if err := s.repo.Insert(ctx, snap); err != nil {
		return nil, err
	}
	storedTotal.WithLabelValues(kind).Inc()
	s.logger.Debug("Снимок сохранён",
		slog.String("object_type", snap.ObjectType),
		slog.String("object_id", snap.ObjectID),
		slog.Int("id", snap.ID),
		slog.String("kind", kind),
	)
	return snap, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
