// Пакет record — хранилище записей одного типа: запись и чтение строк
// таблицы <kind>_<id>, история в <kind>_<id>_evolutions, производные
// колонки (отображаемые значения, дайджесты, полнотекстовый вектор).
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

var tracer = otel.Tracer("formstore/record")

// ErrNothingToUpdate — обновление с дополнительными условиями не затронуло ни одной строки.
var ErrNothingToUpdate = errors.New("нечего обновлять")

// Prometheus-метрики хранилища записей.
var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_record_writes_total",
		Help: "Общее количество записей в таблицы типов.",
	}, []string{"op", "result"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fs_record_query_duration_seconds",
		Help:    "Длительность чтения записей.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// Options — параметры хранилища.
type Options struct {
	// FTSConfig — конфигурация полнотекстового поиска PostgreSQL
	FTSConfig string
	// PhoneRegion — регион по умолчанию для телефонных номеров
	PhoneRegion string
	// IterSize — размер окна SelectIterator
	IterSize int
}

// Store — хранилище записей одного типа.
type Store struct {
	db     database.DB
	rt     *model.RecordType
	layout layout
	opts   Options
	logger *slog.Logger
}

// New создаёт хранилище записей типа rt. Таблица типа должна существовать
// (см. registry.EnsureTable).
func New(db database.DB, rt *model.RecordType, opts Options, logger *slog.Logger) *Store {
	if opts.IterSize <= 0 {
		opts.IterSize = 200
	}
	if opts.FTSConfig == "" {
		opts.FTSConfig = "simple"
	}
	return &Store{
		db:     db,
		rt:     rt,
		layout: newLayout(rt),
		opts:   opts,
		logger: logger.With(slog.String("component", "record_store"), slog.String("record_type", rt.Key())),
	}
}

// RecordType возвращает тип записей хранилища.
func (s *Store) RecordType() *model.RecordType { return s.rt }

type storeOptions struct {
	where       []criteria.Criteria
	forceInsert bool
}

// StoreOption — параметр Store.
type StoreOption func(*storeOptions)

// WithWhere добавляет к обновлению условия (оптимистичная проверка).
// Если ни одна строка не совпала, Store возвращает ErrNothingToUpdate.
func WithWhere(list ...criteria.Criteria) StoreOption {
	return func(o *storeOptions) { o.where = append(o.where, list...) }
}

// WithForceInsert вставляет запись с заданным ID без попытки обновления.
func WithForceInsert() StoreOption {
	return func(o *storeOptions) { o.forceInsert = true }
}

// Store сохраняет запись. Без ID — вставка с новым идентификатором,
// с ID — обновление; если строки нет и условий не задано, запись
// вставляется с этим ID. Несохранённые записи истории добавляются.
func (s *Store) Store(ctx context.Context, rec *model.Record, opts ...StoreOption) error {
	ctx, span := tracer.Start(ctx, "record.Store")
	defer span.End()
	span.SetAttributes(attribute.String("record_type", s.rt.Key()))

	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}

	op := "update"
	assigned := false
	unsaved := unsavedEvolutions(rec)
	err := s.db.Atomic(ctx, func(tx *database.Tx) error {
		switch {
		case rec.ID == 0:
			op = "insert"
			id, err := s.nextID(ctx, tx)
			if err != nil {
				return err
			}
			rec.ID, assigned = id, true
			if err := s.insert(ctx, tx, rec); err != nil {
				return err
			}
		case o.forceInsert:
			op = "insert"
			if err := s.insertExplicit(ctx, tx, rec); err != nil {
				return err
			}
		default:
			updated, err := s.update(ctx, tx, rec, o.where)
			if err != nil {
				return err
			}
			if !updated {
				if len(o.where) > 0 {
					return fmt.Errorf("%w: %s/%d", ErrNothingToUpdate, s.rt.Key(), rec.ID)
				}
				op = "insert"
				if err := s.insertExplicit(ctx, tx, rec); err != nil {
					return err
				}
			}
		}
		return saveEvolutions(ctx, tx, s.rt.EvolutionsTableName(), rec)
	})
	if err != nil {
		// транзакция откатилась: повторный Store должен записать всё заново
		if assigned {
			rec.ID = 0
		}
		for _, evo := range unsaved {
			evo.ID = 0
		}
		writesTotal.WithLabelValues(op, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	writesTotal.WithLabelValues(op, "ok").Inc()

	s.logger.Debug("Запись сохранена",
		slog.Int("id", rec.ID),
		slog.String("op", op),
	)
	return nil
}

// nextID резервирует идентификатор в последовательности таблицы.
func (s *Store) nextID(ctx context.Context, db repository.DBTX) (int, error) {
	var id int
	err := db.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence($1, 'id'))`, s.rt.TableName()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения идентификатора %s: %w", s.rt.Key(), err)
	}
	return id, nil
}

// columnValues подготавливает запись и возвращает колонки со значениями
// и выражение вектора fts.
func (s *Store) columnValues(rec *model.Record, args *criteria.Args) ([]string, []string, error) {
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.LastUpdateTime == nil {
		now := time.Now()
		rec.LastUpdateTime = &now
	}
	prepare(s.rt, rec, s.logger)

	fixed, err := fixedValues(rec)
	if err != nil {
		return nil, nil, err
	}

	var names, placeholders []string
	for _, c := range s.layout.fixed {
		v, ok := fixed[c.Name]
		if !ok {
			continue
		}
		names = append(names, ident(c.Name))
		placeholders = append(placeholders, args.Add(v))
	}
	for _, c := range s.layout.fields {
		v, err := encodeValue(c.Type, rec.Data[c.dataKey])
		if err != nil {
			return nil, nil, fmt.Errorf("поле %s (%s): %w", c.field.ID, c.Name, err)
		}
		names = append(names, ident(c.Name))
		placeholders = append(placeholders, args.Add(v))
	}

	vector := buildVector(s.rt, rec, s.opts.PhoneRegion)
	names = append(names, "fts")
	placeholders = append(placeholders, vector.SQL(s.opts.FTSConfig, args))
	return names, placeholders, nil
}

func (s *Store) insert(ctx context.Context, db repository.DBTX, rec *model.Record) error {
	args := criteria.NewArgs(rec.ID)
	names, placeholders, err := s.columnValues(rec, args)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES ($1, %s)`,
		ident(s.rt.TableName()), strings.Join(names, ", "), strings.Join(placeholders, ", "))

	if _, err := db.Exec(ctx, query, args.Values()...); err != nil {
		if repository.IsUniqueViolation(err) {
			return fmt.Errorf("запись %s/%d: %w", s.rt.Key(), rec.ID, repository.ErrConflict)
		}
		return fmt.Errorf("ошибка вставки записи %s/%d: %w", s.rt.Key(), rec.ID, err)
	}
	return nil
}

// insertExplicit вставляет запись с заданным ID и сдвигает последовательность,
// чтобы следующие вставки не столкнулись с ним.
func (s *Store) insertExplicit(ctx context.Context, db repository.DBTX, rec *model.Record) error {
	if err := s.insert(ctx, db, rec); err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT setval(pg_get_serial_sequence($1, 'id'), GREATEST((SELECT max(id) FROM %s), 1))`,
		ident(s.rt.TableName()))
	if _, err := db.Exec(ctx, query, s.rt.TableName()); err != nil {
		return fmt.Errorf("ошибка сдвига последовательности %s: %w", s.rt.Key(), err)
	}
	return nil
}

// update обновляет строку по ID; false — ни одна строка не совпала.
func (s *Store) update(ctx context.Context, db repository.DBTX, rec *model.Record, where []criteria.Criteria) (bool, error) {
	args := criteria.NewArgs(rec.ID)
	names, placeholders, err := s.columnValues(rec, args)
	if err != nil {
		return false, err
	}
	sets := make([]string, len(names))
	for i := range names {
		sets[i] = names[i] + " = " + placeholders[i]
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, ident(s.rt.TableName()), strings.Join(sets, ", "))

	if len(where) > 0 {
		compiled, err := criteria.Compile(where, args)
		if err != nil {
			return false, err
		}
		if len(compiled.Residual) > 0 {
			return false, fmt.Errorf("%w: условия обновления", criteria.ErrNoSQL)
		}
		query += " AND " + compiled.Where
	}

	tag, err := db.Exec(ctx, query, args.Values()...)
	if err != nil {
		return false, fmt.Errorf("ошибка обновления записи %s/%d: %w", s.rt.Key(), rec.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}
