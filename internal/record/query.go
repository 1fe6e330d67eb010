package record

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/aggregate"
	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

// ErrIteratorOrder — SelectIterator обходит таблицу только по id.
var ErrIteratorOrder = errors.New("итератор поддерживает только сортировку по id")

// Query — выборка записей.
type Query struct {
	Criteria []criteria.Criteria
	// OrderBy — описание сортировки (см. criteria.OrderClause) или "rank";
	// пусто — по id
	OrderBy string
	Limit   int
	Offset  int
}

// Waiter ограничивает скорость массовых операций (например, *rate.Limiter).
type Waiter interface {
	Wait(ctx context.Context) error
}

// Get возвращает запись по ID с историей. Отсутствующая запись —
// repository.ErrNotFound, при ignoreErrors — (nil, nil).
func (s *Store) Get(ctx context.Context, id int, ignoreErrors bool) (*model.Record, error) {
	return s.getOne(ctx, "id", id, ignoreErrors)
}

// GetByUUID возвращает запись по глобальному идентификатору.
func (s *Store) GetByUUID(ctx context.Context, id string, ignoreErrors bool) (*model.Record, error) {
	return s.getOne(ctx, "uuid", id, ignoreErrors)
}

func (s *Store) getOne(ctx context.Context, column string, value any, ignoreErrors bool) (*model.Record, error) {
	defer observe("get", time.Now())

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, s.layout.selectList(), ident(s.rt.TableName()), column)
	records, err := s.query(ctx, s.db, query, value)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if ignoreErrors {
			return nil, nil
		}
		return nil, fmt.Errorf("запись %s %s=%v: %w", s.rt.Key(), column, value, repository.ErrNotFound)
	}
	if err := attachEvolutions(ctx, s.db, s.rt.EvolutionsTableName(), records); err != nil {
		return nil, err
	}
	return records[0], nil
}

// query выполняет SELECT по колонкам layout и собирает записи.
func (s *Store) query(ctx context.Context, db repository.DBTX, query string, args ...any) ([]*model.Record, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки из %s: %w", s.rt.TableName(), err)
	}
	defer rows.Close()

	cols := s.layout.all()
	var records []*model.Record
	for rows.Next() {
		targets := make([]any, len(cols))
		for i, c := range cols {
			targets[i] = scanTarget(c.Type)
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("ошибка сканирования %s: %w", s.rt.TableName(), err)
		}
		values := make([]any, len(targets))
		for i, t := range targets {
			values[i] = scanned(t)
		}
		rec, err := s.layout.decode(values)
		if err != nil {
			return nil, fmt.Errorf("запись %s: %w", s.rt.TableName(), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка выборки из %s: %w", s.rt.TableName(), err)
	}
	return records, nil
}

// orderClause переводит описание сортировки в ORDER BY.
func (s *Store) orderClause(q Query, args *criteria.Args) (string, error) {
	switch q.OrderBy {
	case "":
		return "id", nil
	case criteria.OrderRank:
		ranker, ok := criteria.FindRanker(q.Criteria)
		if !ok {
			return "", fmt.Errorf("%w: сортировка по релевантности без полнотекстового критерия", criteria.ErrInvalidAttribute)
		}
		rank, err := ranker.RankSQL(args)
		if err != nil {
			return "", err
		}
		return rank + " DESC, id", nil
	}
	order, err := criteria.OrderClause(q.OrderBy)
	if err != nil {
		return "", err
	}
	return order + ", id", nil
}

// Select возвращает записи по критериям. Если среди критериев есть
// вычисляемые только в памяти, LIMIT и OFFSET применяются после фильтрации.
func (s *Store) Select(ctx context.Context, q Query) ([]*model.Record, error) {
	ctx, span := tracer.Start(ctx, "record.Select")
	defer span.End()
	defer observe("select", time.Now())

	args := criteria.NewArgs()
	order, err := s.orderClause(q, args)
	if err != nil {
		return nil, err
	}
	compiled, err := criteria.Compile(q.Criteria, args)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, s.layout.selectList(), ident(s.rt.TableName()))
	if compiled.Where != "" {
		query += " WHERE " + compiled.Where
	}
	query += " ORDER BY " + order
	paged := len(compiled.Residual) == 0
	if paged && q.Limit > 0 {
		query += " LIMIT " + args.Add(q.Limit)
	}
	if paged && q.Offset > 0 {
		query += " OFFSET " + args.Add(q.Offset)
	}

	records, err := s.query(ctx, s.db, query, args.Values()...)
	if err != nil {
		return nil, err
	}
	if err := attachEvolutions(ctx, s.db, s.rt.EvolutionsTableName(), records); err != nil {
		return nil, err
	}
	if paged {
		return records, nil
	}

	filtered, err := s.filter(records, compiled.Residual)
	if err != nil {
		return nil, err
	}
	return page(filtered, q.Offset, q.Limit), nil
}

func (s *Store) filter(records []*model.Record, residual []criteria.Criteria) ([]*model.Record, error) {
	out := records[:0]
	for _, rec := range records {
		ok, err := criteria.Matches(residual, Getter(s.rt, rec))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func page(records []*model.Record, offset, limit int) []*model.Record {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// SelectIterator обходит записи окнами по первичному ключу размером IterSize.
// Поддерживается сортировка "id" и "-id"; Limit и Offset применяются
// к уже отфильтрованному потоку.
func (s *Store) SelectIterator(ctx context.Context, q Query) iter.Seq2[*model.Record, error] {
	return func(yield func(*model.Record, error) bool) {
		desc := false
		switch q.OrderBy {
		case "", "id":
		case "-id":
			desc = true
		default:
			yield(nil, fmt.Errorf("%w: %q", ErrIteratorOrder, q.OrderBy))
			return
		}

		skipped, emitted := 0, 0
		var last *int
		for {
			batch, residual, err := s.window(ctx, q.Criteria, last, desc)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			lastID := batch[len(batch)-1].ID
			last = &lastID

			matched, err := s.filter(batch, residual)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range matched {
				if skipped < q.Offset {
					skipped++
					continue
				}
				if !yield(rec, nil) {
					return
				}
				emitted++
				if q.Limit > 0 && emitted >= q.Limit {
					return
				}
			}
			if len(batch) < s.opts.IterSize {
				return
			}
		}
	}
}

// window читает одно окно записей после last.
func (s *Store) window(ctx context.Context, list []criteria.Criteria, last *int, desc bool) ([]*model.Record, []criteria.Criteria, error) {
	defer observe("window", time.Now())

	args := criteria.NewArgs()
	compiled, err := criteria.Compile(list, args)
	if err != nil {
		return nil, nil, err
	}

	cmp, order := ">", "id"
	if desc {
		cmp, order = "<", "id DESC"
	}
	where := compiled.Where
	if last != nil {
		cond := "id " + cmp + " " + args.Add(*last)
		if where == "" {
			where = cond
		} else {
			where = cond + " AND " + where
		}
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, s.layout.selectList(), ident(s.rt.TableName()))
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + order + " LIMIT " + args.Add(s.opts.IterSize)

	records, err := s.query(ctx, s.db, query, args.Values()...)
	if err != nil {
		return nil, nil, err
	}
	if err := attachEvolutions(ctx, s.db, s.rt.EvolutionsTableName(), records); err != nil {
		return nil, nil, err
	}
	return records, compiled.Residual, nil
}

// Count возвращает количество записей по критериям.
func (s *Store) Count(ctx context.Context, list ...criteria.Criteria) (int, error) {
	defer observe("count", time.Now())

	args := criteria.NewArgs()
	compiled, err := criteria.Compile(list, args)
	if err != nil {
		return 0, err
	}
	if len(compiled.Residual) > 0 {
		n := 0
		for _, err := range s.SelectIterator(ctx, Query{Criteria: list}) {
			if err != nil {
				return 0, err
			}
			n++
		}
		return n, nil
	}

	query := `SELECT count(*) FROM ` + ident(s.rt.TableName())
	if compiled.Where != "" {
		query += " WHERE " + compiled.Where
	}
	var n int
	if err := s.db.QueryRow(ctx, query, args.Values()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей %s: %w", s.rt.Key(), err)
	}
	return n, nil
}

// Exists сообщает, есть ли хотя бы одна запись по критериям.
func (s *Store) Exists(ctx context.Context, list ...criteria.Criteria) (bool, error) {
	records, err := s.Select(ctx, Query{Criteria: list, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// RemoveObject удаляет запись; история удаляется каскадно,
// строка сводной таблицы — триггером. false — записи не было.
func (s *Store) RemoveObject(ctx context.Context, id int) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM `+ident(s.rt.TableName())+` WHERE id = $1`, id)
	if err != nil {
		writesTotal.WithLabelValues("delete", "error").Inc()
		return false, fmt.Errorf("ошибка удаления записи %s/%d: %w", s.rt.Key(), id, err)
	}
	writesTotal.WithLabelValues("delete", "ok").Inc()
	return tag.RowsAffected() > 0, nil
}

// Wipe удаляет все записи типа. При drop таблицы типа удаляются целиком
// вместе с представлением и строками сводной таблицы.
func (s *Store) Wipe(ctx context.Context, drop bool) error {
	table, evolutions := ident(s.rt.TableName()), ident(s.rt.EvolutionsTableName())
	err := s.db.Atomic(ctx, func(tx *database.Tx) error {
		if !drop {
			_, err := tx.Exec(ctx, `TRUNCATE `+evolutions+`, `+table+` RESTART IDENTITY`)
			return err
		}
		for _, stmt := range []string{
			`DROP VIEW IF EXISTS ` + ident(s.rt.ViewName()),
			`DROP TABLE IF EXISTS ` + evolutions,
			`DROP TABLE IF EXISTS ` + table,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := aggregate.Forget(ctx, tx, s.rt.Key())
		return err
	})
	if err != nil {
		return fmt.Errorf("ошибка очистки %s: %w", s.rt.Key(), err)
	}
	s.logger.Info("Записи типа удалены", slog.Bool("drop", drop))
	return nil
}

// Reindex пересчитывает производные колонки и вектор fts всех записей.
// limiter (может быть nil) ограничивает скорость по одной записи.
// Каждая запись перечитывается под блокировкой строки, поэтому
// параллельные изменения не затираются.
func (s *Store) Reindex(ctx context.Context, limiter Waiter) (int, error) {
	ctx, span := tracer.Start(ctx, "record.Reindex")
	defer span.End()

	n, last := 0, 0
	for {
		ids, err := s.idWindow(ctx, last)
		if err != nil {
			return n, err
		}
		for _, id := range ids {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return n, err
				}
			}
			done, err := s.reindexOne(ctx, id)
			if err != nil {
				return n, err
			}
			if done {
				n++
			}
		}
		if len(ids) < s.opts.IterSize {
			break
		}
		last = ids[len(ids)-1]
	}
	s.logger.Info("Записи переиндексированы", slog.Int("count", n))
	return n, nil
}

// idWindow возвращает следующее окно идентификаторов после last.
func (s *Store) idWindow(ctx context.Context, last int) ([]int, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM `+ident(s.rt.TableName())+` WHERE id > $1 ORDER BY id LIMIT $2`,
		last, s.opts.IterSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки идентификаторов %s: %w", s.rt.Key(), err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки идентификаторов %s: %w", s.rt.Key(), err)
	}
	return ids, nil
}

// reindexOne перезаписывает производные колонки записи id по её текущему
// состоянию. false — запись удалена после выборки окна.
func (s *Store) reindexOne(ctx context.Context, id int) (bool, error) {
	found := false
	err := s.db.Atomic(ctx, func(tx *database.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, s.layout.selectList(), ident(s.rt.TableName()))
		records, err := s.query(ctx, tx, query, id)
		if err != nil || len(records) == 0 {
			return err
		}
		if err := attachEvolutions(ctx, tx, s.rt.EvolutionsTableName(), records); err != nil {
			return err
		}
		found = true
		_, err = s.update(ctx, tx, records[0], nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ошибка переиндексации записи %s/%d: %w", s.rt.Key(), id, err)
	}
	return found, nil
}

func observe(op string, start time.Time) {
	queryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
