// Пакет aggregate — сводная таблица fs_all_records: одна строка на каждую
// живую запись любого типа. Таблица поддерживается триггерами на таблицах
// типов, пакет устанавливает их, перестраивает таблицу и читает из неё.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

var rebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fs_aggregate_rebuild_duration_seconds",
	Help:    "Длительность полной перестройки fs_all_records.",
	Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
})

// projection — колонки таблицы типа, копируемые в сводную таблицу,
// в порядке колонок fs_all_records после record_type.
var projection = []string{
	"id", "uuid", "id_display", "user_id", "receipt_time", "last_update_time",
	"status", "concerned_roles_array", "actions_roles_array", "fts",
	"criticality_level", "auto_geoloc", "anonymised",
}

const aggregateColumns = `record_id, uuid, id_display, user_id, receipt_time, last_update_time,
	status, concerned_roles_array, actions_roles_array, fts,
	criticality_level, geoloc, anonymised`

// rowColumns — колонки, читаемые в Row.
const rowColumns = `record_type, record_id, uuid, id_display, user_id, receipt_time, last_update_time,
	status, concerned_roles_array, actions_roles_array, criticality_level, geoloc, anonymised`

// Row — строка сводной таблицы.
type Row struct {
	RecordType       string
	RecordID         int
	UUID             string
	IDDisplay        string
	UserID           *string
	ReceiptTime      *time.Time
	LastUpdateTime   *time.Time
	Status           string
	ConcernedRoles   []string
	ActionRoles      []string
	CriticalityLevel int
	Geoloc           *model.Geoloc
	Anonymised       *time.Time
}

// Query — выборка из сводной таблицы.
type Query struct {
	Criteria []criteria.Criteria
	// OrderBy — описание сортировки (см. criteria.OrderClause) или "rank"
	OrderBy string
	Limit   int
	Offset  int
}

// Mismatch — расхождение количества строк таблицы типа и сводной таблицы.
type Mismatch struct {
	RecordType string
	// Source — строк в таблице типа (-1 — таблица не существует)
	Source int
	// Aggregate — строк типа в fs_all_records
	Aggregate int
}

// Synchronizer — работа со сводной таблицей.
type Synchronizer struct {
	db     database.DB
	logger *slog.Logger
}

// New создаёт Synchronizer.
func New(db database.DB, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		db:     db,
		logger: logger.With(slog.String("component", "aggregate")),
	}
}

// InstallTriggers подключает таблицу типа rt к сводной таблице: строковый
// триггер на INSERT/UPDATE/DELETE и операторный на TRUNCATE.
// Повторный вызов заменяет триггеры.
func InstallTriggers(ctx context.Context, db repository.DBTX, rt *model.RecordType) error {
	table := pgx.Identifier{rt.TableName()}.Sanitize()
	key := quoteLiteral(rt.Key())
	stmts := []string{
		fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s
			AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION fs_aggregate_sync(%s)`,
			pgx.Identifier{rt.TableName() + "_aggregate"}.Sanitize(), table, key),
		fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s
			AFTER TRUNCATE ON %s
			FOR EACH STATEMENT EXECUTE FUNCTION fs_aggregate_truncate(%s)`,
			pgx.Identifier{rt.TableName() + "_aggregate_truncate"}.Sanitize(), table, key),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ошибка установки триггеров сводной таблицы для %s: %w", rt.Key(), err)
		}
	}
	return nil
}

// Forget удаляет из сводной таблицы все строки типа key.
// Нужен при удалении таблицы типа: DROP TABLE триггеры не вызывает.
func Forget(ctx context.Context, db repository.DBTX, key string) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM fs_all_records WHERE record_type = $1`, key)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления строк %s из сводной таблицы: %w", key, err)
	}
	return tag.RowsAffected(), nil
}

// InitGlobalTable очищает сводную таблицу и заполняет её заново из всех
// зарегистрированных таблиц типов в одной транзакции. Возвращает число строк.
func (s *Synchronizer) InitGlobalTable(ctx context.Context) (int64, error) {
	start := time.Now()
	var total int64

	err := s.db.Atomic(ctx, func(tx *database.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE fs_all_records IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("ошибка блокировки fs_all_records: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM fs_all_records`); err != nil {
			return fmt.Errorf("ошибка очистки fs_all_records: %w", err)
		}

		types, err := repository.NewRecordTypeRepository(tx).List(ctx)
		if err != nil {
			return err
		}
		for _, rt := range types {
			exists, err := repository.TableExists(ctx, tx, rt.TableName())
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			n, err := copyTable(ctx, tx, rt)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	rebuildDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("Сводная таблица перестроена",
		slog.Int64("rows", total),
		slog.Duration("duration", time.Since(start)),
	)
	return total, nil
}

// Rebuild перестраивает строки одного типа.
func (s *Synchronizer) Rebuild(ctx context.Context, rt *model.RecordType) (int64, error) {
	var n int64
	err := s.db.Atomic(ctx, func(tx *database.Tx) error {
		if _, err := Forget(ctx, tx, rt.Key()); err != nil {
			return err
		}
		var err error
		n, err = copyTable(ctx, tx, rt)
		return err
	})
	return n, err
}

func copyTable(ctx context.Context, db repository.DBTX, rt *model.RecordType) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO fs_all_records (record_type, %s) SELECT $1, %s FROM %s`,
		aggregateColumns, strings.Join(projection, ", "), pgx.Identifier{rt.TableName()}.Sanitize())
	tag, err := db.Exec(ctx, query, rt.Key())
	if err != nil {
		return 0, fmt.Errorf("ошибка копирования %s в сводную таблицу: %w", rt.Key(), err)
	}
	return tag.RowsAffected(), nil
}

// Count возвращает количество строк сводной таблицы по критериям.
// Критерии без SQL-представления здесь не поддерживаются.
func (s *Synchronizer) Count(ctx context.Context, list ...criteria.Criteria) (int, error) {
	args := criteria.NewArgs()
	where, err := compileStrict(list, args)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM fs_all_records`+where, args.Values()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта fs_all_records: %w", err)
	}
	return n, nil
}

// List возвращает строки сводной таблицы по запросу.
func (s *Synchronizer) List(ctx context.Context, q Query) ([]*Row, error) {
	args := criteria.NewArgs()

	order := "receipt_time DESC NULLS LAST"
	if q.OrderBy == criteria.OrderRank {
		ranker, ok := criteria.FindRanker(q.Criteria)
		if !ok {
			return nil, fmt.Errorf("%w: сортировка по релевантности без полнотекстового критерия", criteria.ErrInvalidAttribute)
		}
		rank, err := ranker.RankSQL(args)
		if err != nil {
			return nil, err
		}
		order = rank + " DESC"
	} else if q.OrderBy != "" {
		var err error
		if order, err = criteria.OrderClause(q.OrderBy); err != nil {
			return nil, err
		}
	}

	where, err := compileStrict(q.Criteria, args)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + rowColumns + ` FROM fs_all_records` + where +
		` ORDER BY ` + order + `, record_type, record_id`
	if q.Limit > 0 {
		query += " LIMIT " + args.Add(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + args.Add(q.Offset)
	}

	rows, err := s.db.Query(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки fs_all_records: %w", err)
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования fs_all_records: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Check сравнивает количество строк каждой таблицы типа с её долей
// в сводной таблице. Возвращает только расхождения, включая строки
// незарегистрированных типов.
func (s *Synchronizer) Check(ctx context.Context) ([]Mismatch, error) {
	counts := make(map[string]int)
	rows, err := s.db.Query(ctx, `SELECT record_type, count(*) FROM fs_all_records GROUP BY record_type`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта fs_all_records: %w", err)
	}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			rows.Close()
			return nil, err
		}
		counts[key] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	types, err := repository.NewRecordTypeRepository(s.db).List(ctx)
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	for _, rt := range types {
		source := -1
		exists, err := repository.TableExists(ctx, s.db, rt.TableName())
		if err != nil {
			return nil, err
		}
		if exists {
			q := `SELECT count(*) FROM ` + pgx.Identifier{rt.TableName()}.Sanitize()
			if err := s.db.QueryRow(ctx, q).Scan(&source); err != nil {
				return nil, fmt.Errorf("ошибка подсчёта %s: %w", rt.TableName(), err)
			}
		}
		agg := counts[rt.Key()]
		delete(counts, rt.Key())
		if max(source, 0) != agg {
			out = append(out, Mismatch{RecordType: rt.Key(), Source: source, Aggregate: agg})
		}
	}
	for key, n := range counts {
		out = append(out, Mismatch{RecordType: key, Source: -1, Aggregate: n})
	}

	if len(out) > 0 {
		s.logger.Warn("Сводная таблица расходится с таблицами типов",
			slog.Int("types", len(out)),
		)
	}
	return out, nil
}

// compileStrict компилирует критерии в " WHERE ..." и отвергает критерии
// без SQL-представления.
func compileStrict(list []criteria.Criteria, args *criteria.Args) (string, error) {
	compiled, err := criteria.Compile(list, args)
	if err != nil {
		return "", err
	}
	if len(compiled.Residual) > 0 {
		return "", fmt.Errorf("%w: критерии без SQL в сводной таблице", criteria.ErrNoSQL)
	}
	if compiled.Where == "" {
		return "", nil
	}
	return " WHERE " + compiled.Where, nil
}

func scanRow(row pgx.Row) (*Row, error) {
	r := &Row{}
	var (
		uuid      pgtype.Text
		idDisplay pgtype.Text
		status    pgtype.Text
		geoloc    pgtype.Point
	)
	err := row.Scan(
		&r.RecordType, &r.RecordID, &uuid, &idDisplay, &r.UserID, &r.ReceiptTime, &r.LastUpdateTime,
		&status, &r.ConcernedRoles, &r.ActionRoles,
		&r.CriticalityLevel, &geoloc, &r.Anonymised,
	)
	if err != nil {
		return nil, err
	}
	r.UUID = uuid.String
	r.IDDisplay = idDisplay.String
	r.Status = status.String
	if geoloc.Valid {
		r.Geoloc = &model.Geoloc{Lon: geoloc.P.X, Lat: geoloc.P.Y}
	}
	return r, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
