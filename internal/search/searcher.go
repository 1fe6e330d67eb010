package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/repository"
)

var tracer = otel.Tracer("formstore/search")

// Hit — найденная запись.
type Hit struct {
	RecordType string
	RecordID   int
	Rank       float64
}

// Searcher выполняет полнотекстовый поиск по сводной таблице fs_all_records.
type Searcher struct {
	db       repository.DBTX
	expander *Expander
	logger   *slog.Logger
}

// NewSearcher создаёт Searcher.
func NewSearcher(db repository.DBTX, expander *Expander, logger *slog.Logger) *Searcher {
	return &Searcher{
		db:       db,
		expander: expander,
		logger:   logger.With(slog.String("component", "searcher")),
	}
}

// Search ищет записи по тексту. context — ключ типа записей (formdata_12)
// или пусто для поиска по всем типам. Результат упорядочен по убыванию
// релевантности; limit <= 0 — без ограничения.
func (s *Searcher) Search(ctx context.Context, text, context string, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()
	span.SetAttributes(attribute.String("context", context))

	tsquery, err := s.expander.Expand(ctx, text, context)
	if err != nil {
		return nil, err
	}
	if tsquery == "" {
		return nil, nil
	}

	match := criteria.TsQueryMatch(tsquery)
	list := []criteria.Criteria{match}
	if context != "" {
		list = append(list, criteria.Equal("record_type", context))
	}

	args := criteria.NewArgs()
	rank, err := match.RankSQL(args)
	if err != nil {
		return nil, err
	}
	compiled, err := criteria.Compile(list, args)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT record_type, record_id, %s AS rank
		FROM fs_all_records
		WHERE %s
		ORDER BY rank DESC, receipt_time DESC NULLS LAST, record_type, record_id`, rank, compiled.Where)
	if limit > 0 {
		query += " LIMIT " + args.Add(limit)
	}

	rows, err := s.db.Query(ctx, query, args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("ошибка полнотекстового поиска: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		var rank float32
		err := row.Scan(&h.RecordType, &h.RecordID, &rank)
		h.Rank = float64(rank)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов поиска: %w", err)
	}

	s.logger.Debug("Поиск выполнен",
		slog.String("tsquery", tsquery),
		slog.Int("hits", len(hits)),
	)
	return hits, nil
}
