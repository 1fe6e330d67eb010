package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

// NameContext — контекст словаря для названий типов вида rt.Kind.
// Очистка словаря такие контексты не трогает.
func NameContext(rt *model.RecordType) string {
	return rt.SnapshotObjectType()
}

// InstallTrigger подключает таблицу типа к словарю токенов: каждая запись
// или изменение вектора fts добавляет его лексемы в контекст rt.Key().
func InstallTrigger(ctx context.Context, db repository.DBTX, rt *model.RecordType) error {
	query := fmt.Sprintf(`CREATE OR REPLACE TRIGGER %s
		AFTER INSERT OR UPDATE OF fts ON %s
		FOR EACH ROW EXECUTE FUNCTION fs_search_tokens_sync('%s')`,
		pgx.Identifier{rt.TableName() + "_search_tokens"}.Sanitize(),
		pgx.Identifier{rt.TableName()}.Sanitize(),
		strings.ReplaceAll(rt.Key(), "'", "''"))

	if _, err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("ошибка установки триггера словаря для %s: %w", rt.Key(), err)
	}
	return nil
}

// IndexTable заполняет словарь лексемами всех векторов таблицы типа.
// Используется при первоначальном заполнении и после переиндексации.
func IndexTable(ctx context.Context, db repository.DBTX, rt *model.RecordType) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO fs_search_tokens (token, context)
			SELECT DISTINCT lexeme, $1
			FROM %s, unnest(tsvector_to_array(fts)) AS lexeme
			WHERE fts IS NOT NULL
		ON CONFLICT (token, context) DO NOTHING`,
		pgx.Identifier{rt.TableName()}.Sanitize())

	tag, err := db.Exec(ctx, query, rt.Key())
	if err != nil {
		return 0, fmt.Errorf("ошибка заполнения словаря из %s: %w", rt.TableName(), err)
	}
	return tag.RowsAffected(), nil
}
