package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SearchTokenRepository — интерфейс для словаря поисковых токенов fs_search_tokens.
type SearchTokenRepository interface {
	// Lexemes разбивает текст на лексемы конфигурации ftsConfig в порядке появления.
	Lexemes(ctx context.Context, ftsConfig, text string) ([]string, error)
	// Exists проверяет наличие токена (context "" — в любом контексте).
	Exists(ctx context.Context, token, context string) (bool, error)
	// Similar возвращает до limit токенов, похожих по триграммам, от ближайшего.
	Similar(ctx context.Context, token, context string, limit int) ([]string, error)
	// IndexText добавляет лексемы текста в словарь для контекста.
	IndexText(ctx context.Context, context, ftsConfig, text string) error
	// Contexts возвращает все контексты словаря.
	Contexts(ctx context.Context) ([]string, error)
	// Batch возвращает до limit токенов контекста, следующих за after.
	Batch(ctx context.Context, context, after string, limit int) ([]string, error)
	// DeleteUnbacked удаляет из tokens те, что не встречаются ни в одном векторе таблицы.
	DeleteUnbacked(ctx context.Context, context, table string, tokens []string) (int64, error)
	// DeleteContext удаляет все токены контекста.
	DeleteContext(ctx context.Context, context string) (int64, error)
}

// searchTokenRepo — реализация SearchTokenRepository.
type searchTokenRepo struct {
	db DBTX
}

// NewSearchTokenRepository создаёт репозиторий поисковых токенов.
func NewSearchTokenRepository(db DBTX) SearchTokenRepository {
	return &searchTokenRepo{db: db}
}

func (r *searchTokenRepo) Lexemes(ctx context.Context, ftsConfig, text string) ([]string, error) {
	query := `
		SELECT lexeme
		FROM unnest(to_tsvector($1::regconfig, $2))
		ORDER BY positions[1], lexeme`

	return r.strings(ctx, query, ftsConfig, text)
}

func (r *searchTokenRepo) Exists(ctx context.Context, token, context string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM fs_search_tokens
			WHERE token = $1 AND ($2 = '' OR context = $2)
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, token, context).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка поиска токена: %w", err)
	}
	return exists, nil
}

func (r *searchTokenRepo) Similar(ctx context.Context, token, context string, limit int) ([]string, error) {
	query := `
		SELECT token FROM (
			SELECT DISTINCT token FROM fs_search_tokens
			WHERE token % $1 AND ($2 = '' OR context = $2)
		) candidates
		ORDER BY token <-> $1, token
		LIMIT $3`

	return r.strings(ctx, query, token, context, limit)
}

func (r *searchTokenRepo) IndexText(ctx context.Context, context, ftsConfig, text string) error {
	query := `
		INSERT INTO fs_search_tokens (token, context)
			SELECT DISTINCT lexeme, $1
			FROM unnest(tsvector_to_array(to_tsvector($2::regconfig, $3))) AS lexeme
		ON CONFLICT (token, context) DO NOTHING`

	if _, err := r.db.Exec(ctx, query, context, ftsConfig, text); err != nil {
		return fmt.Errorf("ошибка индексации текста в контексте %s: %w", context, err)
	}
	return nil
}

func (r *searchTokenRepo) Contexts(ctx context.Context) ([]string, error) {
	return r.strings(ctx, `SELECT DISTINCT context FROM fs_search_tokens ORDER BY context`)
}

func (r *searchTokenRepo) Batch(ctx context.Context, context, after string, limit int) ([]string, error) {
	query := `
		SELECT token FROM fs_search_tokens
		WHERE context = $1 AND token > $2
		ORDER BY token
		LIMIT $3`

	return r.strings(ctx, query, context, after, limit)
}

func (r *searchTokenRepo) DeleteUnbacked(ctx context.Context, context, table string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		DELETE FROM fs_search_tokens t
		WHERE t.context = $1
		  AND t.token = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM %s r
			WHERE r.fts @@ plainto_tsquery('simple', t.token))`,
		pgx.Identifier{table}.Sanitize())

	tag, err := r.db.Exec(ctx, query, context, tokens)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки токенов контекста %s: %w", context, err)
	}
	return tag.RowsAffected(), nil
}

func (r *searchTokenRepo) DeleteContext(ctx context.Context, context string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM fs_search_tokens WHERE context = $1`, context)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления токенов контекста %s: %w", context, err)
	}
	return tag.RowsAffected(), nil
}

// strings выполняет запрос, возвращающий одну текстовую колонку.
func (r *searchTokenRepo) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса словаря токенов: %w", err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения словаря токенов: %w", err)
	}
	return result, nil
}
