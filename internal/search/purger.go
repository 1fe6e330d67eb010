package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/textnorm"
)

// контексты, совпадающие с таблицей типа записей
var tableContextRe = regexp.MustCompile(`^(formdata|carddata|testdata)_[0-9]+$`)

// PurgeResult — результат очистки словаря токенов.
type PurgeResult struct {
	// Contexts — просмотрено контекстов
	Contexts int
	// Deleted — удалено токенов
	Deleted int64
	// DroppedContexts — удалено контекстов целиком (таблица не существует)
	DroppedContexts int
}

// Purger удаляет токены, не встречающиеся ни в одном живом векторе
// своего контекста. Запускается отдельно от записи, партиями.
type Purger struct {
	db     repository.DBTX
	tokens repository.SearchTokenRepository
	logger *slog.Logger
}

// NewPurger создаёт Purger.
func NewPurger(db repository.DBTX, logger *slog.Logger) *Purger {
	return &Purger{
		db:     db,
		tokens: repository.NewSearchTokenRepository(db),
		logger: logger.With(slog.String("component", "token_purger")),
	}
}

// Purge проходит по всем контекстам таблиц типов записей партиями по batchSize.
// Контексты без таблицы удаляются целиком; прочие контексты (имена типов)
// не трогаются.
func (p *Purger) Purge(ctx context.Context, batchSize int) (PurgeResult, error) {
	var result PurgeResult
	contexts, err := p.tokens.Contexts(ctx)
	if err != nil {
		return result, err
	}

	for _, name := range contexts {
		if !tableContextRe.MatchString(name) {
			continue
		}
		result.Contexts++

		exists, err := repository.TableExists(ctx, p.db, name)
		if err != nil {
			return result, err
		}
		if !exists {
			n, err := p.tokens.DeleteContext(ctx, name)
			if err != nil {
				return result, err
			}
			result.Deleted += n
			result.DroppedContexts++
			continue
		}

		n, err := p.purgeContext(ctx, name, batchSize)
		result.Deleted += n
		if err != nil {
			return result, err
		}
	}

	p.logger.Info("Очистка словаря токенов завершена",
		slog.Int("contexts", result.Contexts),
		slog.Int64("deleted", result.Deleted),
		slog.Int("dropped_contexts", result.DroppedContexts),
	)
	return result, nil
}

func (p *Purger) purgeContext(ctx context.Context, name string, batchSize int) (int64, error) {
	var deleted int64
	after := ""
	for {
		batch, err := p.tokens.Batch(ctx, name, after, batchSize)
		if err != nil {
			return deleted, err
		}
		if len(batch) == 0 {
			return deleted, nil
		}
		n, err := p.tokens.DeleteUnbacked(ctx, name, name, batch)
		if err != nil {
			return deleted, fmt.Errorf("ошибка очистки контекста %s: %w", name, err)
		}
		deleted += n
		if len(batch) < batchSize {
			return deleted, nil
		}
		after = batch[len(batch)-1]
	}
}

// IndexName добавляет в словарь лексемы названия (например, типа записей).
func IndexName(ctx context.Context, tokens repository.SearchTokenRepository, ftsConfig, context, name string) error {
	return tokens.IndexText(ctx, context, ftsConfig, textnorm.Unaccent(name))
}
