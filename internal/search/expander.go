// Пакет search — полнотекстовый поиск с исправлением опечаток: построение
// взвешенного вектора записи, расширение запроса по словарю токенов,
// ранжированный поиск и очистка словаря.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goformstore/internal/textnorm"
)

// MaxCandidates — максимум похожих токенов на одно слово запроса.
const MaxCandidates = 5

// токены с двумя цифрами подряд не расширяются: это идентификаторы
var numericRe = regexp.MustCompile(`\d{2,}`)

var expansionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fs_search_token_expansions_total",
	Help: "Количество слов запроса по способу расширения (exact, fuzzy, verbatim).",
}, []string{"kind"})

// TokenSource — словарь токенов для расширения запроса.
type TokenSource interface {
	Lexemes(ctx context.Context, ftsConfig, text string) ([]string, error)
	Exists(ctx context.Context, token, context string) (bool, error)
	Similar(ctx context.Context, token, context string, limit int) ([]string, error)
}

// Expander расширяет текстовый запрос в выражение tsquery.
type Expander struct {
	tokens      TokenSource
	ftsConfig   string
	phoneRegion string
	logger      *slog.Logger
}

// NewExpander создаёт Expander.
func NewExpander(tokens TokenSource, ftsConfig, phoneRegion string, logger *slog.Logger) *Expander {
	return &Expander{
		tokens:      tokens,
		ftsConfig:   ftsConfig,
		phoneRegion: phoneRegion,
		logger:      logger.With(slog.String("component", "search_expander")),
	}
}

// Expand строит tsquery: каждое слово запроса заменяется им самим, если
// оно есть в словаре контекста; иначе — OR из не более MaxCandidates похожих
// токенов, упорядоченных по редакционному расстоянию; иначе — им самим.
// Слова объединяются через AND. Пустой результат означает пустой запрос.
func (e *Expander) Expand(ctx context.Context, text, context string) (string, error) {
	lexemes, err := e.tokens.Lexemes(ctx, e.ftsConfig, textnorm.ForQuery(text, e.phoneRegion))
	if err != nil {
		return "", fmt.Errorf("ошибка разбора запроса: %w", err)
	}

	seen := make(map[string]bool, len(lexemes))
	terms := make([]string, 0, len(lexemes))
	for _, lexeme := range lexemes {
		if seen[lexeme] {
			continue
		}
		seen[lexeme] = true

		term, err := e.expandToken(ctx, lexeme, context)
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " & "), nil
}

func (e *Expander) expandToken(ctx context.Context, token, context string) (string, error) {
	exists, err := e.tokens.Exists(ctx, token, context)
	if err != nil {
		return "", err
	}
	if exists {
		expansionsTotal.WithLabelValues("exact").Inc()
		return quoteLexeme(token), nil
	}

	if !numericRe.MatchString(token) {
		candidates, err := e.tokens.Similar(ctx, token, context, MaxCandidates)
		if err != nil {
			return "", err
		}
		if len(candidates) > 0 {
			expansionsTotal.WithLabelValues("fuzzy").Inc()
			rankByDistance(token, candidates)
			quoted := make([]string, len(candidates))
			for i, c := range candidates {
				quoted[i] = quoteLexeme(c)
			}
			e.logger.Debug("Слово запроса расширено",
				slog.String("token", token),
				slog.Any("candidates", candidates),
			)
			if len(quoted) == 1 {
				return quoted[0], nil
			}
			return "(" + strings.Join(quoted, " | ") + ")", nil
		}
	}

	expansionsTotal.WithLabelValues("verbatim").Inc()
	return quoteLexeme(token), nil
}

// rankByDistance упорядочивает кандидатов по расстоянию Левенштейна,
// сохраняя порядок триграммной близости при равенстве.
func rankByDistance(token string, candidates []string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return levenshtein(token, candidates[i]) < levenshtein(token, candidates[j])
	})
}

// quoteLexeme записывает лексему как литерал tsquery.
func quoteLexeme(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
