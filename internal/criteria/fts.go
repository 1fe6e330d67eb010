package criteria

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goformstore/internal/textnorm"
)

// FullText — полнотекстовое условие над колонкой fts.
type FullText struct {
	query   string
	tsquery bool
	config  string
}

// FtsOption — параметр полнотекстового критерия.
type FtsOption func(*ftsOptions)

type ftsOptions struct {
	config      string
	phoneRegion string
}

// WithConfig задаёт конфигурацию текстового поиска (french, simple...).
func WithConfig(config string) FtsOption {
	return func(o *ftsOptions) { o.config = config }
}

// WithPhoneRegion включает нормализацию телефонного номера в запросе.
func WithPhoneRegion(region string) FtsOption {
	return func(o *ftsOptions) { o.phoneRegion = region }
}

// FtsMatch — запрос пользователя через plainto_tsquery.
// Диакритика удаляется так же, как при построении вектора.
func FtsMatch(query string, opts ...FtsOption) *FullText {
	var o ftsOptions
	for _, opt := range opts {
		opt(&o)
	}
	query = textnorm.Unaccent(query)
	if o.phoneRegion != "" {
		query = textnorm.NormalizePhoneIn(query, o.phoneRegion)
	}
	return &FullText{query: query, config: o.config}
}

// TsQueryMatch — готовое выражение tsquery (результат расширения запроса).
func TsQueryMatch(tsquery string) *FullText {
	return &FullText{query: tsquery, tsquery: true}
}

// Query возвращает нормализованный текст запроса.
func (f *FullText) Query() string { return f.query }

func (f *FullText) tsquerySQL(args *Args) string {
	if f.tsquery {
		return args.Add(f.query) + "::tsquery"
	}
	if f.config != "" {
		return fmt.Sprintf("plainto_tsquery(%s::regconfig, %s)", args.Add(f.config), args.Add(f.query))
	}
	return fmt.Sprintf("plainto_tsquery(%s)", args.Add(f.query))
}

// SQL компилирует полнотекстовое условие.
func (f *FullText) SQL(args *Args) (string, error) {
	if f.tsquery && f.query == "" {
		return "FALSE", nil
	}
	return "fts @@ " + f.tsquerySQL(args), nil
}

// RankSQL возвращает выражение релевантности.
func (f *FullText) RankSQL(args *Args) (string, error) {
	if f.tsquery && f.query == "" {
		return "0", nil
	}
	return "ts_rank(fts, " + f.tsquerySQL(args) + ")", nil
}

// Match не поддерживается: лексемы вычисляет только PostgreSQL.
func (f *FullText) Match(Getter) (bool, error) {
	return false, errors.Join(ErrNoPredicate, errors.New("fts"))
}
