// Пакет criteria — алгебра критериев выборки записей.
//
// Каждый критерий либо компилируется в параметризованный SQL-фрагмент
// (SQL), либо вычисляется в памяти над уже загруженной записью (Match).
// Критерии без SQL-представления возвращают ErrNoSQL; исполнитель запроса
// загружает кандидатов и фильтрует их в процессе. Ошибки приведения
// значений не возвращаются: такой критерий не совпадает ни с одной записью.
package criteria

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// Ошибки алгебры критериев.
var (
	// ErrNoSQL — у критерия нет SQL-представления.
	ErrNoSQL = errors.New("критерий не транслируется в SQL")
	// ErrNoPredicate — критерий не вычисляется в памяти.
	ErrNoPredicate = errors.New("критерий не вычисляется в памяти")
	// ErrInvalidAttribute — недопустимое имя атрибута.
	ErrInvalidAttribute = errors.New("недопустимое имя атрибута")
)

// Getter — источник значений атрибутов записи для вычисления в памяти.
type Getter interface {
	Value(attribute string) (any, bool)
}

// MapGetter — Getter над map.
type MapGetter map[string]any

// Value возвращает значение атрибута.
func (m MapGetter) Value(attribute string) (any, bool) {
	v, ok := m[attribute]
	return v, ok
}

// Criteria — критерий выборки.
type Criteria interface {
	// SQL дописывает параметры в args и возвращает фрагмент WHERE.
	SQL(args *Args) (string, error)
	// Match вычисляет критерий над записью.
	Match(r Getter) (bool, error)
}

// Ranker — критерий, задающий выражение релевантности (order_by=rank).
type Ranker interface {
	RankSQL(args *Args) (string, error)
}

// Args — позиционные параметры запроса ($1, $2...).
type Args struct {
	values []any
}

// NewArgs создаёт набор параметров с уже занятыми позициями.
func NewArgs(values ...any) *Args {
	return &Args{values: values}
}

// Add добавляет параметр и возвращает его плейсхолдер.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// placeholder добавляет параметр; десятичные значения передаются
// с явным приведением к numeric.
func placeholder(args *Args, v any) string {
	if _, ok := v.(pgtype.Numeric); ok {
		return args.Add(v) + "::numeric"
	}
	return args.Add(v)
}

// Values возвращает параметры в порядке плейсхолдеров.
func (a *Args) Values() []any { return a.values }

// Len возвращает количество параметров.
func (a *Args) Len() int { return len(a.values) }

func (a *Args) truncate(n int) {
	a.values = a.values[:n]
}

// Option — параметр критерия.
type Option func(*base)

// OnField связывает атрибут с полем схемы: SQL строится с учётом типа колонки.
func OnField(f *model.FieldDefinition) Option {
	return func(b *base) { b.field = f }
}

// OnBlockField помечает поле из OnField как подполе блока: условие
// проверяется над строками блока (EXISTS по элементам block->'data').
// Поддерживается сравнениями и Contains / NotContains.
func OnBlockField(block *model.FieldDefinition) Option {
	return func(b *base) { b.block = block }
}

// base — общая часть критериев над атрибутом.
type base struct {
	attribute string
	field     *model.FieldDefinition
	block     *model.FieldDefinition
}

func newBase(attribute string, opts []Option) base {
	if !strings.Contains(attribute, "->") {
		attribute = strings.ReplaceAll(attribute, "-", "_")
	}
	b := base{attribute: attribute}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// column возвращает имя колонки, проверенное на допустимость.
// Критерий над подполем блока так не компилируется: см. blockColumn.
func (b base) column() (string, error) {
	if b.block != nil {
		return "", fmt.Errorf("%w: %q — подполе блока", ErrInvalidAttribute, b.attribute)
	}
	if !identifierRe.MatchString(b.attribute) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAttribute, b.attribute)
	}
	return b.attribute, nil
}

func (b base) key() model.FieldKey {
	if b.field == nil {
		return ""
	}
	return b.field.Key
}

// isArrayColumn сообщает, что колонка атрибута — массив.
func (b base) isArrayColumn() bool {
	return b.key() == model.FieldItems || strings.HasSuffix(b.attribute, "_array")
}

func (b base) lookup(r Getter) any {
	attribute := b.attribute
	if b.block != nil {
		attribute = b.block.ColumnName()
	}
	v, _ := r.Value(attribute)
	return normalize(v)
}

// Compiled — результат компиляции списка критериев.
type Compiled struct {
	// Where — фрагмент WHERE (пусто, если SQL-критериев нет)
	Where string
	// Residual — критерии, вычисляемые только в памяти
	Residual []Criteria
}

// Compile объединяет SQL-критерии через AND, критерии без SQL-представления
// возвращает в Residual.
func Compile(list []Criteria, args *Args) (*Compiled, error) {
	out := &Compiled{}
	var parts []string
	for _, c := range list {
		mark := args.Len()
		sql, err := c.SQL(args)
		if errors.Is(err, ErrNoSQL) {
			args.truncate(mark)
			out.Residual = append(out.Residual, c)
			continue
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, sql)
	}
	out.Where = strings.Join(parts, " AND ")
	return out, nil
}

// Matches вычисляет список критериев над записью (все должны совпасть).
func Matches(list []Criteria, r Getter) (bool, error) {
	for _, c := range list {
		ok, err := c.Match(r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// FindRanker возвращает первый критерий верхнего уровня с выражением релевантности.
func FindRanker(list []Criteria) (Ranker, bool) {
	for _, c := range list {
		if r, ok := c.(Ranker); ok {
			return r, true
		}
	}
	return nil, false
}

// likeEscape экранирует спецсимволы LIKE.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return strings.ReplaceAll(s, "%", `\%`)
}
