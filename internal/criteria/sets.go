package criteria

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// Membership — принадлежность значения атрибута списку.
type Membership struct {
	base
	values []any
	negate bool
}

// Contains — значение атрибута входит в список (IN). Пустой список не
// совпадает ни с чем. Для колонки-массива — хотя бы один элемент в списке.
func Contains(attribute string, values []any, opts ...Option) *Membership {
	return &Membership{base: newBase(attribute, opts), values: values}
}

// NotContains — значение атрибута не входит в список. Пустой список
// совпадает со всеми записями.
func NotContains(attribute string, values []any, opts ...Option) *Membership {
	return &Membership{base: newBase(attribute, opts), values: values, negate: true}
}

// Values преобразует типизированный срез в []any для Contains.
func Values[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// operands приводит элементы списка к типу колонки, отбрасывая неприводимые.
func (c *Membership) operands() []any {
	cmp := &Comparison{base: c.base}
	out := make([]any, 0, len(c.values))
	for _, v := range c.values {
		converted, ok := cmp.coerce(normalize(v))
		if !ok {
			continue
		}
		switch c.key() {
		case model.FieldString, model.FieldItem, model.FieldEmail:
			if isInt(converted) {
				converted = fmt.Sprint(converted)
			}
		}
		out = append(out, converted)
	}
	return out
}

// SQL компилирует Contains / NotContains.
func (c *Membership) SQL(args *Args) (string, error) {
	values := c.operands()
	if c.block != nil && len(values) > 0 {
		return c.blockMembershipSQL(values, args)
	}
	col, err := c.column()
	if c.block != nil {
		col, _, err = c.blockColumn()
	}
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		if c.negate {
			return "TRUE", nil
		}
		return "FALSE", nil
	}

	if c.key() == model.FieldItems {
		exists := "EXISTS"
		if c.negate {
			exists = "NOT EXISTS"
		}
		source := fmt.Sprintf("COALESCE(%s, ARRAY[]::text[])", col)
		elems := make([]string, len(values))
		for i, v := range values {
			elems[i] = args.Add(fmt.Sprint(v))
		}
		return fmt.Sprintf("%s(SELECT 1 FROM UNNEST(%s) bb(aa) WHERE aa IN (%s))", exists, source, strings.Join(elems, ", ")), nil
	}
	if c.isArrayColumn() {
		sql := fmt.Sprintf("%s && %s", col, args.Add(stringsOf(values)))
		if c.negate {
			return fmt.Sprintf("NOT (COALESCE(%s, FALSE))", sql), nil
		}
		return sql, nil
	}

	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = placeholder(args, v)
	}
	op := "IN"
	if c.negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(placeholders, ", ")), nil
}

// Match вычисляет Contains / NotContains над записью.
func (c *Membership) Match(r Getter) (bool, error) {
	values := c.operands()
	if len(values) == 0 {
		return c.negate, nil
	}
	if c.block != nil {
		return c.matchBlockMembership(values, r)
	}
	got := c.lookup(r)
	var found bool
	if c.isArrayColumn() {
		for _, item := range toStrings(got) {
			if containsValue(values, item) {
				found = true
				break
			}
		}
	} else {
		if got == nil {
			got = typedNone(values[0])
		}
		found = containsValue(values, got)
	}
	return found != c.negate, nil
}

func containsValue(values []any, got any) bool {
	for _, v := range values {
		if res, ok := compare(got, v); ok && res == 0 {
			return true
		}
	}
	return false
}

func stringsOf(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

// ArraySet — условие над колонкой-массивом и набором строк.
type ArraySet struct {
	base
	values     []string
	intersects bool
}

// ArrayContains — массив содержит все значения (@>).
func ArrayContains(attribute string, values []string, opts ...Option) *ArraySet {
	return &ArraySet{base: newBase(attribute, opts), values: values}
}

// Intersects — массив пересекается с набором (&&). Пустой набор
// совпадает с пустым массивом.
func Intersects(attribute string, values []string, opts ...Option) *ArraySet {
	return &ArraySet{base: newBase(attribute, opts), values: values, intersects: true}
}

// SQL компилирует ArrayContains / Intersects.
func (c *ArraySet) SQL(args *Args) (string, error) {
	col, err := c.column()
	if err != nil {
		return "", err
	}
	if c.intersects {
		if len(c.values) == 0 {
			return fmt.Sprintf("ARRAY_LENGTH(%s, 1) IS NULL", col), nil
		}
		return fmt.Sprintf("%s && %s", col, args.Add(c.values)), nil
	}
	return fmt.Sprintf("%s @> %s", col, args.Add(c.values)), nil
}

// Match вычисляет ArrayContains / Intersects над записью.
func (c *ArraySet) Match(r Getter) (bool, error) {
	got := toStrings(c.lookup(r))
	if c.intersects {
		if len(c.values) == 0 {
			return len(got) == 0, nil
		}
		for _, v := range c.values {
			if slices.Contains(got, v) {
				return true, nil
			}
		}
		return false, nil
	}
	if got == nil {
		return false, nil
	}
	for _, v := range c.values {
		if !slices.Contains(got, v) {
			return false, nil
		}
	}
	return true, nil
}

// NullCheck — проверка атрибута на NULL.
type NullCheck struct {
	base
	negate bool
}

// Null — атрибут не задан.
func Null(attribute string, opts ...Option) *NullCheck {
	return &NullCheck{base: newBase(attribute, opts)}
}

// NotNull — атрибут задан.
func NotNull(attribute string, opts ...Option) *NullCheck {
	return &NullCheck{base: newBase(attribute, opts), negate: true}
}

// SQL компилирует Null / NotNull.
func (c *NullCheck) SQL(*Args) (string, error) {
	col, err := c.column()
	if err != nil {
		return "", err
	}
	if c.negate {
		return col + " IS NOT NULL", nil
	}
	return col + " IS NULL", nil
}

// Match вычисляет Null / NotNull над записью.
func (c *NullCheck) Match(r Getter) (bool, error) {
	return (c.lookup(r) == nil) != c.negate, nil
}

// Element — условие над ключом jsonb-колонки.
type Element struct {
	base
	jsonKey string
	value   string
	values  []string
	mode    elementMode
}

type elementMode int

const (
	elementEqual elementMode = iota
	elementILike
	elementIntersects
)

// ElementEqual — значение ключа jsonb равно строке.
func ElementEqual(attribute, key, value string, opts ...Option) *Element {
	return &Element{base: newBase(attribute, opts), jsonKey: key, value: value}
}

// ElementILike — значение ключа jsonb содержит подстроку без учёта регистра.
func ElementILike(attribute, key, value string, opts ...Option) *Element {
	return &Element{base: newBase(attribute, opts), jsonKey: key, value: value, mode: elementILike}
}

// ElementIntersects — массив под ключом jsonb пересекается с набором.
func ElementIntersects(attribute, key string, values []string, opts ...Option) *Element {
	return &Element{base: newBase(attribute, opts), jsonKey: key, values: values, mode: elementIntersects}
}

// SQL компилирует условие над ключом jsonb. Ключ передаётся параметром.
func (c *Element) SQL(args *Args) (string, error) {
	col, err := c.column()
	if err != nil {
		return "", err
	}
	switch c.mode {
	case elementILike:
		return fmt.Sprintf("%s->>%s ILIKE %s", col, args.Add(c.jsonKey), args.Add("%"+likeEscape(c.value)+"%")), nil
	case elementIntersects:
		if len(c.values) == 0 {
			return "FALSE", nil
		}
		return fmt.Sprintf("EXISTS(SELECT 1 FROM jsonb_array_elements_text(%s->%s) foo WHERE foo = ANY(%s))",
			col, args.Add(c.jsonKey), args.Add(c.values)), nil
	}
	return fmt.Sprintf("%s->>%s = %s", col, args.Add(c.jsonKey), args.Add(c.value)), nil
}

// Match вычисляет условие над ключом jsonb.
func (c *Element) Match(r Getter) (bool, error) {
	doc, ok := c.lookup(r).(map[string]any)
	if !ok {
		return false, nil
	}
	v := normalize(doc[c.jsonKey])
	if v == nil {
		return false, nil
	}
	switch c.mode {
	case elementILike:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(c.value)), nil
	case elementIntersects:
		for _, item := range toStrings(v) {
			if slices.Contains(c.values, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return fmt.Sprint(v) == c.value, nil
}

// PrefixMatch — элемент массива начинается с префикса.
type PrefixMatch struct {
	base
	prefix string
}

// ArrayPrefixMatch — хотя бы один элемент массива начинается с prefix.
func ArrayPrefixMatch(attribute, prefix string, opts ...Option) *PrefixMatch {
	return &PrefixMatch{base: newBase(attribute, opts), prefix: prefix}
}

// SQL компилирует ArrayPrefixMatch.
func (c *PrefixMatch) SQL(args *Args) (string, error) {
	col, err := c.column()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS(SELECT 1 FROM UNNEST(%s) v WHERE v LIKE %s)", col, args.Add(likeEscape(c.prefix)+"%")), nil
}

// Match вычисляет ArrayPrefixMatch над записью.
func (c *PrefixMatch) Match(r Getter) (bool, error) {
	for _, item := range toStrings(c.lookup(r)) {
		if strings.HasPrefix(item, c.prefix) {
			return true, nil
		}
	}
	return false, nil
}
