package criteria

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

type operator int

const (
	opEqual operator = iota
	opNotEqual
	opStrictNotEqual
	opLess
	opGreater
	opLessOrEqual
	opGreaterOrEqual
	opBetween
)

var sqlOperators = map[operator]string{
	opEqual:          "=",
	opNotEqual:       "!=",
	opStrictNotEqual: "!=",
	opLess:           "<",
	opGreater:        ">",
	opLessOrEqual:    "<=",
	opGreaterOrEqual: ">=",
}

// Comparison — сравнение атрибута со значением.
type Comparison struct {
	base
	op    operator
	value any
	max   any
	fold  bool
}

// Equal — атрибут равен значению. Пустой список означает пустой массив.
func Equal(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opEqual, value: value}
}

// NotEqual — атрибут не равен значению или не задан (NULL).
func NotEqual(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opNotEqual, value: value}
}

// StrictNotEqual — атрибут задан и не равен значению.
func StrictNotEqual(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opStrictNotEqual, value: value}
}

// Less — атрибут меньше значения.
func Less(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opLess, value: value}
}

// Greater — атрибут больше значения.
func Greater(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opGreater, value: value}
}

// LessOrEqual — атрибут не больше значения.
func LessOrEqual(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opLessOrEqual, value: value}
}

// GreaterOrEqual — атрибут не меньше значения.
func GreaterOrEqual(attribute string, value any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opGreaterOrEqual, value: value}
}

// Between — lo <= атрибут < hi.
func Between(attribute string, lo, hi any, opts ...Option) *Comparison {
	return &Comparison{base: newBase(attribute, opts), op: opBetween, value: lo, max: hi}
}

// IEqual — равенство без учёта регистра.
func IEqual(attribute string, value any, opts ...Option) *Comparison {
	c := Equal(attribute, strings.ToLower(fmt.Sprint(value)), opts...)
	c.fold = true
	return c
}

// operands возвращает значения критерия, приведённые к типу колонки.
// ok=false означает, что приведение не удалось и критерий не совпадает.
func (c *Comparison) operands() ([]any, bool) {
	values := []any{normalize(c.value)}
	if c.op == opBetween {
		values = append(values, normalize(c.max))
	}
	for i, v := range values {
		converted, ok := c.coerce(v)
		if !ok {
			return nil, false
		}
		values[i] = converted
	}
	return values, true
}

func (c *Comparison) coerce(v any) (any, bool) {
	if c.attribute == "id" {
		n, ok := laxInt(v)
		return n, ok
	}
	switch c.key() {
	case model.FieldNumeric:
		d, ok := toDecimal(v)
		return d, ok
	case model.FieldBool:
		b, ok := toBool(v)
		return b, ok
	case model.FieldDate:
		t, ok := toDate(v)
		return t, ok
	case model.FieldComputed:
		if isNumber(v) {
			d, ok := toDecimal(v)
			return decimalText(d), ok
		}
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b), true
		}
	}
	return v, true
}

// SQL компилирует сравнение.
func (c *Comparison) SQL(args *Args) (string, error) {
	if c.block != nil {
		return c.blockSQL(args)
	}
	col, err := c.column()
	if err != nil {
		return "", err
	}

	value := normalize(c.value)
	if c.op == opEqual {
		if list, ok := value.([]any); ok && len(list) == 0 {
			return fmt.Sprintf("ARRAY_LENGTH(%s, 1) IS NULL", col), nil
		}
		if list, ok := value.([]string); ok && len(list) == 0 {
			return fmt.Sprintf("ARRAY_LENGTH(%s, 1) IS NULL", col), nil
		}
	}
	if value == nil && c.op != opBetween {
		switch c.op {
		case opEqual:
			return col + " IS NULL", nil
		case opNotEqual, opStrictNotEqual:
			return col + " IS NOT NULL", nil
		}
		return "FALSE", nil
	}

	values, ok := c.operands()
	if !ok {
		return "FALSE", nil
	}

	if c.key() == model.FieldItems {
		return c.itemsSQL(col, values, args), nil
	}

	expr := col
	switch c.key() {
	case model.FieldComputed:
		expr = col + "->>'data'"
	case model.FieldString, model.FieldItem, model.FieldEmail:
		if isInt(values[0]) {
			if c.op == opEqual {
				// сравнение строк дешевле приведения колонки к int
				values[0] = fmt.Sprint(values[0])
			} else {
				expr = fmt.Sprintf("(CASE WHEN %s ~ '^[0-9]{1,9}$' THEN %s::int ELSE NULL END)", col, col)
			}
		}
	}
	if c.fold {
		expr = "LOWER(" + expr + ")"
	}

	switch c.op {
	case opBetween:
		return fmt.Sprintf("%s >= %s AND %s < %s", expr, placeholder(args, values[0]), expr, placeholder(args, values[1])), nil
	case opNotEqual:
		return fmt.Sprintf("(%s IS NULL OR %s != %s)", col, expr, placeholder(args, values[0])), nil
	}
	return fmt.Sprintf("%s %s %s", expr, sqlOperators[c.op], placeholder(args, values[0])), nil
}

// itemsSQL строит условие над элементами массива:
// EXISTS (SELECT 1 FROM UNNEST(col) bb(aa) WHERE aa <op> $n),
// для неравенства — NOT EXISTS с оператором равенства.
func (c *Comparison) itemsSQL(col string, values []any, args *Args) string {
	exists, op := "EXISTS", sqlOperators[c.op]
	if c.op == opNotEqual || c.op == opStrictNotEqual {
		exists, op = "NOT EXISTS", "="
	}
	source := fmt.Sprintf("COALESCE(%s, ARRAY[]::text[])", col)
	if isInt(values[0]) {
		source = fmt.Sprintf("CASE WHEN array_to_string(%s, '') ~ '^[0-9]+$' THEN %s::int[] ELSE ARRAY[]::int[] END", col, col)
	}
	elem := "aa"
	if c.fold {
		elem = "LOWER(aa)"
	}
	if c.op == opBetween {
		return fmt.Sprintf("%s(SELECT 1 FROM UNNEST(%s) bb(aa) WHERE %s >= %s AND %s < %s)",
			exists, source, elem, args.Add(values[0]), elem, args.Add(values[1]))
	}
	return fmt.Sprintf("%s(SELECT 1 FROM UNNEST(%s) bb(aa) WHERE %s %s %s)", exists, source, elem, op, args.Add(values[0]))
}

// Match вычисляет сравнение над записью.
func (c *Comparison) Match(r Getter) (bool, error) {
	if c.block != nil {
		return c.matchBlock(r)
	}
	got := c.lookup(r)
	if c.key() == model.FieldItems {
		items := toStrings(got)
		found := false
		for _, item := range items {
			if c.matchScalar(item, opEqualFor(c.op)) {
				found = true
				break
			}
		}
		if c.op == opNotEqual || c.op == opStrictNotEqual {
			return !found, nil
		}
		return found, nil
	}
	return c.matchScalar(got, c.op), nil
}

// opEqualFor возвращает оператор, проверяемый на элементах массива.
func opEqualFor(op operator) operator {
	if op == opNotEqual || op == opStrictNotEqual {
		return opEqual
	}
	return op
}

func (c *Comparison) matchScalar(got any, op operator) bool {
	want := normalize(c.value)
	got = normalize(got)
	if want == nil && op != opBetween {
		switch op {
		case opEqual:
			return got == nil
		case opNotEqual, opStrictNotEqual:
			return got != nil
		}
		return false
	}
	if got == nil {
		if op == opStrictNotEqual {
			return false
		}
		got = typedNone(want)
	}
	if c.fold {
		got = strings.ToLower(fmt.Sprint(got))
	}

	if op == opBetween {
		lo, ok := compare(got, want)
		if !ok {
			return false
		}
		hi, ok := compare(got, normalize(c.max))
		return ok && lo >= 0 && hi < 0
	}

	res, ok := compare(got, want)
	if !ok {
		return op == opNotEqual || op == opStrictNotEqual
	}
	switch op {
	case opEqual:
		return res == 0
	case opNotEqual, opStrictNotEqual:
		return res != 0
	case opLess:
		return res < 0
	case opGreater:
		return res > 0
	case opLessOrEqual:
		return res <= 0
	case opGreaterOrEqual:
		return res >= 0
	}
	return false
}

// Like — поиск подстроки без учёта регистра.
type Like struct {
	base
	value string
}

// ILike — атрибут содержит подстроку без учёта регистра
// (спецсимволы LIKE экранируются).
func ILike(attribute, value string, opts ...Option) *Like {
	return &Like{base: newBase(attribute, opts), value: value}
}

// SQL компилирует ILike.
func (c *Like) SQL(args *Args) (string, error) {
	col, err := c.column()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s ILIKE %s", col, args.Add("%"+likeEscape(c.value)+"%")), nil
}

// Match вычисляет ILike над записью.
func (c *Like) Match(r Getter) (bool, error) {
	got := c.lookup(r)
	if got == nil {
		return false, nil
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(got)), strings.ToLower(c.value)), nil
}
