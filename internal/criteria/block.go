package criteria

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// Идентификатор подполя попадает в текст SQL и jsonpath как литерал.
var subFieldIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Операторы jsonpath для быстрого пути block @? path.
var jsonpathOperators = map[operator]string{
	opEqual:          "==",
	opLess:           "<",
	opGreater:        ">",
	opLessOrEqual:    "<=",
	opGreaterOrEqual: ">=",
}

// blockColumn возвращает колонку блока и идентификатор подполя.
func (b base) blockColumn() (string, string, error) {
	if b.field == nil || !subFieldIDRe.MatchString(b.field.ID) {
		return "", "", fmt.Errorf("%w: подполе блока %q", ErrInvalidAttribute, b.attribute)
	}
	col := b.block.ColumnName()
	if !identifierRe.MatchString(col) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAttribute, col)
	}
	return col, b.field.ID, nil
}

// blockRows возвращает строки блока: значение колонки {"data": [...]}.
func blockRows(v any) []map[string]any {
	var data any
	switch doc := normalize(v).(type) {
	case map[string]any:
		data = doc["data"]
	case []byte:
		var parsed map[string]any
		if json.Unmarshal(doc, &parsed) != nil {
			return nil
		}
		data = parsed["data"]
	}
	switch rows := data.(type) {
	case []map[string]any:
		return rows
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			if m, ok := row.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// blockSource — строки блока как отношение datas(aa).
func blockSource(col string) string {
	return fmt.Sprintf("jsonb_array_elements(%s->'data') AS datas(aa)", col)
}

// blockElement возвращает выражение значения подполя в строке блока,
// приведённое к типу операнда.
func blockElement(id string, key model.FieldKey, value any) string {
	elem := fmt.Sprintf("aa->>'%s'", id)
	switch key {
	case model.FieldString, model.FieldItem, model.FieldEmail:
		if isInt(value) {
			return fmt.Sprintf("(CASE WHEN %s ~ '^[0-9]{1,9}$' THEN (%s)::int ELSE NULL END)", elem, elem)
		}
	case model.FieldBool:
		return fmt.Sprintf("(%s)::bool", elem)
	case model.FieldNumeric:
		return fmt.Sprintf("(CASE WHEN %s ~ '^-?[0-9]+(\\.[0-9]+)?$' THEN (%s)::numeric ELSE NULL END)", elem, elem)
	case model.FieldDate:
		return fmt.Sprintf("(CASE WHEN %s ~ '^[0-9]{4}-[0-9]{2}-[0-9]{2}' THEN LEFT(%s, 10)::date ELSE NULL END)", elem, elem)
	}
	return elem
}

// blockPath строит jsonpath для сравнения подполя с константой.
// ok=false — сравнение не выражается через @? и идёт через EXISTS.
func (c *Comparison) blockPath(id string, value any) (string, bool) {
	op, ok := jsonpathOperators[c.op]
	if !ok || c.fold || c.key() == model.FieldBool {
		return "", false
	}
	if s, ok := normalize(c.value).(string); ok && s == "" {
		return "", false
	}
	var literal string
	switch v := value.(type) {
	case string:
		quoted, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		literal = string(quoted)
	case pgtype.Numeric:
		literal = decimalText(v)
	default:
		if !isInt(v) {
			return "", false
		}
		literal = fmt.Sprint(v)
		switch c.key() {
		case model.FieldString, model.FieldItem, model.FieldEmail:
			// числа в строковых подполях хранятся строками
			return fmt.Sprintf(`$.data[*]."%s"[*] ? (@ %s %s || (@ %s "%s" && @ like_regex "^\\d+$"))`,
				id, op, literal, op, literal), true
		}
	}
	return fmt.Sprintf(`$.data[*]."%s"[*] ? (@ %s %s)`, id, op, literal), true
}

// blockSQL компилирует сравнение подполя блока:
// EXISTS(SELECT 1 FROM jsonb_array_elements(block->'data') AS datas(aa) WHERE aa->>'id' <op> $n),
// для неравенства — NOT EXISTS с оператором равенства.
func (c *Comparison) blockSQL(args *Args) (string, error) {
	col, id, err := c.blockColumn()
	if err != nil {
		return "", err
	}

	value := normalize(c.value)
	if value == nil && c.op != opBetween {
		present := fmt.Sprintf("EXISTS(SELECT 1 FROM %s WHERE aa->>'%s' IS NOT NULL)", blockSource(col), id)
		switch c.op {
		case opEqual:
			return "NOT " + present, nil
		case opNotEqual, opStrictNotEqual:
			return present, nil
		}
		return "FALSE", nil
	}

	values, ok := c.operands()
	if !ok {
		return "FALSE", nil
	}

	if path, ok := c.blockPath(id, values[0]); ok {
		return fmt.Sprintf("%s @? %s::jsonpath", col, args.Add(path)), nil
	}

	exists, op := "EXISTS", sqlOperators[c.op]
	if c.op == opNotEqual {
		exists, op = "NOT EXISTS", "="
	}
	switch c.key() {
	case model.FieldString, model.FieldItem, model.FieldEmail:
		if op == "=" && c.op != opBetween && isInt(values[0]) {
			// сравнение строк дешевле приведения к int
			values[0] = fmt.Sprint(values[0])
		}
	}
	elem := blockElement(id, c.key(), values[0])
	if c.fold {
		elem = "LOWER(" + elem + ")"
	}
	if c.op == opBetween {
		return fmt.Sprintf("%s(SELECT 1 FROM %s WHERE %s >= %s AND %s < %s)",
			exists, blockSource(col), elem, placeholder(args, values[0]), elem, placeholder(args, values[1])), nil
	}
	return fmt.Sprintf("%s(SELECT 1 FROM %s WHERE %s %s %s)", exists, blockSource(col), elem, op, placeholder(args, values[0])), nil
}

// matchBlock вычисляет сравнение над строками блока; строки без значения
// подполя не совпадают ни с чем.
func (c *Comparison) matchBlock(r Getter) (bool, error) {
	if _, _, err := c.blockColumn(); err != nil {
		return false, err
	}
	rows := blockRows(c.lookup(r))
	id := c.field.ID

	if normalize(c.value) == nil && c.op != opBetween {
		present := false
		for _, row := range rows {
			if normalize(row[id]) != nil {
				present = true
				break
			}
		}
		switch c.op {
		case opEqual:
			return !present, nil
		case opNotEqual, opStrictNotEqual:
			return present, nil
		}
		return false, nil
	}

	op, negate := c.op, false
	if op == opNotEqual {
		op, negate = opEqual, true
	}
	found := false
	for _, row := range rows {
		got := normalize(row[id])
		if got == nil {
			continue
		}
		if c.matchScalar(got, op) {
			found = true
			break
		}
	}
	return found != negate, nil
}

// blockMembershipSQL компилирует Contains / NotContains над подполем блока.
func (c *Membership) blockMembershipSQL(values []any, args *Args) (string, error) {
	col, id, err := c.blockColumn()
	if err != nil {
		return "", err
	}
	elem := blockElement(id, c.key(), values[0])
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = placeholder(args, v)
	}
	exists := "EXISTS"
	if c.negate {
		exists = "NOT EXISTS"
	}
	return fmt.Sprintf("%s(SELECT 1 FROM %s WHERE %s IN (%s))",
		exists, blockSource(col), elem, strings.Join(placeholders, ", ")), nil
}

// matchBlockMembership вычисляет Contains / NotContains над строками блока.
func (c *Membership) matchBlockMembership(values []any, r Getter) (bool, error) {
	if _, _, err := c.blockColumn(); err != nil {
		return false, err
	}
	found := false
	for _, row := range blockRows(c.lookup(r)) {
		got := normalize(row[c.field.ID])
		if got != nil && containsValue(values, got) {
			found = true
			break
		}
	}
	return found != c.negate, nil
}
