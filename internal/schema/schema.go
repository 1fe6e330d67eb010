// Пакет schema — описание физической таблицы типа записей и чистые функции
// над ним: набор колонок по схеме полей, сравнение с живой таблицей (Diff)
// и генерация DDL. Обращений к базе здесь нет.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// ColumnType — тип колонки в записи information_schema.
type ColumnType string

// Типы колонок.
const (
	TypeVarchar     ColumnType = "character varying"
	TypeText        ColumnType = "text"
	TypeBoolean     ColumnType = "boolean"
	TypeNumeric     ColumnType = "numeric"
	TypeDate        ColumnType = "date"
	TypeBytea       ColumnType = "bytea"
	TypeTextArray   ColumnType = "text[]"
	TypeJSONB       ColumnType = "jsonb"
	TypeInteger     ColumnType = "integer"
	TypeUUID        ColumnType = "uuid"
	TypeTimestamptz ColumnType = "timestamp with time zone"
	TypeTSVector    ColumnType = "tsvector"
	TypePoint       ColumnType = "point"
)

// DDL возвращает запись типа для CREATE/ALTER.
func (t ColumnType) DDL() string {
	switch t {
	case TypeVarchar:
		return "varchar"
	case TypeTimestamptz:
		return "timestamptz"
	}
	return string(t)
}

// ErrIntegrity — тип живой колонки расходится с ожидаемым.
var ErrIntegrity = errors.New("расхождение типов колонок")

// IntegrityError — расхождения типов колонок таблицы.
// Колонки не исправляются автоматически: ошибка записывается владельцу схемы.
type IntegrityError struct {
	Table      string
	Mismatches model.IntegrityErrors
}

func (e *IntegrityError) Error() string {
	keys := make([]string, 0, len(e.Mismatches))
	for k := range e.Mismatches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		m := e.Mismatches[k]
		parts[i] = fmt.Sprintf("%s: %s вместо %s", k, m.Got, m.Expected)
	}
	return fmt.Sprintf("%s в таблице %s (%s)", ErrIntegrity, e.Table, strings.Join(parts, ", "))
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// Column — колонка таблицы типа записей.
type Column struct {
	Name string
	Type ColumnType
	// FieldID — поле схемы, породившее колонку (пусто для служебных)
	FieldID string
	// Fixed — служебная колонка, никогда не удаляется
	Fixed bool
	// Definition — полное описание для CREATE TABLE (только служебные)
	Definition string
}

// fixedColumns — служебные колонки каждой таблицы типа записей.
var fixedColumns = []Column{
	{Name: "id", Type: TypeInteger, Definition: "serial PRIMARY KEY"},
	{Name: "uuid", Type: TypeUUID, Definition: "uuid NOT NULL UNIQUE DEFAULT gen_random_uuid()"},
	{Name: "id_display", Type: TypeVarchar},
	{Name: "user_id", Type: TypeVarchar},
	{Name: "receipt_time", Type: TypeTimestamptz},
	{Name: "last_update_time", Type: TypeTimestamptz},
	{Name: "anonymised", Type: TypeTimestamptz},
	{Name: "status", Type: TypeVarchar},
	{Name: "submission_channel", Type: TypeVarchar},
	{Name: "criticality_level", Type: TypeInteger, Definition: "integer NOT NULL DEFAULT 0"},
	{Name: "concerned_roles_array", Type: TypeTextArray},
	{Name: "actions_roles_array", Type: TypeTextArray},
	{Name: "workflow_data", Type: TypeJSONB},
	{Name: "digests", Type: TypeJSONB},
	{Name: "auto_geoloc", Type: TypePoint},
	{Name: "fts", Type: TypeTSVector},
}

// FixedColumns возвращает служебные колонки.
func FixedColumns() []Column {
	out := make([]Column, len(fixedColumns))
	for i, c := range fixedColumns {
		c.Fixed = true
		out[i] = c
	}
	return out
}

// IsFixedColumn сообщает, что колонка служебная.
func IsFixedColumn(name string) bool {
	for _, c := range fixedColumns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// FieldColumnType возвращает тип колонки поля; ok=false для полей разметки.
func FieldColumnType(key model.FieldKey) (ColumnType, bool) {
	switch key {
	case model.FieldString, model.FieldItem, model.FieldEmail:
		return TypeVarchar, true
	case model.FieldText:
		return TypeText, true
	case model.FieldBool:
		return TypeBoolean, true
	case model.FieldNumeric:
		return TypeNumeric, true
	case model.FieldDate:
		return TypeDate, true
	case model.FieldFile:
		return TypeBytea, true
	case model.FieldItems:
		return TypeTextArray, true
	case model.FieldBlock, model.FieldComputed, model.FieldMap, model.FieldTimeRange:
		return TypeJSONB, true
	}
	return "", false
}

// TableSchema — требуемый набор колонок таблицы типа записей.
type TableSchema struct {
	Table   string
	Columns []Column
}

// FromRecordType строит TableSchema по схеме полей: служебные колонки,
// затем колонки полей в порядке схемы с компаньонами _display и _structured.
func FromRecordType(rt *model.RecordType) TableSchema {
	s := TableSchema{Table: rt.TableName(), Columns: FixedColumns()}
	seen := make(map[string]bool)
	add := func(c Column) {
		if seen[c.Name] || IsFixedColumn(c.Name) {
			return
		}
		seen[c.Name] = true
		s.Columns = append(s.Columns, c)
	}
	for _, f := range rt.Fields {
		typ, ok := FieldColumnType(f.Key)
		if !ok {
			continue
		}
		add(Column{Name: f.ColumnName(), Type: typ, FieldID: f.ID})
		if f.StoreDisplayValue {
			add(Column{Name: f.DisplayColumnName(), Type: TypeVarchar, FieldID: f.ID})
		}
		if f.StoreStructuredValue {
			add(Column{Name: f.StructuredColumnName(), Type: TypeJSONB, FieldID: f.ID})
		}
	}
	return s
}

// Column ищет колонку по имени.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names возвращает имена колонок в порядке схемы.
func (s TableSchema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}
