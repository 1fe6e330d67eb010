package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/schema"
)

// ErrInvalidValue — значение поля не приводится к типу колонки.
var ErrInvalidValue = errors.New("недопустимое значение поля")

// envelopeVersion — версия JSON-конверта частей истории и файлов.
const envelopeVersion = 1

// partTypeFile — тег конверта файлового значения.
const partTypeFile = "file"

// fileEnvelope — файловое значение в колонке bytea.
type fileEnvelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	model.FileValue
}

// column — колонка таблицы типа с привязкой к полю схемы.
type column struct {
	schema.Column
	field *model.FieldDefinition
	// dataKey — ключ значения в Record.Data (пусто для служебных колонок)
	dataKey string
}

// layout — колонки, которые хранилище читает и пишет.
// Колонки полей с расхождением типов пропускаются до исправления схемы.
type layout struct {
	fixed  []column
	fields []column
}

func newLayout(rt *model.RecordType) layout {
	var l layout
	for _, c := range schema.FromRecordType(rt).Columns {
		if c.Name == "fts" {
			continue
		}
		if c.Fixed {
			l.fixed = append(l.fixed, column{Column: c})
			continue
		}
		f, ok := rt.Field(c.FieldID)
		if !ok {
			continue
		}
		if _, broken := rt.IntegrityErrors[f.ID]; broken {
			continue
		}
		col := column{Column: c, field: f}
		switch c.Name {
		case f.DisplayColumnName():
			col.dataKey = f.DisplayKey()
		case f.StructuredColumnName():
			col.dataKey = f.StructuredKey()
		default:
			col.dataKey = f.DataKey()
		}
		l.fields = append(l.fields, col)
	}
	return l
}

// all возвращает колонки в порядке SELECT.
func (l layout) all() []column {
	return append(append([]column{}, l.fixed...), l.fields...)
}

func (l layout) selectList() string {
	cols := l.all()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = ident(c.Name)
	}
	return strings.Join(names, ", ")
}

// scanTarget возвращает приёмник Scan для типа колонки.
func scanTarget(t schema.ColumnType) any {
	switch t {
	case schema.TypeVarchar, schema.TypeText, schema.TypeUUID:
		return new(pgtype.Text)
	case schema.TypeBoolean:
		return new(pgtype.Bool)
	case schema.TypeNumeric:
		return new(pgtype.Numeric)
	case schema.TypeDate:
		return new(pgtype.Date)
	case schema.TypeInteger:
		return new(pgtype.Int4)
	case schema.TypeTimestamptz:
		return new(pgtype.Timestamptz)
	case schema.TypePoint:
		return new(pgtype.Point)
	case schema.TypeTextArray:
		return new([]string)
	case schema.TypeBytea, schema.TypeJSONB:
		return new([]byte)
	}
	return new(any)
}

// scanned извлекает значение из приёмника; NULL даёт nil.
func scanned(target any) any {
	switch v := target.(type) {
	case *pgtype.Text:
		if v.Valid {
			return v.String
		}
	case *pgtype.Bool:
		if v.Valid {
			return v.Bool
		}
	case *pgtype.Numeric:
		// каноническая запись numeric без потери точности
		if v.Valid {
			if text, err := v.Value(); err == nil {
				return json.Number(text.(string))
			}
		}
	case *pgtype.Date:
		if v.Valid {
			return v.Time
		}
	case *pgtype.Int4:
		if v.Valid {
			return int(v.Int32)
		}
	case *pgtype.Timestamptz:
		if v.Valid {
			return v.Time
		}
	case *pgtype.Point:
		if v.Valid {
			return model.Geoloc{Lon: v.P.X, Lat: v.P.Y}
		}
	case *[]string:
		if *v != nil {
			return *v
		}
	case *[]byte:
		if *v != nil {
			return *v
		}
	case *any:
		return *v
	}
	return nil
}

// decode собирает запись из значений колонок в порядке layout.all().
func (l layout) decode(values []any) (*model.Record, error) {
	rec := &model.Record{Data: make(map[string]any)}
	for i, c := range l.fixed {
		if err := decodeFixed(rec, c.Name, values[i]); err != nil {
			return nil, fmt.Errorf("колонка %s: %w", c.Name, err)
		}
	}
	offset := len(l.fixed)
	for i, c := range l.fields {
		v, err := decodeField(c, values[offset+i])
		if err != nil {
			return nil, fmt.Errorf("колонка %s: %w", c.Name, err)
		}
		rec.Data[c.dataKey] = v
	}
	return rec, nil
}

func decodeFixed(rec *model.Record, name string, v any) error {
	switch name {
	case "id":
		rec.ID, _ = v.(int)
	case "uuid":
		rec.UUID, _ = v.(string)
	case "id_display":
		rec.IDDisplay, _ = v.(string)
	case "user_id":
		if s, ok := v.(string); ok {
			rec.UserID = &s
		}
	case "receipt_time":
		rec.ReceiptTime = timePtr(v)
	case "last_update_time":
		rec.LastUpdateTime = timePtr(v)
	case "anonymised":
		rec.Anonymised = timePtr(v)
	case "status":
		rec.Status, _ = v.(string)
	case "submission_channel":
		rec.SubmissionChannel, _ = v.(string)
	case "criticality_level":
		rec.CriticalityLevel, _ = v.(int)
	case "concerned_roles_array":
		rec.ConcernedRoles, _ = v.([]string)
	case "actions_roles_array":
		rec.ActionRoles, _ = v.([]string)
	case "workflow_data":
		if raw, ok := v.([]byte); ok {
			return json.Unmarshal(raw, &rec.WorkflowData)
		}
	case "digests":
		if raw, ok := v.([]byte); ok {
			return json.Unmarshal(raw, &rec.Digests)
		}
	case "auto_geoloc":
		if g, ok := v.(model.Geoloc); ok {
			rec.Geoloc = &g
		}
	}
	return nil
}

func decodeField(c column, v any) (any, error) {
	raw, ok := v.([]byte)
	if !ok {
		return v, nil
	}
	switch c.Type {
	case schema.TypeJSONB:
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	case schema.TypeBytea:
		return decodeFile(raw), nil
	}
	return v, nil
}

// decodeFile читает файловое значение; байты без конверта — содержимое файла.
func decodeFile(raw []byte) *model.FileValue {
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.V == envelopeVersion && env.Type == partTypeFile {
		fv := env.FileValue
		return &fv
	}
	return &model.FileValue{Content: raw}
}

func encodeFile(fv model.FileValue) ([]byte, error) {
	return json.Marshal(fileEnvelope{V: envelopeVersion, Type: partTypeFile, FileValue: fv})
}

// fixedValues возвращает значения служебных колонок для записи
// (кроме id и fts, которые пишутся отдельно).
func fixedValues(rec *model.Record) (map[string]any, error) {
	values := map[string]any{
		"uuid":                  nullString(rec.UUID),
		"id_display":            nullString(rec.IDDisplay),
		"user_id":               rec.UserID,
		"receipt_time":          rec.ReceiptTime,
		"last_update_time":      rec.LastUpdateTime,
		"anonymised":            rec.Anonymised,
		"status":                nullString(rec.Status),
		"submission_channel":    nullString(rec.SubmissionChannel),
		"criticality_level":     rec.CriticalityLevel,
		"concerned_roles_array": rec.ConcernedRoles,
		"actions_roles_array":   rec.ActionRoles,
		"auto_geoloc":           nil,
		"workflow_data":         nil,
		"digests":               nil,
	}
	if rec.Geoloc != nil {
		values["auto_geoloc"] = pgtype.Point{P: pgtype.Vec2{X: rec.Geoloc.Lon, Y: rec.Geoloc.Lat}, Valid: true}
	}
	if rec.WorkflowData != nil {
		raw, err := json.Marshal(rec.WorkflowData)
		if err != nil {
			return nil, fmt.Errorf("workflow_data: %w", err)
		}
		values["workflow_data"] = raw
	}
	if rec.Digests != nil {
		raw, err := json.Marshal(rec.Digests)
		if err != nil {
			return nil, fmt.Errorf("digests: %w", err)
		}
		values["digests"] = raw
	}
	return values, nil
}

// encodeValue приводит значение поля к параметру запроса для типа колонки.
func encodeValue(t schema.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.TypeVarchar, schema.TypeText:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return fmt.Sprint(v), nil

	case schema.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %q не логическое значение", ErrInvalidValue, b)
			}
			return parsed, nil
		}

	case schema.TypeNumeric:
		switch n := v.(type) {
		case int, int32, int64, float32, float64:
			return n, nil
		case string, json.Number:
			var num pgtype.Numeric
			if err := num.Scan(strings.TrimSpace(fmt.Sprint(n))); err != nil || num.NaN || num.InfinityModifier != pgtype.Finite {
				return nil, fmt.Errorf("%w: %q не число", ErrInvalidValue, n)
			}
			return num, nil
		case pgtype.Numeric:
			return n, nil
		}

	case schema.TypeDate:
		switch d := v.(type) {
		case time.Time:
			return pgtype.Date{Time: d, Valid: true}, nil
		case *time.Time:
			if d == nil {
				return nil, nil
			}
			return pgtype.Date{Time: *d, Valid: true}, nil
		case string:
			for _, layout := range []string{time.DateOnly, time.RFC3339} {
				if parsed, err := time.Parse(layout, d); err == nil {
					return pgtype.Date{Time: parsed, Valid: true}, nil
				}
			}
			return nil, fmt.Errorf("%w: %q не дата", ErrInvalidValue, d)
		}

	case schema.TypeBytea:
		switch f := v.(type) {
		case model.FileValue:
			return encodeFile(f)
		case *model.FileValue:
			if f == nil {
				return nil, nil
			}
			return encodeFile(*f)
		case []byte:
			return f, nil
		}

	case schema.TypeTextArray:
		switch items := v.(type) {
		case []string:
			return items, nil
		case []any:
			out := make([]string, 0, len(items))
			for _, item := range items {
				if item != nil {
					out = append(out, fmt.Sprint(item))
				}
			}
			return out, nil
		case string:
			return []string{items}, nil
		}

	case schema.TypeJSONB:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %T для колонки %s", ErrInvalidValue, v, t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(v any) *time.Time {
	t, ok := v.(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
