package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

func testRecordType() *model.RecordType {
	return &model.RecordType{
		Kind: model.KindFormData,
		ID:   12,
		Name: "Inscription cantine",
		Fields: []model.FieldDefinition{
			{ID: "1", Key: model.FieldTitle, Label: "Identité"},
			{ID: "2", Key: model.FieldString, Varname: "nom", StoreDisplayValue: true},
			{ID: "3", Key: model.FieldItems, Varname: "jours", StoreDisplayValue: true, StoreStructuredValue: true},
			{ID: "4", Key: model.FieldBlock},
			{ID: "bo-5", Key: model.FieldDate},
		},
	}
}

// liveColumns возвращает живые колонки, совпадающие со схемой.
func liveColumns(s TableSchema) map[string]ColumnType {
	out := make(map[string]ColumnType, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = c.Type
	}
	return out
}

func TestFromRecordType(t *testing.T) {
	s := FromRecordType(testRecordType())

	assert.Equal(t, "formdata_12", s.Table)
	names := s.Names()
	assert.Equal(t, []string{"f2", "f2_display", "f3", "f3_display", "f3_structured", "f4", "fbo_5"}, names[len(fixedColumns):])

	c, ok := s.Column("f3")
	require.True(t, ok)
	assert.Equal(t, TypeTextArray, c.Type)
	assert.Equal(t, "3", c.FieldID)

	c, ok = s.Column("f4")
	require.True(t, ok)
	assert.Equal(t, TypeJSONB, c.Type)

	_, ok = s.Column("f1")
	assert.False(t, ok, "поле разметки не получает колонку")
}

func TestFieldColumnType(t *testing.T) {
	tests := []struct {
		key  model.FieldKey
		want ColumnType
		ok   bool
	}{
		{model.FieldString, TypeVarchar, true},
		{model.FieldEmail, TypeVarchar, true},
		{model.FieldText, TypeText, true},
		{model.FieldBool, TypeBoolean, true},
		{model.FieldNumeric, TypeNumeric, true},
		{model.FieldDate, TypeDate, true},
		{model.FieldFile, TypeBytea, true},
		{model.FieldItems, TypeTextArray, true},
		{model.FieldComputed, TypeJSONB, true},
		{model.FieldTimeRange, TypeJSONB, true},
		{model.FieldPage, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			got, ok := FieldColumnType(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiff_Idempotent(t *testing.T) {
	s := FromRecordType(testRecordType())
	assert.Empty(t, Diff(liveColumns(s), s), "повторная синхронизация не должна давать изменений")
}

func TestDiff(t *testing.T) {
	desired := FromRecordType(testRecordType())
	live := liveColumns(desired)
	delete(live, "f2_display")
	delete(live, "fbo_5")
	live["f9"] = TypeText
	live["f8_display"] = TypeVarchar
	live["f3"] = TypeVarchar
	live["status"] = TypeText

	ops := Diff(live, desired)
	require.Len(t, ops, 6)

	assert.Equal(t, Op{Kind: OpAddColumn, Column: Column{Name: "f2_display", Type: TypeVarchar, FieldID: "2"}}, ops[0])
	assert.Equal(t, OpAddColumn, ops[1].Kind)
	assert.Equal(t, "fbo_5", ops[1].Column.Name)
	assert.Equal(t, OpDropColumn, ops[2].Kind)
	assert.Equal(t, "f8_display", ops[2].Column.Name)
	assert.Equal(t, OpDropColumn, ops[3].Kind)
	assert.Equal(t, "f9", ops[3].Column.Name)
	assert.Equal(t, OpTypeMismatch, ops[4].Kind)
	assert.Equal(t, "status", ops[4].Column.Name)
	assert.Equal(t, OpTypeMismatch, ops[5].Kind)
	assert.Equal(t, "f3", ops[5].Column.Name)
	assert.Equal(t, TypeVarchar, ops[5].Existing)

	assert.True(t, Changed(ops))
	assert.False(t, Changed(ops[4:]))

	assert.Equal(t, model.IntegrityErrors{
		"3":      {Got: "character varying", Expected: "text[]"},
		"status": {Got: "text", Expected: "character varying"},
	}, Mismatches(ops))
}

func TestDiff_FixedColumnsNeverDropped(t *testing.T) {
	desired := FromRecordType(&model.RecordType{Kind: model.KindCardData, ID: 1, Name: "c"})
	live := liveColumns(desired)
	delete(live, "digests")

	ops := Diff(live, desired)
	require.Len(t, ops, 1)
	assert.Equal(t, OpAddColumn, ops[0].Kind)
	assert.Equal(t, "digests", ops[0].Column.Name)
	assert.True(t, ops[0].Column.Fixed)
}

func TestRender(t *testing.T) {
	sql, ok := Render("formdata_12", Op{Kind: OpAddColumn, Column: Column{Name: "f3", Type: TypeTextArray}})
	require.True(t, ok)
	assert.Equal(t, `ALTER TABLE "formdata_12" ADD COLUMN "f3" text[]`, sql)

	sql, ok = Render("formdata_12", Op{Kind: OpAddColumn, Column: Column{Name: "f2", Type: TypeVarchar}})
	require.True(t, ok)
	assert.Equal(t, `ALTER TABLE "formdata_12" ADD COLUMN "f2" varchar`, sql)

	sql, ok = Render("formdata_12", Op{Kind: OpDropColumn, Column: Column{Name: "f9"}})
	require.True(t, ok)
	assert.Equal(t, `ALTER TABLE "formdata_12" DROP COLUMN "f9"`, sql)

	_, ok = Render("formdata_12", Op{Kind: OpTypeMismatch, Column: Column{Name: "f3"}})
	assert.False(t, ok)
}

func TestCreateTable(t *testing.T) {
	sql := CreateTable(FromRecordType(testRecordType()))
	assert.True(t, strings.HasPrefix(sql, `CREATE TABLE "formdata_12" (`))
	assert.Contains(t, sql, `"id" serial PRIMARY KEY`)
	assert.Contains(t, sql, `"criticality_level" integer NOT NULL DEFAULT 0`)
	assert.Contains(t, sql, `"receipt_time" timestamptz`)
	assert.Contains(t, sql, `"f3_structured" jsonb`)
	assert.Contains(t, sql, `"fbo_5" date`)
}

func TestCreateEvolutions(t *testing.T) {
	stmts := CreateEvolutions("formdata_12")
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "formdata_12_evolutions"`)
	assert.Contains(t, stmts[1], `REFERENCES "formdata_12" (id) ON DELETE CASCADE`)
	assert.Contains(t, stmts[1], `conname = 'formdata_12_evolutions_formdata_fk'`)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "formdata_12_evolutions_fid" ON "formdata_12_evolutions" (formdata_id)`, stmts[2])
}

func TestCreateView(t *testing.T) {
	rt := testRecordType()
	sql := CreateView(rt, FromRecordType(rt))
	assert.True(t, strings.HasPrefix(sql, `CREATE VIEW "formdata_12_view" AS SELECT id, uuid,`))
	assert.Contains(t, sql, `"f2" AS "f_nom", "f2_display" AS "f_nom_display"`)
	assert.Contains(t, sql, `"f3" AS "f_jours"`)
	assert.True(t, strings.HasSuffix(sql, `FROM "formdata_12"`))
	assert.Equal(t, `DROP VIEW IF EXISTS "formdata_12_view"`, DropView(rt))
}

func TestIntegrityError(t *testing.T) {
	err := error(&IntegrityError{Table: "formdata_1", Mismatches: model.IntegrityErrors{
		"2": {Got: "text", Expected: "character varying"},
	}})
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.Contains(t, err.Error(), "formdata_1")
	assert.Contains(t, err.Error(), "2: text вместо character varying")
}

func TestLoad(t *testing.T) {
	src := `
kind: carddata
id: 3
name: Familles
criticality_levels: 2
digest_templates:
  default: "{{.nom}}"
fields:
  - id: "1"
    key: string
    varname: nom
    include_in_listing: true
  - id: "2"
    key: items
    store_display_value: true
`
	rt, err := Load(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "carddata_3", rt.Key())
	assert.Len(t, rt.Fields, 2)
	assert.True(t, rt.Fields[0].IncludeInListing)
	assert.Equal(t, "{{.nom}}", rt.DigestTemplates["default"])
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"неизвестный вид", "kind: userdata\nid: 1\nname: x\n"},
		{"нулевой id", "kind: formdata\nid: 0\nname: x\n"},
		{"без имени", "kind: formdata\nid: 1\n"},
		{"неизвестный тип поля", "kind: formdata\nid: 1\nname: x\nfields:\n  - id: '1'\n    key: widget\n"},
		{"недопустимый id поля", "kind: formdata\nid: 1\nname: x\nfields:\n  - id: '1; drop'\n    key: string\n"},
		{"недопустимое имя переменной", "kind: formdata\nid: 1\nname: x\nfields:\n  - id: '1'\n    key: string\n    varname: Nom\n"},
		{"повтор id", "kind: formdata\nid: 1\nname: x\nfields:\n  - id: '1'\n    key: string\n  - id: '1'\n    key: text\n"},
		{"одна колонка на два поля", "kind: formdata\nid: 1\nname: x\nfields:\n  - id: 'a-b'\n    key: string\n  - id: 'a_b'\n    key: text\n"},
		{"неизвестный ключ", "kind: formdata\nid: 1\nname: x\ncolor: red\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.src))
			assert.Error(t, err)
		})
	}
}
