package schema

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

func ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// Render возвращает DDL изменения; ok=false для изменений без DDL
// (расхождение типов только фиксируется).
func Render(table string, op Op) (string, bool) {
	switch op.Kind {
	case OpAddColumn:
		// без DEFAULT и NOT NULL: добавление не переписывает таблицу
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", ident(table), ident(op.Column.Name), op.Column.Type.DDL()), true
	case OpDropColumn:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", ident(table), ident(op.Column.Name)), true
	}
	return "", false
}

// Mismatches собирает расхождения типов по ключу поля (или имени служебной колонки).
func Mismatches(ops []Op) model.IntegrityErrors {
	var out model.IntegrityErrors
	for _, op := range ops {
		if op.Kind != OpTypeMismatch {
			continue
		}
		if out == nil {
			out = make(model.IntegrityErrors)
		}
		// основная колонка поля — по id поля, компаньоны и служебные — по имени колонки
		key := op.Column.Name
		if id := op.Column.FieldID; id != "" && (model.FieldDefinition{ID: id}).ColumnName() == op.Column.Name {
			key = id
		}
		out[key] = model.TypeMismatch{Got: string(op.Existing), Expected: string(op.Column.Type)}
	}
	return out
}

// CreateTable возвращает DDL создания таблицы типа записей.
func CreateTable(s TableSchema) string {
	defs := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		def := c.Definition
		if def == "" {
			def = c.Type.DDL()
		}
		defs[i] = ident(c.Name) + " " + def
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", ident(s.Table), strings.Join(defs, ",\n    "))
}

// CreateIndexes возвращает DDL индексов таблицы типа записей.
func CreateIndexes(table string) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (fts)", ident(table+"_fts"), ident(table)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status)", ident(table+"_status"), ident(table)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (receipt_time)", ident(table+"_receipt_time"), ident(table)),
	}
}

// CreateEvolutions возвращает DDL таблицы истории, внешнего ключа
// с каскадным удалением и индекса по записи.
func CreateEvolutions(table string) []string {
	evo := table + "_evolutions"
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id serial PRIMARY KEY,
    formdata_id integer NOT NULL,
    who varchar,
    status varchar,
    time timestamptz,
    last_jump_datetime timestamptz,
    comment text,
    parts jsonb
)`, ident(evo)),
		fmt.Sprintf(`DO $$ BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = %s) THEN
        ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (formdata_id) REFERENCES %s (id) ON DELETE CASCADE;
    END IF;
END $$`, quoteLiteral(evo+"_formdata_fk"), ident(evo), ident(evo+"_formdata_fk"), ident(table)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (formdata_id)", ident(evo+"_fid"), ident(evo)),
	}
}

// DropView возвращает DDL удаления представления данных.
func DropView(rt *model.RecordType) string {
	return "DROP VIEW IF EXISTS " + ident(rt.ViewName())
}

// CreateView возвращает DDL представления данных: служебные колонки и
// колонки полей с именем переменной под псевдонимами f_<varname>.
func CreateView(rt *model.RecordType, s TableSchema) string {
	cols := []string{"id", "uuid", "id_display", "user_id", "receipt_time", "last_update_time", "status", "criticality_level"}
	seen := make(map[string]bool)
	for _, f := range rt.Fields {
		if f.Varname == "" || seen[f.Varname] || !f.HasColumn() {
			continue
		}
		if _, ok := s.Column(f.ColumnName()); !ok {
			continue
		}
		seen[f.Varname] = true
		cols = append(cols, fmt.Sprintf("%s AS %s", ident(f.ColumnName()), ident("f_"+f.Varname)))
		if f.StoreDisplayValue {
			cols = append(cols, fmt.Sprintf("%s AS %s", ident(f.DisplayColumnName()), ident("f_"+f.Varname+"_display")))
		}
	}
	return fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM %s", ident(rt.ViewName()), strings.Join(cols, ", "), ident(rt.TableName()))
}

// quoteLiteral экранирует строковый литерал SQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
