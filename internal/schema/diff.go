package schema

import "sort"

// OpKind — вид изменения таблицы.
type OpKind int

// Виды изменений.
const (
	OpAddColumn OpKind = iota
	OpDropColumn
	OpTypeMismatch
)

func (k OpKind) String() string {
	switch k {
	case OpAddColumn:
		return "add_column"
	case OpDropColumn:
		return "drop_column"
	case OpTypeMismatch:
		return "type_mismatch"
	}
	return "unknown"
}

// Op — одно изменение, необходимое для приведения таблицы к схеме.
type Op struct {
	Kind   OpKind
	Column Column
	// Existing — тип живой колонки (для OpTypeMismatch)
	Existing ColumnType
}

// Diff сравнивает живые колонки (имя → тип) с требуемой схемой.
// Порядок: добавления в порядке схемы, удаления по имени, расхождения типов
// в порядке схемы. Служебные колонки никогда не удаляются.
func Diff(existing map[string]ColumnType, desired TableSchema) []Op {
	var adds, drops, mismatches []Op
	for _, c := range desired.Columns {
		typ, ok := existing[c.Name]
		switch {
		case !ok:
			adds = append(adds, Op{Kind: OpAddColumn, Column: c})
		case typ != c.Type:
			mismatches = append(mismatches, Op{Kind: OpTypeMismatch, Column: c, Existing: typ})
		}
	}

	names := make([]string, 0, len(existing))
	for name := range existing {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if IsFixedColumn(name) {
			continue
		}
		if _, ok := desired.Column(name); !ok {
			drops = append(drops, Op{Kind: OpDropColumn, Column: Column{Name: name, Type: existing[name]}})
		}
	}

	ops := make([]Op, 0, len(adds)+len(drops)+len(mismatches))
	ops = append(ops, adds...)
	ops = append(ops, drops...)
	return append(ops, mismatches...)
}

// Changed сообщает, меняет ли набор изменений состав колонок.
func Changed(ops []Op) bool {
	for _, op := range ops {
		if op.Kind == OpAddColumn || op.Kind == OpDropColumn {
			return true
		}
	}
	return false
}
