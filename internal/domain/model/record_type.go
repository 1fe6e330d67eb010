package model

import (
	"fmt"
	"strconv"
	"time"
)

// Виды типов записей.
const (
	KindFormData = "formdata"
	KindCardData = "carddata"
	KindTestData = "testdata"
)

// RecordType — логический тип записей со своей физической таблицей и схемой полей.
// Хранится в таблице fs_record_types.
type RecordType struct {
	// Kind — вид (formdata, carddata, testdata)
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=formdata carddata testdata"`
	// ID — числовой идентификатор в пределах вида
	ID int `json:"id" yaml:"id" validate:"required,gt=0"`
	// Name — название типа (индексируется в полнотекстовом поиске)
	Name string `json:"name" yaml:"name" validate:"required,max=250"`
	// Fields — упорядоченный список полей
	Fields []FieldDefinition `json:"fields" yaml:"fields" validate:"dive"`
	// DigestTemplates — шаблоны дайджестов (имя → text/template)
	DigestTemplates map[string]string `json:"digest_templates,omitempty" yaml:"digest_templates"`
	// CriticalityLevels — количество уровней критичности рабочего процесса
	CriticalityLevels int `json:"criticality_levels,omitempty" yaml:"criticality_levels" validate:"gte=0,lte=100"`
	// IntegrityErrors — расхождения типов колонок, обнаруженные при синхронизации схемы
	IntegrityErrors IntegrityErrors `json:"-" yaml:"-"`
	// CreatedAt — время регистрации типа
	CreatedAt time.Time `json:"-" yaml:"-"`
	// UpdatedAt — время последнего изменения схемы
	UpdatedAt time.Time `json:"-" yaml:"-"`
}

// Key возвращает ключ типа, он же имя таблицы и контекст поиска: <kind>_<id>.
func (rt *RecordType) Key() string {
	return rt.Kind + "_" + strconv.Itoa(rt.ID)
}

// TableName возвращает имя физической таблицы.
func (rt *RecordType) TableName() string { return rt.Key() }

// EvolutionsTableName возвращает имя таблицы истории.
func (rt *RecordType) EvolutionsTableName() string { return rt.Key() + "_evolutions" }

// ViewName возвращает имя представления с колонками по varname.
func (rt *RecordType) ViewName() string { return rt.Key() + "_view" }

// Field ищет поле по идентификатору.
func (rt *RecordType) Field(id string) (*FieldDefinition, bool) {
	for i := range rt.Fields {
		if rt.Fields[i].ID == id {
			return &rt.Fields[i], true
		}
	}
	return nil, false
}

// FieldByVarname ищет поле по имени переменной.
func (rt *RecordType) FieldByVarname(varname string) (*FieldDefinition, bool) {
	if varname == "" {
		return nil, false
	}
	for i := range rt.Fields {
		if rt.Fields[i].Varname == varname {
			return &rt.Fields[i], true
		}
	}
	return nil, false
}

// FieldByColumn ищет поле по имени колонки (f<id>).
func (rt *RecordType) FieldByColumn(column string) (*FieldDefinition, bool) {
	for i := range rt.Fields {
		if rt.Fields[i].HasColumn() && rt.Fields[i].ColumnName() == column {
			return &rt.Fields[i], true
		}
	}
	return nil, false
}

// SnapshotObjectType — тип объекта в хранилище снимков.
func (rt *RecordType) SnapshotObjectType() string { return rt.Kind + "def" }

// SnapshotObjectID — идентификатор объекта в хранилище снимков.
func (rt *RecordType) SnapshotObjectID() string { return strconv.Itoa(rt.ID) }

// DisplayID формирует отображаемый идентификатор записи: <type id>-<record id>.
func (rt *RecordType) DisplayID(recordID int) string {
	return fmt.Sprintf("%d-%d", rt.ID, recordID)
}

// TypeMismatch — расхождение типа колонки.
type TypeMismatch struct {
	Got      string `json:"got"`
	Expected string `json:"expected"`
}

// IntegrityErrors — расхождения по колонкам, ключ — идентификатор поля.
type IntegrityErrors map[string]TypeMismatch
