package model

import "strings"

// FieldKey — тип поля схемы, определяет тип физической колонки.
type FieldKey string

// Поддерживаемые типы полей.
const (
	FieldString    FieldKey = "string"
	FieldItem      FieldKey = "item"
	FieldEmail     FieldKey = "email"
	FieldText      FieldKey = "text"
	FieldBool      FieldKey = "bool"
	FieldNumeric   FieldKey = "numeric"
	FieldDate      FieldKey = "date"
	FieldFile      FieldKey = "file"
	FieldItems     FieldKey = "items"
	FieldBlock     FieldKey = "block"
	FieldComputed  FieldKey = "computed"
	FieldMap       FieldKey = "map"
	FieldTimeRange FieldKey = "time-range"

	// Поля разметки — без колонки.
	FieldTitle    FieldKey = "title"
	FieldSubtitle FieldKey = "subtitle"
	FieldComment  FieldKey = "comment"
	FieldPage     FieldKey = "page"
)

// FieldDefinition — описание одного поля схемы типа записей.
// Передаётся владельцем схемы (редактор формы/карточки).
type FieldDefinition struct {
	// ID — стабильный идентификатор поля, уникален в пределах схемы
	ID string `json:"id" yaml:"id" validate:"required,max=64,fieldid"`
	// Key — тип поля
	Key FieldKey `json:"key" yaml:"key" validate:"required,oneof=string item email text bool numeric date file items block computed map time-range title subtitle comment page"`
	// Label — подпись поля
	Label string `json:"label,omitempty" yaml:"label"`
	// Varname — имя переменной (опционально), используется в дайджестах и представлениях
	Varname string `json:"varname,omitempty" yaml:"varname" validate:"omitempty,max=64,varname"`
	// StoreDisplayValue — хранить ли отображаемое значение в колонке _display
	StoreDisplayValue bool `json:"store_display_value,omitempty" yaml:"store_display_value"`
	// StoreStructuredValue — хранить ли структурированное значение в колонке _structured
	StoreStructuredValue bool `json:"store_structured_value,omitempty" yaml:"store_structured_value"`
	// IncludeInListing — поле показывается в списках (вес B в полнотекстовом векторе)
	IncludeInListing bool `json:"include_in_listing,omitempty" yaml:"include_in_listing"`
	// Required — обязательное поле
	Required bool `json:"required,omitempty" yaml:"required"`
}

// ColumnName возвращает имя колонки поля: 'f' + id, '-' заменяется на '_'.
func (f FieldDefinition) ColumnName() string {
	return "f" + strings.ToLower(strings.ReplaceAll(f.ID, "-", "_"))
}

// DisplayColumnName возвращает имя колонки отображаемого значения.
func (f FieldDefinition) DisplayColumnName() string {
	return f.ColumnName() + "_display"
}

// StructuredColumnName возвращает имя колонки структурированного значения.
func (f FieldDefinition) StructuredColumnName() string {
	return f.ColumnName() + "_structured"
}

// HasColumn сообщает, есть ли у поля физическая колонка.
func (f FieldDefinition) HasColumn() bool {
	switch f.Key {
	case FieldTitle, FieldSubtitle, FieldComment, FieldPage:
		return false
	}
	return true
}

// DataKey возвращает ключ значения в Record.Data.
func (f FieldDefinition) DataKey() string { return f.ID }

// DisplayKey возвращает ключ отображаемого значения в Record.Data.
func (f FieldDefinition) DisplayKey() string { return f.ID + "_display" }

// StructuredKey возвращает ключ структурированного значения в Record.Data.
func (f FieldDefinition) StructuredKey() string { return f.ID + "_structured" }
