package repository

import (
	"strings"
	"testing"
)

// --- Тесты buildSnapshotWhere ---

// TestBuildSnapshotWhere_Default проверяет фильтр по умолчанию: без удалённых.
func TestBuildSnapshotWhere_Default(t *testing.T) {
	where, args := buildSnapshotWhere("formdef", "12", SnapshotFilter{})

	if !strings.HasPrefix(where, "WHERE object_type = $1 AND object_id = $2") {
		t.Errorf("where = %q, ожидалось начало с условий на object_type и object_id", where)
	}
	if !strings.Contains(where, "deleted_object = FALSE") {
		t.Errorf("where = %q, ожидалось исключение удалённых", where)
	}
	if strings.Contains(where, "serialization") {
		t.Errorf("where = %q, условие на serialization не ожидалось", where)
	}
	if len(args) != 2 {
		t.Errorf("args count = %d, ожидалось 2", len(args))
	}
}

// TestBuildSnapshotWhere_AllFilters проверяет нумерацию параметров со всеми фильтрами.
func TestBuildSnapshotWhere_AllFilters(t *testing.T) {
	where, args := buildSnapshotWhere("carddef", "3", SnapshotFilter{
		Complete:       true,
		IncludeDeleted: true,
		BeforeID:       42,
	})

	if !strings.Contains(where, "serialization IS NOT NULL") {
		t.Errorf("where = %q, ожидалось условие на полную сериализацию", where)
	}
	if strings.Contains(where, "deleted_object") {
		t.Errorf("where = %q, условие на deleted_object не ожидалось", where)
	}
	if !strings.Contains(where, "id < $3") {
		t.Errorf("where = %q, ожидалось 'id < $3'", where)
	}
	if len(args) != 3 || args[2] != 42 {
		t.Errorf("args = %v, ожидался третий аргумент 42", args)
	}
}

// TestIsUniqueViolation_NonPgError проверяет, что обычные ошибки не считаются конфликтом.
func TestIsUniqueViolation_NonPgError(t *testing.T) {
	if IsUniqueViolation(ErrNotFound) {
		t.Error("ErrNotFound не является нарушением уникальности")
	}
	if IsUndefinedTable(nil) {
		t.Error("nil не является ошибкой отсутствующей таблицы")
	}
}
