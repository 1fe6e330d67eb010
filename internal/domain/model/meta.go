package model

import "time"

// MetaEntry — служебный параметр хранилища.
// Хранится в таблице fs_meta (sql_level, reindex_*).
type MetaEntry struct {
	// Key — имя параметра
	Key string
	// Value — значение
	Value string
	// CreatedAt — время создания
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения значения
	UpdatedAt time.Time
}

// Служебные ключи fs_meta.
const (
	// SQLLevelKey — номер последнего применённого шага миграции
	SQLLevelKey = "sql_level"
	// ReindexPrefix — префикс флагов отложенной переиндексации
	ReindexPrefix = "reindex_"

	ReindexNeeded = "needed"
	ReindexDone   = "done"
)

// ReindexKey возвращает ключ флага переиндексации name.
func ReindexKey(name string) string {
	return ReindexPrefix + name
}
