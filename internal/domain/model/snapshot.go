package model

import "time"

// Snapshot — неизменяемая версия определения сущности.
// Хранится в таблице fs_snapshots.
type Snapshot struct {
	// ID — идентификатор снимка
	ID int
	// ObjectType — тип сущности (formdef, carddef...)
	ObjectType string
	// ObjectID — идентификатор сущности
	ObjectID string
	// Timestamp — время создания снимка
	Timestamp time.Time
	// UserID — автор изменения (опционально)
	UserID *string
	// Comment — комментарий (опционально)
	Comment *string
	// Serialization — полная сериализация (nil для патча)
	Serialization *string
	// Patch — unified diff относительно последней полной сериализации (nil для полного снимка)
	Patch *string
	// Label — метка версии (опционально)
	Label *string
	// DeletedObject — сущность удалена
	DeletedObject bool
	// ApplicationSlug — приложение-источник (опционально)
	ApplicationSlug *string
	// ApplicationVersion — версия приложения-источника (опционально)
	ApplicationVersion *string
}

// IsComplete сообщает, содержит ли снимок полную сериализацию.
func (s *Snapshot) IsComplete() bool {
	return s.Serialization != nil
}
