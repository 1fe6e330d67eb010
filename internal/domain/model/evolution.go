package model

import (
	"encoding/json"
	"time"
)

// Evolution — неизменяемая запись истории записи (переход статуса или комментарий).
// Хранится в таблице <type>_evolutions.
type Evolution struct {
	// ID — идентификатор строки (0 — ещё не сохранена)
	ID int
	// Who — автор перехода
	Who string
	// Status — статус после перехода
	Status string
	// Time — время перехода
	Time time.Time
	// LastJumpTime — время последнего перехода статуса
	LastJumpTime *time.Time
	// Comment — комментарий
	Comment string
	// Parts — дополнительные части (вложения, сообщения действий)
	Parts []Part
}

// Part — типизированная часть записи истории.
// Тег Type определяет формат Data.
type Part struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FileValue — значение файлового поля.
type FileValue struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content,omitempty"`
}
