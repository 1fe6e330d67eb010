package model

import "time"

// CriticalityOffset — сдвиг уровня критичности при хранении.
// 0 означает «не задан», иначе хранится CriticalityOffset + уровень,
// так что при сортировке по убыванию самые критичные записи идут первыми.
const CriticalityOffset = 100

// Geoloc — координаты записи.
type Geoloc struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Record — одна строка физической таблицы типа записей.
type Record struct {
	// ID — суррогатный числовой идентификатор (0 — запись ещё не сохранена)
	ID int
	// UUID — глобальный идентификатор записи
	UUID string
	// IDDisplay — отображаемый идентификатор (<type id>-<id>)
	IDDisplay string
	// UserID — идентификатор пользователя-владельца (опционально)
	UserID *string
	// ReceiptTime — время поступления
	ReceiptTime *time.Time
	// LastUpdateTime — время последнего изменения
	LastUpdateTime *time.Time
	// Anonymised — время анонимизации (nil — не анонимизирована)
	Anonymised *time.Time
	// Status — текущий статус
	Status string
	// SubmissionChannel — канал подачи (web, mail, phone...)
	SubmissionChannel string
	// CriticalityLevel — сдвинутый уровень критичности (см. CriticalityOffset)
	CriticalityLevel int
	// ConcernedRoles — роли, которых касается запись
	ConcernedRoles []string
	// ActionRoles — роли, которые могут действовать над записью
	ActionRoles []string
	// WorkflowData — данные рабочего процесса
	WorkflowData map[string]any
	// Digests — кэш дайджестов (имя → строка)
	Digests map[string]string
	// Geoloc — координаты (опционально)
	Geoloc *Geoloc
	// Data — значения полей: ключи <field id>, <field id>_display, <field id>_structured
	Data map[string]any
	// Evolutions — история в порядке добавления
	Evolutions []*Evolution
}

// SetCriticalityLevel задаёт уровень критичности (0 — наименее критичный).
// Отрицательное значение сбрасывает уровень.
func (r *Record) SetCriticalityLevel(level int) {
	if level < 0 {
		r.CriticalityLevel = 0
		return
	}
	r.CriticalityLevel = CriticalityOffset + level
}

// CriticalityLevelValue возвращает несдвинутый уровень и признак его наличия.
func (r *Record) CriticalityLevelValue() (int, bool) {
	if r.CriticalityLevel < CriticalityOffset {
		return 0, false
	}
	return r.CriticalityLevel - CriticalityOffset, true
}

// LastEvolution возвращает последнюю запись истории или nil.
func (r *Record) LastEvolution() *Evolution {
	if len(r.Evolutions) == 0 {
		return nil
	}
	return r.Evolutions[len(r.Evolutions)-1]
}

// AppendEvolution добавляет запись истории (сохраняется при следующем store).
func (r *Record) AppendEvolution(evo *Evolution) {
	r.Evolutions = append(r.Evolutions, evo)
}

// FieldValue возвращает значение поля по идентификатору.
func (r *Record) FieldValue(fieldID string) (any, bool) {
	if r.Data == nil {
		return nil, false
	}
	v, ok := r.Data[fieldID]
	return v, ok
}

// Attribute возвращает значение фиксированной колонки по имени.
func (r *Record) Attribute(name string) (any, bool) {
	switch name {
	case "id":
		return r.ID, true
	case "uuid":
		return r.UUID, true
	case "id_display":
		return r.IDDisplay, true
	case "user_id":
		if r.UserID == nil {
			return nil, true
		}
		return *r.UserID, true
	case "receipt_time":
		return timeOrNil(r.ReceiptTime), true
	case "last_update_time":
		return timeOrNil(r.LastUpdateTime), true
	case "anonymised":
		return timeOrNil(r.Anonymised), true
	case "status":
		return r.Status, true
	case "submission_channel":
		return r.SubmissionChannel, true
	case "criticality_level":
		return r.CriticalityLevel, true
	case "concerned_roles_array":
		return r.ConcernedRoles, true
	case "actions_roles_array":
		return r.ActionRoles, true
	}
	return nil, false
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
