package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
)

// partEnvelope — часть истории в колонке parts.
type partEnvelope struct {
	V    int             `json:"v"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodeParts(parts []model.Part) ([]byte, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	out := make([]partEnvelope, len(parts))
	for i, p := range parts {
		out[i] = partEnvelope{V: envelopeVersion, Type: p.Type, Data: p.Data}
	}
	return json.Marshal(out)
}

func decodeParts(raw []byte) ([]model.Part, error) {
	if raw == nil {
		return nil, nil
	}
	var envs []partEnvelope
	if err := json.Unmarshal(raw, &envs); err != nil {
		return nil, err
	}
	parts := make([]model.Part, 0, len(envs))
	for _, env := range envs {
		if env.V != envelopeVersion {
			return nil, fmt.Errorf("неподдерживаемая версия части %q: %d", env.Type, env.V)
		}
		parts = append(parts, model.Part{Type: env.Type, Data: env.Data})
	}
	return parts, nil
}

// unsavedEvolutions возвращает записи истории, ещё не сохранённые в таблицу.
func unsavedEvolutions(rec *model.Record) []*model.Evolution {
	var out []*model.Evolution
	for _, evo := range rec.Evolutions {
		if evo.ID == 0 {
			out = append(out, evo)
		}
	}
	return out
}

// saveEvolutions добавляет несохранённые записи истории.
// Записи с присвоенным ID не перезаписываются.
func saveEvolutions(ctx context.Context, db repository.DBTX, table string, rec *model.Record) error {
	query := `INSERT INTO ` + ident(table) + ` (formdata_id, who, status, time, last_jump_datetime, comment, parts)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`

	for _, evo := range rec.Evolutions {
		if evo.ID != 0 {
			continue
		}
		if evo.Time.IsZero() {
			evo.Time = time.Now()
		}
		parts, err := encodeParts(evo.Parts)
		if err != nil {
			return fmt.Errorf("ошибка сериализации частей истории: %w", err)
		}
		err = db.QueryRow(ctx, query,
			rec.ID, nullString(evo.Who), nullString(evo.Status), evo.Time,
			evo.LastJumpTime, nullString(evo.Comment), parts,
		).Scan(&evo.ID)
		if err != nil {
			return fmt.Errorf("ошибка сохранения истории записи %d: %w", rec.ID, err)
		}
	}
	return nil
}

// loadEvolutions читает историю записей ids, сгруппированную по записи
// и упорядоченную по id.
func loadEvolutions(ctx context.Context, db repository.DBTX, table string, ids []int) (map[int][]*model.Evolution, error) {
	out := make(map[int][]*model.Evolution, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT id, formdata_id, who, status, time, last_jump_datetime, comment, parts
		FROM ` + ident(table) + ` WHERE formdata_id = ANY($1) ORDER BY id`

	rows, err := db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения истории из %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			evo                  model.Evolution
			recordID             int
			who, status, comment pgtype.Text
			at                   pgtype.Timestamptz
			parts                []byte
		)
		if err := rows.Scan(&evo.ID, &recordID, &who, &status, &at, &evo.LastJumpTime, &comment, &parts); err != nil {
			return nil, fmt.Errorf("ошибка сканирования истории: %w", err)
		}
		evo.Who, evo.Status, evo.Comment = who.String, status.String, comment.String
		evo.Time = at.Time
		if evo.Parts, err = decodeParts(parts); err != nil {
			return nil, fmt.Errorf("история %d: %w", evo.ID, err)
		}
		out[recordID] = append(out[recordID], &evo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения истории из %s: %w", table, err)
	}
	return out, nil
}

// attachEvolutions загружает историю для набора записей.
func attachEvolutions(ctx context.Context, db repository.DBTX, table string, records []*model.Record) error {
	ids := make([]int, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	evolutions, err := loadEvolutions(ctx, db, table, ids)
	if err != nil {
		return err
	}
	for _, r := range records {
		r.Evolutions = evolutions[r.ID]
	}
	return nil
}
