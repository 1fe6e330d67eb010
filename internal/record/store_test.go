package record_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/database"
	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/record"
	"github.com/bigkaa/goformstore/internal/registry"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/snapshot"
	"github.com/bigkaa/goformstore/internal/testutil/pgtest"
)

func requestType() *model.RecordType {
	return &model.RecordType{
		Kind: model.KindFormData,
		ID:   4,
		Name: "Demande d'intervention",
		Fields: []model.FieldDefinition{
			{ID: "1", Key: model.FieldString, Varname: "nom", IncludeInListing: true},
			{ID: "2", Key: model.FieldItem, Varname: "quartier", StoreDisplayValue: true, StoreStructuredValue: true},
			{ID: "3", Key: model.FieldItems, Varname: "services"},
			{ID: "4", Key: model.FieldNumeric, Varname: "montant"},
			{ID: "5", Key: model.FieldDate, Varname: "date"},
			{ID: "6", Key: model.FieldBool, Varname: "urgent"},
			{ID: "7", Key: model.FieldFile, Varname: "piece"},
			{ID: "8", Key: model.FieldBlock, Varname: "enfants"},
		},
		DigestTemplates: map[string]string{"default": "{{.nom}} - {{.quartier}}"},
	}
}

// newStore регистрирует тип и возвращает его хранилище.
func newStore(t *testing.T) (*record.Store, *pgxpool.Pool) {
	t.Helper()
	pool, cfg := pgtest.Pool(t)
	runner := database.NewTxRunner(pool)
	reg := registry.New(runner, snapshot.New(runner, pgtest.Logger()), registry.Options{
		CacheSize: cfg.RegistryCacheSize,
		CacheTTL:  time.Minute,
		FTSConfig: cfg.FTSConfig,
	}, pgtest.Logger())

	_, err := reg.EnsureTable(context.Background(), requestType())
	require.NoError(t, err)
	rt, err := reg.Get(context.Background(), "formdata_4")
	require.NoError(t, err)

	return record.New(runner, rt, record.Options{
		FTSConfig:   cfg.FTSConfig,
		PhoneRegion: cfg.PhoneRegion,
		IterSize:    cfg.IterSize,
	}, pgtest.Logger()), pool
}

func sampleRecord(name string) *model.Record {
	receipt := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return &model.Record{
		Status:      "new",
		ReceiptTime: &receipt,
		Data: map[string]any{
			"1": name,
			"2": "Centre",
			"3": []string{"voirie", "eclairage"},
			"4": 12.5,
			"5": "2024-06-03",
			"6": true,
			"7": model.FileValue{Filename: "photo.jpg", ContentType: "image/jpeg", Content: []byte{1, 2, 3}},
			"8": map[string]any{"data": []any{map[string]any{"prenom": "Lea"}}},
		},
		Evolutions: []*model.Evolution{{Who: "5", Status: "new", Comment: "Lampadaire en panne"}},
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("Dupont")
	require.NoError(t, store.Store(ctx, rec))
	require.Equal(t, 1, rec.ID)
	assert.Equal(t, "4-1", rec.IDDisplay)
	assert.NotEmpty(t, rec.UUID)
	require.NotZero(t, rec.Evolutions[0].ID)

	got, err := store.Get(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "Dupont", got.Data["1"])
	assert.Equal(t, "Centre", got.Data["2_display"])
	assert.Equal(t, map[string]any{"id": "Centre", "text": "Centre"}, got.Data["2_structured"])
	assert.Equal(t, []string{"voirie", "eclairage"}, got.Data["3"])
	assert.Equal(t, json.Number("12.5"), got.Data["4"])
	assert.Equal(t, true, got.Data["6"])
	file, ok := got.Data["7"].(*model.FileValue)
	require.True(t, ok)
	assert.Equal(t, "photo.jpg", file.Filename)
	assert.Equal(t, []byte{1, 2, 3}, file.Content)
	assert.Equal(t, map[string]string{"default": "Dupont - Centre"}, got.Digests)
	require.Len(t, got.Evolutions, 1)
	assert.Equal(t, "Lampadaire en panne", got.Evolutions[0].Comment)

	day, ok := got.Data["5"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, "2024-06-03", day.Format(time.DateOnly))

	byUUID, err := store.GetByUUID(ctx, rec.UUID, false)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byUUID.ID)

	// сводная таблица и словарь обновлены триггерами
	assert.Equal(t, 1, pgtest.Count(t, pool, "fs_all_records WHERE record_type = 'formdata_4' AND record_id = 1"))
	assert.Positive(t, pgtest.Count(t, pool, "fs_search_tokens WHERE context = 'formdata_4'"))

	_, err = store.Get(ctx, 404, false)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	missing, err := store.Get(ctx, 404, true)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// rawRow возвращает строку таблицы целиком, включая fts, digests
// и last_update_time.
func rawRow(t *testing.T, pool *pgxpool.Pool, id int) string {
	t.Helper()
	var row string
	err := pool.QueryRow(context.Background(), `SELECT to_jsonb(t)::text FROM formdata_4 t WHERE id = $1`, id).Scan(&row)
	require.NoError(t, err)
	return row
}

func TestStore_NumericPrecision(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()

	for _, value := range []string{"12345678901234567.89", "9007199254740993", "0.10"} {
		t.Run(value, func(t *testing.T) {
			rec := sampleRecord("Precis")
			rec.Data["4"] = json.Number(value)
			require.NoError(t, store.Store(ctx, rec))

			got, err := store.Get(ctx, rec.ID, false)
			require.NoError(t, err)
			assert.Equal(t, json.Number(value), got.Data["4"])

			// переиндексация не теряет знаки
			_, err = store.Reindex(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, pgtest.Count(t, pool, "formdata_4 WHERE id = $1 AND f4 = $2::numeric", rec.ID, value))

			found, err := store.Select(ctx, record.Query{Criteria: []criteria.Criteria{
				criteria.Equal("f4", value, criteria.OnField(&model.FieldDefinition{ID: "4", Key: model.FieldNumeric})),
			}})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, rec.ID, found[0].ID)
		})
	}
}

func TestStore_StoreIsIdempotent(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("Lefebvre")
	rec.Data["4"] = json.Number("9007199254740993.10")
	require.NoError(t, store.Store(ctx, rec))
	first := rawRow(t, pool, rec.ID)

	require.NoError(t, store.Store(ctx, rec))
	assert.JSONEq(t, first, rawRow(t, pool, rec.ID))

	// прочитанная запись сохраняется без изменений строки
	got, err := store.Get(ctx, rec.ID, false)
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, got))
	assert.JSONEq(t, first, rawRow(t, pool, rec.ID))
	assert.Len(t, got.Evolutions, 1)
	assert.Equal(t, 1, pgtest.Count(t, pool, "formdata_4_evolutions WHERE formdata_id = $1", rec.ID))
}

// waiterFunc — Waiter из функции.
type waiterFunc func(ctx context.Context) error

func (f waiterFunc) Wait(ctx context.Context) error { return f(ctx) }

func TestStore_ReindexKeepsConcurrentWrites(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()

	for _, name := range []string{"Garcia", "Roussel"} {
		require.NoError(t, store.Store(ctx, sampleRecord(name)))
	}

	// запись 2 меняется другим соединением после выборки окна
	calls := 0
	limiter := waiterFunc(func(ctx context.Context) error {
		calls++
		if calls == 1 {
			_, err := pool.Exec(ctx, `UPDATE formdata_4 SET status = 'accepted', f1 = 'Roussel-Blanc' WHERE id = 2`)
			return err
		}
		return nil
	})
	n, err := store.Reindex(ctx, limiter)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Get(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Status)
	assert.Equal(t, "Roussel-Blanc", got.Data["1"])
	assert.Equal(t, map[string]string{"default": "Roussel-Blanc - Centre"}, got.Digests)
}

func TestStore_FailedStoreResetsEvolutionIDs(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("Fontaine")
	broken := &model.Evolution{Who: "5", Status: "new", Parts: []model.Part{
		{Type: "comment", Data: json.RawMessage(`{"text":`)},
	}}
	rec.AppendEvolution(broken)

	err := store.Store(ctx, rec)
	require.Error(t, err)
	assert.Zero(t, rec.ID)
	assert.Zero(t, rec.Evolutions[0].ID, "первая запись истории откатилась вместе с транзакцией")

	broken.Parts[0].Data = json.RawMessage(`{"text":"ok"}`)
	require.NoError(t, store.Store(ctx, rec))

	got, err := store.Get(ctx, rec.ID, false)
	require.NoError(t, err)
	require.Len(t, got.Evolutions, 2)
	assert.Equal(t, "Lampadaire en panne", got.Evolutions[0].Comment)
}

func TestStore_UpdateAppendsEvolutions(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("Martin")
	require.NoError(t, store.Store(ctx, rec))
	firstEvo := rec.Evolutions[0].ID

	rec.Status = "accepted"
	rec.Data["1"] = "Martin-Durand"
	rec.AppendEvolution(&model.Evolution{Who: "7", Status: "accepted", Parts: []model.Part{
		{Type: "comment", Data: json.RawMessage(`{"text":"pris en charge"}`)},
	}})
	require.NoError(t, store.Store(ctx, rec))
	assert.Equal(t, firstEvo, rec.Evolutions[0].ID, "сохранённая история не перезаписывается")

	got, err := store.Get(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "accepted", got.Status)
	assert.Equal(t, "Martin-Durand", got.Data["1"])
	require.Len(t, got.Evolutions, 2)
	assert.Less(t, got.Evolutions[0].ID, got.Evolutions[1].ID)
	require.Len(t, got.Evolutions[1].Parts, 1)
	assert.JSONEq(t, `{"text":"pris en charge"}`, string(got.Evolutions[1].Parts[0].Data))
}

func TestStore_WhereAndExplicitID(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("Bernard")
	require.NoError(t, store.Store(ctx, rec))

	rec.Status = "done"
	err := store.Store(ctx, rec, record.WithWhere(criteria.Equal("status", "accepted")))
	assert.ErrorIs(t, err, record.ErrNothingToUpdate)

	err = store.Store(ctx, rec, record.WithWhere(criteria.Equal("status", "new")))
	require.NoError(t, err)

	// обновление отсутствующей строки без условий вставляет её с этим ID
	replayed := sampleRecord("Petit")
	replayed.ID = 10
	require.NoError(t, store.Store(ctx, replayed))
	got, err := store.Get(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, "Petit", got.Data["1"])

	forced := sampleRecord("Roux")
	forced.ID = 11
	require.NoError(t, store.Store(ctx, forced, record.WithForceInsert()))

	// последовательность сдвинута за явные идентификаторы
	next := sampleRecord("Moreau")
	require.NoError(t, store.Store(ctx, next))
	assert.Equal(t, 12, next.ID)

	dup := sampleRecord("Double")
	dup.ID = 11
	err = store.Store(ctx, dup, record.WithForceInsert())
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestStore_SelectAndCount(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for i, name := range []string{"Alpha", "Bravo", "Charlie", "Delta", "Echo"} {
		rec := sampleRecord(name)
		if i%2 == 1 {
			rec.Status = "done"
		}
		rec.Data["4"] = float64(i)
		require.NoError(t, store.Store(ctx, rec))
	}

	records, err := store.Select(ctx, record.Query{
		Criteria: []criteria.Criteria{criteria.Equal("status", "new")},
		OrderBy:  "-f4",
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Echo", records[0].Data["1"])

	records, err = store.Select(ctx, record.Query{OrderBy: "id", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].ID)

	// критерий только в памяти: страница считается после фильтрации
	fromCharlie := criteria.Func("имя не раньше Charlie", func(g criteria.Getter) bool {
		v, _ := g.Value("f1")
		s, _ := v.(string)
		return s >= "Charlie"
	})
	records, err = store.Select(ctx, record.Query{
		Criteria: []criteria.Criteria{fromCharlie},
		Limit:    2,
		Offset:   1,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Delta", records[0].Data["1"])
	assert.Equal(t, "Echo", records[1].Data["1"])

	n, err := store.Count(ctx, criteria.Equal("status", "done"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = store.Count(ctx, fromCharlie)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err := store.Exists(ctx, criteria.Equal("f1", "Bravo"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, criteria.Equal("f1", "Zulu"))
	require.NoError(t, err)
	assert.False(t, ok)

	// полнотекстовый критерий и сортировка по релевантности
	records, err = store.Select(ctx, record.Query{
		Criteria: []criteria.Criteria{criteria.FtsMatch("charlie", criteria.WithConfig("french"))},
		OrderBy:  criteria.OrderRank,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Charlie", records[0].Data["1"])
}

func TestStore_SelectIterator(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, store.Store(ctx, sampleRecord(name)))
	}

	var ids []int
	for rec, err := range store.SelectIterator(ctx, record.Query{}) {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, ids)

	ids = nil
	for rec, err := range store.SelectIterator(ctx, record.Query{OrderBy: "-id", Offset: 1, Limit: 4}) {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []int{6, 5, 4, 3}, ids)

	ids = nil
	for rec, err := range store.SelectIterator(ctx, record.Query{}) {
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		if len(ids) == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, ids)

	for _, err := range store.SelectIterator(ctx, record.Query{OrderBy: "status"}) {
		assert.ErrorIs(t, err, record.ErrIteratorOrder)
	}
}

func TestStore_RemoveWipeReindex(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()

	for _, name := range []string{"Un", "Deux", "Trois"} {
		require.NoError(t, store.Store(ctx, sampleRecord(name)))
	}

	removed, err := store.RemoveObject(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.RemoveObject(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, pgtest.Count(t, pool, "formdata_4_evolutions WHERE formdata_id = 1"))
	assert.Equal(t, 2, pgtest.Count(t, pool, "fs_all_records WHERE record_type = 'formdata_4'"))

	_, err = pool.Exec(ctx, `UPDATE formdata_4 SET fts = NULL, digests = NULL`)
	require.NoError(t, err)
	n, err := store.Reindex(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, pgtest.Count(t, pool, "formdata_4 WHERE fts IS NULL OR digests IS NULL"))

	require.NoError(t, store.Wipe(ctx, false))
	assert.Zero(t, pgtest.Count(t, pool, "formdata_4"))
	assert.Zero(t, pgtest.Count(t, pool, "fs_all_records WHERE record_type = 'formdata_4'"))

	rec := sampleRecord("Après")
	require.NoError(t, store.Store(ctx, rec))
	assert.Equal(t, 1, rec.ID, "идентификаторы начинаются заново")

	require.NoError(t, store.Wipe(ctx, true))
	assert.False(t, pgtest.TableExists(t, pool, "formdata_4"))
	assert.Zero(t, pgtest.Count(t, pool, "fs_all_records WHERE record_type = 'formdata_4'"))
}
