package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/repository"
	"github.com/bigkaa/goformstore/internal/testutil/pgtest"
)

func TestMetaRepository(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	meta := repository.NewMetaRepository(pool)

	_, err := meta.Get(ctx, "absent")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, meta.Set(ctx, "tz", "Europe/Paris"))
	first, err := meta.Get(ctx, "tz")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", first.Value)

	// то же значение не меняет updated_at
	require.NoError(t, meta.Set(ctx, "tz", "Europe/Paris"))
	same, err := meta.Get(ctx, "tz")
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.Equal(same.UpdatedAt))

	require.NoError(t, meta.Set(ctx, "tz", "UTC"))
	changed, err := meta.Get(ctx, "tz")
	require.NoError(t, err)
	assert.Equal(t, "UTC", changed.Value)
	assert.False(t, changed.UpdatedAt.Before(first.UpdatedAt))

	require.NoError(t, meta.SetReindex(ctx, "fts_formdata_1", model.ReindexNeeded))
	require.NoError(t, meta.SetReindex(ctx, "aggregate", model.ReindexDone))
	require.NoError(t, meta.SetReindex(ctx, "tokens_formdata_1", model.ReindexNeeded))

	pending, err := meta.PendingReindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fts_formdata_1", "tokens_formdata_1"}, pending)

	entries, err := meta.ListPrefix(ctx, model.ReindexPrefix)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRecordTypeRepository(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	repo := repository.NewRecordTypeRepository(pool)

	rt := &model.RecordType{
		Kind: model.KindFormData,
		ID:   5,
		Name: "Demande d'acte de naissance",
		Fields: []model.FieldDefinition{
			{ID: "1", Key: model.FieldString, Label: "Nom"},
		},
	}
	require.NoError(t, repo.Save(ctx, rt))
	created := rt.UpdatedAt

	// без изменений определения updated_at сохраняется
	require.NoError(t, repo.Save(ctx, rt))
	assert.True(t, created.Equal(rt.UpdatedAt))

	got, err := repo.Get(ctx, "formdata_5")
	require.NoError(t, err)
	assert.Equal(t, rt.Name, got.Name)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, "Nom", got.Fields[0].Label)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "formdata_5", list[0].Key())

	require.NoError(t, repo.Delete(ctx, "formdata_5"))
	assert.ErrorIs(t, repo.Delete(ctx, "formdata_5"), repository.ErrNotFound)
	_, err = repo.Get(ctx, "formdata_5")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTableExists(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()

	exists, err := repository.TableExists(ctx, pool, "fs_meta")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repository.TableExists(ctx, pool, "formdata_404")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = pool.Exec(ctx, `SELECT * FROM formdata_404`)
	assert.True(t, repository.IsUndefinedTable(err))
}
