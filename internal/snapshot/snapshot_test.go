package snapshot_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/snapshot"
	"github.com/bigkaa/goformstore/internal/testutil/pgtest"
)

// definition возвращает многострочную сериализацию с заданным именем поля.
func definition(name string, fields int) string {
	var b strings.Builder
	b.WriteString("{\n")
	for i := range fields {
		fmt.Fprintf(&b, "  \"field_%d\": \"%s %d\",\n", i, name, i)
	}
	b.WriteString("  \"end\": true\n}\n")
	return b.String()
}

func TestStore_SnapRules(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	store := snapshot.New(pool, pgtest.Logger())

	base := definition("поле", 60)
	entry := snapshot.Entry{ObjectType: "formdef", ObjectID: "1", Serialization: base, UserID: "42"}

	first, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.IsComplete(), "первый снимок должен быть полным")
	require.NotNil(t, first.UserID)
	assert.Equal(t, "42", *first.UserID)

	same, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	assert.Nil(t, same, "без изменений снимок не сохраняется")

	changed := strings.Replace(base, "поле 3\"", "изменено 3\"", 1)
	entry.Serialization = changed
	patched, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, patched)
	assert.False(t, patched.IsComplete(), "небольшое изменение хранится патчем")
	require.NotNil(t, patched.Patch)

	again, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	assert.Nil(t, again, "повтор того же патча не сохраняется")

	restored, err := store.Serialization(ctx, patched)
	require.NoError(t, err)
	assert.Equal(t, changed, restored)

	entry.Serialization = definition("другое", 60)
	full, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.True(t, full.IsComplete(), "крупное изменение хранится полностью")

	entry.Label = "v1"
	labelled, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, labelled, "именованная версия сохраняется без изменений")

	history, err := store.History(ctx, "formdef", "1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, labelled.ID, history[0].ID)

	// патч по-прежнему восстанавливается от своей полной версии
	restored, err = store.Serialization(ctx, patched)
	require.NoError(t, err)
	assert.Equal(t, changed, restored)
}

func TestStore_ForceFullAndApplication(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	store := snapshot.New(pool, pgtest.Logger())

	entry := snapshot.Entry{ObjectType: "carddef", ObjectID: "7", Serialization: definition("a", 20)}
	_, err := store.Snap(ctx, entry)
	require.NoError(t, err)

	entry.ApplicationSlug = "app"
	entry.ApplicationVersion = "1.0"
	imported, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, imported, "импорт из приложения сохраняется всегда")
	require.NotNil(t, imported.ApplicationSlug)
	assert.Equal(t, "app", *imported.ApplicationSlug)

	entry.ApplicationSlug = ""
	entry.ForceFull = true
	forced, err := store.Snap(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, forced)
	assert.True(t, forced.IsComplete())
}

func TestStore_SnapDeletion(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	store := snapshot.New(pool, pgtest.Logger())

	entry := snapshot.Entry{ObjectType: "formdef", ObjectID: "9", Serialization: definition("x", 10)}
	_, err := store.Snap(ctx, entry)
	require.NoError(t, err)

	require.NoError(t, store.SnapDeletion(ctx, entry))

	latest, err := store.GetLatest(ctx, "formdef", "9", false, false)
	require.NoError(t, err)
	assert.Nil(t, latest, "удалённая сущность не видна без includeDeleted")

	latest, err = store.GetLatest(ctx, "formdef", "9", true, true)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.DeletedObject)
	require.NotNil(t, latest.Comment)
	assert.Equal(t, snapshot.CommentDeletion, *latest.Comment)
}

func TestStore_Prune(t *testing.T) {
	pool, _ := pgtest.Pool(t)
	ctx := context.Background()
	store := snapshot.New(pool, pgtest.Logger())

	old := time.Now().Add(-100 * 24 * time.Hour)
	insert := func(serialization, patch, label any) {
		_, err := pool.Exec(ctx,
			`INSERT INTO fs_snapshots (object_type, object_id, timestamp, serialization, patch, label)
			 VALUES ('formdef', '5', $1, $2, $3, $4)`,
			old, serialization, patch, label)
		require.NoError(t, err)
		old = old.Add(time.Hour)
	}
	insert("полная 1", nil, nil)
	insert(nil, "@@ -1 +1 @@\n-полная 1\n+патч\n", nil)
	insert("полная 2", nil, "релиз")
	insert("полная 3", nil, nil)

	deleted, err := store.Prune(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	left := pgtest.Count(t, pool, "fs_snapshots WHERE object_id = '5'")
	assert.Equal(t, 2, left, "остаются версия с меткой и последняя полная")

	latest, err := store.GetLatest(ctx, "formdef", "5", true, false)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "полная 3", *latest.Serialization)
}
