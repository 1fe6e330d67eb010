package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/criteria"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"tari", "tarif", 1},
		{"tarif", "tari", 1},
		{"kitten", "sitting", 3},
		{"éte", "ete", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, levenshtein(tt.a, tt.b))
		})
	}
}

func TestVector_SQL(t *testing.T) {
	v := NewVector()
	v.Add(WeightA, "12", "12-12")
	v.Add(WeightC, "Élodie", "  ")
	v.AddPhones(WeightD, "tel 01 23 45 67 89", "FR")

	args := criteria.NewArgs()
	sql := v.SQL("french", args)

	assert.Equal(t,
		"setweight(to_tsvector($1::regconfig, $2), 'A') || setweight(to_tsvector($1::regconfig, $3), 'C') || setweight(to_tsvector($1::regconfig, $4), 'D')",
		sql)
	assert.Equal(t, []any{"french", "12 12-12", "Elodie", "+33123456789"}, args.Values())
	assert.Empty(t, v.Text(WeightB))
}

func TestVector_Empty(t *testing.T) {
	v := NewVector()
	v.Add(WeightB, "", " ")
	assert.True(t, v.Empty())

	args := criteria.NewArgs()
	assert.Equal(t, "''::tsvector", v.SQL("french", args))
	assert.Zero(t, args.Len())
}

// fakeTokens — словарь токенов в памяти. Лексемы — слова в нижнем регистре,
// похожие токены — общий префикс из трёх букв.
type fakeTokens struct {
	byContext map[string][]string
	fail      error
}

func (f *fakeTokens) Lexemes(_ context.Context, _ string, text string) ([]string, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return strings.Fields(strings.ToLower(text)), nil
}

func (f *fakeTokens) Exists(_ context.Context, token, scope string) (bool, error) {
	for _, t := range f.byContext[scope] {
		if t == token {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTokens) Similar(_ context.Context, token, scope string, limit int) ([]string, error) {
	var out []string
	for _, t := range f.byContext[scope] {
		if len(token) >= 3 && len(t) >= 3 && t[:3] == token[:3] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestExpander_Expand(t *testing.T) {
	tokens := &fakeTokens{byContext: map[string][]string{
		"X": {"tarif", "cantine", "zzz999zzzz", "tarification", "tarifaire"},
	}}
	e := NewExpander(tokens, "french", "FR", testLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"точное совпадение", "tarif", "'tarif'"},
		{"опечатка", "tari", "('tarif' | 'tarifaire' | 'tarification')"},
		{"несколько слов через AND", "tarif cantine", "'tarif' & 'cantine'"},
		{"повтор слова", "tarif tarif", "'tarif'"},
		{"числовой токен не расширяется", "zzz999zzz", "'zzz999zzz'"},
		{"ничего похожего", "piscine", "'piscine'"},
		{"диакритика", "Tarîf", "'tarif'"},
		{"пустой запрос", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Expand(ctx, tt.query, "X")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpander_OtherContext(t *testing.T) {
	tokens := &fakeTokens{byContext: map[string][]string{"X": {"tarif"}}}
	e := NewExpander(tokens, "french", "FR", testLogger())

	got, err := e.Expand(context.Background(), "tari", "Y")
	require.NoError(t, err)
	assert.Equal(t, "'tari'", got, "токены другого контекста не используются")
}

func TestExpander_Error(t *testing.T) {
	errDB := errors.New("нет соединения")
	e := NewExpander(&fakeTokens{fail: errDB}, "french", "FR", testLogger())

	_, err := e.Expand(context.Background(), "tarif", "X")
	assert.ErrorIs(t, err, errDB)
}

func TestRankByDistance(t *testing.T) {
	candidates := []string{"tarification", "tarifs", "tarif"}
	rankByDistance("tari", candidates)
	assert.Equal(t, []string{"tarif", "tarifs", "tarification"}, candidates)
}

func TestQuoteLexeme(t *testing.T) {
	assert.Equal(t, `'l''ecole'`, quoteLexeme("l'ecole"))
	assert.Equal(t, `'a\\b'`, quoteLexeme(`a\b`))
}
