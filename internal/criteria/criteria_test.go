package criteria

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

var (
	numericField  = &model.FieldDefinition{ID: "1", Key: model.FieldNumeric}
	stringField   = &model.FieldDefinition{ID: "2", Key: model.FieldString}
	itemsField    = &model.FieldDefinition{ID: "3", Key: model.FieldItems}
	computedField = &model.FieldDefinition{ID: "4", Key: model.FieldComputed}
	dateField     = &model.FieldDefinition{ID: "5", Key: model.FieldDate}
	blockField    = &model.FieldDefinition{ID: "7", Key: model.FieldBlock}
	subString     = &model.FieldDefinition{ID: "b1", Key: model.FieldString}
	subNumeric    = &model.FieldDefinition{ID: "b2", Key: model.FieldNumeric}
	subBool       = &model.FieldDefinition{ID: "b3", Key: model.FieldBool}
)

func decimal(t *testing.T, s string) pgtype.Numeric {
	t.Helper()
	var n pgtype.Numeric
	require.NoError(t, n.Scan(s))
	return n
}

func TestCriteria_SQL(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		criteria Criteria
		wantSQL  string
		wantArgs []any
	}{
		{"равенство", Equal("status", "wf-new"), "status = $1", []any{"wf-new"}},
		{"неравенство включает NULL", NotEqual("status", "wf-new"), "(status IS NULL OR status != $1)", []any{"wf-new"}},
		{"строгое неравенство", StrictNotEqual("status", "wf-new"), "status != $1", []any{"wf-new"}},
		{"равенство NULL", Equal("user_id", nil), "user_id IS NULL", nil},
		{"неравенство NULL", NotEqual("user_id", nil), "user_id IS NOT NULL", nil},
		{"меньше NULL", Less("receipt_time", nil), "FALSE", nil},
		{"пустой массив", Equal("concerned_roles_array", []string{}), "ARRAY_LENGTH(concerned_roles_array, 1) IS NULL", nil},
		{"интервал", Between("receipt_time", t1, t2), "receipt_time >= $1 AND receipt_time < $2", []any{t1, t2}},
		{"дефис в имени атрибута", Equal("last-update-time", t1), "last_update_time = $1", []any{t1}},
		{"id из строки", Equal("id", "12"), "id = $1", []any{int64(12)}},
		{"id не число", Equal("id", "abc"), "FALSE", nil},
		{"числовое поле", Less("f1", "3.5", OnField(numericField)), "f1 < $1::numeric", []any{decimal(t, "3.5")}},
		{
			"числовое поле: точное значение",
			Equal("f1", "9007199254740993", OnField(numericField)),
			"f1 = $1::numeric",
			[]any{decimal(t, "9007199254740993")},
		},
		{
			"числовое поле: интервал",
			Between("f1", 1, "12345678901234567.89", OnField(numericField)),
			"f1 >= $1::numeric AND f1 < $2::numeric",
			[]any{decimal(t, "1"), decimal(t, "12345678901234567.89")},
		},
		{"числовое поле: IN", Contains("f1", Values([]string{"0.10"}), OnField(numericField)), "f1 IN ($1::numeric)", []any{decimal(t, "0.10")}},
		{"числовое поле не число", Less("f1", "abc", OnField(numericField)), "FALSE", nil},
		{"дата из строки", GreaterOrEqual("f5", "2024-01-01", OnField(dateField)), "f5 >= $1", []any{t1}},
		{"строковое поле и целое: равенство", Equal("f2", 12, OnField(stringField)), "f2 = $1", []any{"12"}},
		{
			"строковое поле и целое: сравнение",
			Greater("f2", 12, OnField(stringField)),
			"(CASE WHEN f2 ~ '^[0-9]{1,9}$' THEN f2::int ELSE NULL END) > $1",
			[]any{12},
		},
		{
			"элементы массива",
			Equal("f3", "a", OnField(itemsField)),
			"EXISTS(SELECT 1 FROM UNNEST(COALESCE(f3, ARRAY[]::text[])) bb(aa) WHERE aa = $1)",
			[]any{"a"},
		},
		{
			"элементы массива: неравенство",
			NotEqual("f3", "a", OnField(itemsField)),
			"NOT EXISTS(SELECT 1 FROM UNNEST(COALESCE(f3, ARRAY[]::text[])) bb(aa) WHERE aa = $1)",
			[]any{"a"},
		},
		{
			"элементы массива: целое",
			Equal("f3", 3, OnField(itemsField)),
			"EXISTS(SELECT 1 FROM UNNEST(CASE WHEN array_to_string(f3, '') ~ '^[0-9]+$' THEN f3::int[] ELSE ARRAY[]::int[] END) bb(aa) WHERE aa = $1)",
			[]any{3},
		},
		{
			"элементы массива: интервал",
			Between("f3", "a", "c", OnField(itemsField)),
			"EXISTS(SELECT 1 FROM UNNEST(COALESCE(f3, ARRAY[]::text[])) bb(aa) WHERE aa >= $1 AND aa < $2)",
			[]any{"a", "c"},
		},
		{"вычисляемое поле", Equal("f4", 5, OnField(computedField)), "f4->>'data' = $1", []any{"5"}},
		{
			"подполе блока: jsonpath",
			Equal("b1", "x", OnField(subString), OnBlockField(blockField)),
			"f7 @? $1::jsonpath",
			[]any{`$.data[*]."b1"[*] ? (@ == "x")`},
		},
		{
			"подполе блока: целое в строковом подполе",
			Greater("b1", 12, OnField(subString), OnBlockField(blockField)),
			"f7 @? $1::jsonpath",
			[]any{`$.data[*]."b1"[*] ? (@ > 12 || (@ > "12" && @ like_regex "^\\d+$"))`},
		},
		{
			"подполе блока: число",
			LessOrEqual("b2", "12.50", OnField(subNumeric), OnBlockField(blockField)),
			"f7 @? $1::jsonpath",
			[]any{`$.data[*]."b2"[*] ? (@ <= 12.50)`},
		},
		{
			"подполе блока: неравенство",
			NotEqual("b1", "x", OnField(subString), OnBlockField(blockField)),
			"NOT EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) WHERE aa->>'b1' = $1)",
			[]any{"x"},
		},
		{
			"подполе блока: логическое",
			Equal("b3", "true", OnField(subBool), OnBlockField(blockField)),
			"EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) WHERE (aa->>'b3')::bool = $1)",
			[]any{true},
		},
		{
			"подполе блока: целое и интервал",
			Between("b1", 1, 10, OnField(subString), OnBlockField(blockField)),
			"EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) " +
				"WHERE (CASE WHEN aa->>'b1' ~ '^[0-9]{1,9}$' THEN (aa->>'b1')::int ELSE NULL END) >= $1 " +
				"AND (CASE WHEN aa->>'b1' ~ '^[0-9]{1,9}$' THEN (aa->>'b1')::int ELSE NULL END) < $2)",
			[]any{1, 10},
		},
		{
			"подполе блока: без учёта регистра",
			IEqual("b1", "ABC", OnField(subString), OnBlockField(blockField)),
			"EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) WHERE LOWER(aa->>'b1') = $1)",
			[]any{"abc"},
		},
		{
			"подполе блока: NULL",
			Equal("b1", nil, OnField(subString), OnBlockField(blockField)),
			"NOT EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) WHERE aa->>'b1' IS NOT NULL)",
			nil,
		},
		{
			"подполе блока: IN",
			Contains("b1", Values([]int{1, 2}), OnField(subString), OnBlockField(blockField)),
			"EXISTS(SELECT 1 FROM jsonb_array_elements(f7->'data') AS datas(aa) WHERE aa->>'b1' IN ($1, $2))",
			[]any{"1", "2"},
		},
		{"без учёта регистра", IEqual("status", "ABC"), "LOWER(status) = $1", []any{"abc"}},
		{"подстрока", ILike("status", "50%_x"), "status ILIKE $1", []any{`%50\%\_x%`}},
		{"IN", Contains("status", Values([]string{"a", "b"})), "status IN ($1, $2)", []any{"a", "b"}},
		{"IN пустой", Contains("status", nil), "FALSE", nil},
		{"NOT IN пустой", NotContains("status", nil), "TRUE", nil},
		{"NOT IN", NotContains("status", Values([]string{"a"})), "status NOT IN ($1)", []any{"a"}},
		{"IN по массиву", Contains("concerned_roles_array", Values([]string{"r1"})), "concerned_roles_array && $1", []any{[]string{"r1"}}},
		{
			"IN по элементам",
			Contains("f3", Values([]string{"a", "b"}), OnField(itemsField)),
			"EXISTS(SELECT 1 FROM UNNEST(COALESCE(f3, ARRAY[]::text[])) bb(aa) WHERE aa IN ($1, $2))",
			[]any{"a", "b"},
		},
		{"пересечение пустое", Intersects("actions_roles_array", nil), "ARRAY_LENGTH(actions_roles_array, 1) IS NULL", nil},
		{"пересечение", Intersects("actions_roles_array", []string{"r"}), "actions_roles_array && $1", []any{[]string{"r"}}},
		{"вхождение массива", ArrayContains("concerned_roles_array", []string{"r"}), "concerned_roles_array @> $1", []any{[]string{"r"}}},
		{"NULL", Null("user_id"), "user_id IS NULL", nil},
		{"NOT NULL", NotNull("user_id"), "user_id IS NOT NULL", nil},
		{"пустой Or", Or(), "( FALSE )", nil},
		{"пустой And", And(), "( TRUE )", nil},
		{
			"And",
			And(Equal("status", "a"), Equal("user_id", "u")),
			"( status = $1 AND user_id = $2 )",
			[]any{"a", "u"},
		},
		{
			"Or",
			Or(Equal("status", "a"), Null("user_id")),
			"( status = $1 OR user_id IS NULL )",
			[]any{"a"},
		},
		{"Not", Not(Equal("status", "a")), "NOT ( status = $1 )", []any{"a"}},
		{"ничего", Nothing(), "FALSE", nil},
		{"ключ jsonb", ElementEqual("workflow_data", "k", "v"), "workflow_data->>$1 = $2", []any{"k", "v"}},
		{"ключ jsonb ILIKE", ElementILike("workflow_data", "k", "v"), "workflow_data->>$1 ILIKE $2", []any{"k", "%v%"}},
		{"ключ jsonb пересечение пустое", ElementIntersects("workflow_data", "k", nil), "FALSE", nil},
		{
			"ключ jsonb пересечение",
			ElementIntersects("workflow_data", "k", []string{"a"}),
			"EXISTS(SELECT 1 FROM jsonb_array_elements_text(workflow_data->$1) foo WHERE foo = ANY($2))",
			[]any{"k", []string{"a"}},
		},
		{
			"префикс элемента массива",
			ArrayPrefixMatch("concerned_roles_array", "ab_"),
			"EXISTS(SELECT 1 FROM UNNEST(concerned_roles_array) v WHERE v LIKE $1)",
			[]any{`ab\_%`},
		},
		{
			"полнотекстовый запрос",
			FtsMatch("Éléphant", WithConfig("french")),
			"fts @@ plainto_tsquery($1::regconfig, $2)",
			[]any{"french", "Elephant"},
		},
		{"готовый tsquery", TsQueryMatch("'tarif'"), "fts @@ $1::tsquery", []any{"'tarif'"}},
		{"пустой tsquery", TsQueryMatch(""), "FALSE", nil},
		{
			"расстояние",
			Distance(model.Geoloc{Lat: 48.85, Lon: 2.35}, 1000),
			"(111300 * SQRT(POWER((auto_geoloc[0] - $1::float8) * COS((auto_geoloc[1] + $2::float8) / 2 * 0.01745), 2) + POWER(auto_geoloc[1] - $2::float8, 2))) < $3::float8",
			[]any{2.35, 48.85, 1000.0},
		},
		{
			"таймаут статуса",
			StatusReachedTimeout("formdata_1", []string{"wf-1"}, 3),
			"EXISTS(SELECT 1 FROM formdata_1_evolutions WHERE formdata_1_evolutions.formdata_id = formdata_1.id AND formdata_1_evolutions.status = ANY($1) AND formdata_1_evolutions.time <= NOW() - $2::int * interval '1 day')",
			[]any{[]string{"wf-1"}, 3},
		},
		{"таймаут без статусов", StatusReachedTimeout("formdata_1", nil, 3), "FALSE", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := NewArgs()
			sql, err := tt.criteria.SQL(args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			if tt.wantArgs == nil {
				assert.Empty(t, args.Values())
			} else {
				assert.Equal(t, tt.wantArgs, args.Values())
			}
		})
	}
}

func TestCriteria_InvalidAttribute(t *testing.T) {
	for _, c := range []Criteria{
		Equal("status; DROP TABLE x", 1),
		Contains("a b", Values([]int{1})),
		Null("Status"),
		StatusReachedTimeout("formdata_1; --", []string{"x"}, 1),
		Equal("b1", "x", OnBlockField(blockField)),
		Equal("b1", "x", OnField(&model.FieldDefinition{ID: "b'1", Key: model.FieldString}), OnBlockField(blockField)),
		ILike("b1", "x", OnField(subString), OnBlockField(blockField)),
	} {
		_, err := c.SQL(NewArgs())
		assert.ErrorIs(t, err, ErrInvalidAttribute)
	}
}

func TestCompile(t *testing.T) {
	isOdd := Func("нечётный id", func(r Getter) bool {
		v, _ := r.Value("id")
		return v.(int)%2 == 1
	})

	args := NewArgs("занятый")
	compiled, err := Compile([]Criteria{
		Equal("status", "a"),
		isOdd,
		And(Equal("user_id", "u"), isOdd),
		Null("anonymised"),
	}, args)
	require.NoError(t, err)

	assert.Equal(t, "status = $2 AND anonymised IS NULL", compiled.Where)
	assert.Equal(t, []any{"занятый", "a"}, args.Values(), "параметры отклонённого And должны быть удалены")
	require.Len(t, compiled.Residual, 2)

	ok, err := Matches(compiled.Residual, MapGetter{"id": 3, "user_id": "u"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Matches(compiled.Residual, MapGetter{"id": 3, "user_id": "v"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompile_Empty(t *testing.T) {
	compiled, err := Compile(nil, NewArgs())
	require.NoError(t, err)
	assert.Empty(t, compiled.Where)
	assert.Empty(t, compiled.Residual)
}

func TestCompile_InvalidAttribute(t *testing.T) {
	_, err := Compile([]Criteria{Equal("x'", 1)}, NewArgs())
	assert.ErrorIs(t, err, ErrInvalidAttribute)
}

func TestCriteria_Match(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	record := MapGetter{
		"id":                    7,
		"status":                "wf-new",
		"f1":                    12.5,
		"f2":                    "12",
		"f3":                    []string{"a", "b"},
		"receipt_time":          t1,
		"user_id":               nil,
		"concerned_roles_array": []string{"r1", "r2"},
		"actions_roles_array":   []string(nil),
		"workflow_data":         map[string]any{"k": "Valeur", "list": []any{"x", "y"}},
		"auto_geoloc":           &model.Geoloc{Lat: 48.85, Lon: 2.35},
		"f6":                    json.Number("9007199254740993"),
		"f7": map[string]any{"data": []any{
			map[string]any{"b1": "12", "b2": 12.5, "b3": true},
			map[string]any{"b1": "Dupont", "b2": "0.10"},
		}},
	}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"равенство", Equal("status", "wf-new"), true},
		{"равенство другому", Equal("status", "wf-done"), false},
		{"неравенство", NotEqual("status", "wf-done"), true},
		{"строгое неравенство при NULL", StrictNotEqual("user_id", "u"), false},
		{"неравенство при NULL", NotEqual("user_id", "u"), true},
		{"равенство NULL", Equal("user_id", nil), true},
		{"отсутствующая дата меньше любой", Less("anonymised", t1), true},
		{"отсутствующая строка", Equal("submission_channel", ""), true},
		{"отсутствующее число меньше любого", Less("missing", -1000), true},
		{"строка сравнивается с числом", Equal("f2", 12, OnField(stringField)), true},
		{"число со строкой", Greater("f1", "12", OnField(numericField)), true},
		{"неприводимая строка не совпадает", Less("f1", "abc", OnField(numericField)), false},
		{"точное число: соседнее значение", Equal("f6", "9007199254740992", OnField(numericField)), false},
		{"точное число: равенство", Equal("f6", json.Number("9007199254740993"), OnField(numericField)), true},
		{"точное число: больше", Greater("f6", int64(9007199254740992), OnField(numericField)), true},
		{"точное число: IN", Contains("f6", Values([]string{"9007199254740993.0"}), OnField(numericField)), true},
		{"подполе блока: равенство", Equal("b1", "Dupont", OnField(subString), OnBlockField(blockField)), true},
		{"подполе блока: целое", Greater("b1", 11, OnField(subString), OnBlockField(blockField)), true},
		{"подполе блока: число из строки", Less("b2", "0.2", OnField(subNumeric), OnBlockField(blockField)), true},
		{"подполе блока: интервал", Between("b2", 12.5, 13, OnField(subNumeric), OnBlockField(blockField)), true},
		{"подполе блока: логическое", Equal("b3", true, OnField(subBool), OnBlockField(blockField)), true},
		{"подполе блока: неравенство", NotEqual("b1", "Dupont", OnField(subString), OnBlockField(blockField)), false},
		{"подполе блока: неравенство отсутствующему", NotEqual("b1", "Martin", OnField(subString), OnBlockField(blockField)), true},
		{"подполе блока: строгое неравенство", StrictNotEqual("b1", "Dupont", OnField(subString), OnBlockField(blockField)), true},
		{"подполе блока: NULL", Equal("b3", nil, OnField(subBool), OnBlockField(blockField)), false},
		{"подполе блока: IN", Contains("b1", Values([]string{"x", "dupont", "Dupont"}), OnField(subString), OnBlockField(blockField)), true},
		{"подполе блока: NOT IN", NotContains("b1", Values([]string{"12"}), OnField(subString), OnBlockField(blockField)), false},
		{"подполе пустого блока", Equal("b1", "x", OnField(subString), OnBlockField(&model.FieldDefinition{ID: "8", Key: model.FieldBlock})), false},
		{"интервал: нижняя граница включена", Between("id", 7, 9), true},
		{"интервал: верхняя граница исключена", Between("id", 1, 7), false},
		{"элемент массива", Equal("f3", "b", OnField(itemsField)), true},
		{"элемент массива отсутствует", Equal("f3", "c", OnField(itemsField)), false},
		{"неравенство элементов", NotEqual("f3", "b", OnField(itemsField)), false},
		{"неравенство элементов: нет элемента", NotEqual("f3", "c", OnField(itemsField)), true},
		{"без учёта регистра", IEqual("status", "WF-NEW"), true},
		{"подстрока", ILike("status", "NEW"), true},
		{"IN", Contains("status", Values([]string{"x", "wf-new"})), true},
		{"IN пустой", Contains("status", nil), false},
		{"NOT IN пустой", NotContains("status", nil), true},
		{"NOT IN при отсутствии значения", NotContains("submission_channel", Values([]string{"web"})), true},
		{"IN по массиву", Contains("concerned_roles_array", Values([]string{"r2", "r9"})), true},
		{"вхождение массива", ArrayContains("concerned_roles_array", []string{"r1", "r2"}), true},
		{"вхождение массива: лишний элемент", ArrayContains("concerned_roles_array", []string{"r1", "r3"}), false},
		{"пересечение", Intersects("concerned_roles_array", []string{"r3", "r1"}), true},
		{"пересечение с пустым набором", Intersects("actions_roles_array", nil), true},
		{"NULL для пустого среза", Null("actions_roles_array"), true},
		{"NOT NULL", NotNull("status"), true},
		{"ключ jsonb", ElementEqual("workflow_data", "k", "Valeur"), true},
		{"ключ jsonb ILIKE", ElementILike("workflow_data", "k", "vAL"), true},
		{"ключ jsonb пересечение", ElementIntersects("workflow_data", "list", []string{"y"}), true},
		{"ключ jsonb отсутствует", ElementEqual("workflow_data", "other", "x"), false},
		{"префикс", ArrayPrefixMatch("concerned_roles_array", "r"), true},
		{"Or", Or(Equal("status", "x"), Equal("id", 7)), true},
		{"пустой Or", Or(), false},
		{"And", And(Equal("status", "wf-new"), Equal("id", 8)), false},
		{"пустой And", And(), true},
		{"Not", Not(Equal("status", "x")), true},
		{"ничего", Nothing(), false},
		{"расстояние: рядом", Distance(model.Geoloc{Lat: 48.851, Lon: 2.351}, 1000), true},
		{"расстояние: далеко", Distance(model.Geoloc{Lat: 49.85, Lon: 2.35}, 1000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.criteria.Match(record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCriteria_MatchUnsupported(t *testing.T) {
	for _, c := range []Criteria{
		FtsMatch("tarif"),
		TsQueryMatch("'tarif'"),
		StatusReachedTimeout("formdata_1", []string{"x"}, 1),
		And(Equal("status", "a"), FtsMatch("x")),
	} {
		_, err := c.Match(MapGetter{"status": "a"})
		assert.ErrorIs(t, err, ErrNoPredicate)
	}
}

func TestFindRanker(t *testing.T) {
	_, ok := FindRanker([]Criteria{Equal("status", "a")})
	assert.False(t, ok)

	ranker, ok := FindRanker([]Criteria{Equal("status", "a"), TsQueryMatch("'tarif'")})
	require.True(t, ok)

	args := NewArgs()
	sql, err := ranker.RankSQL(args)
	require.NoError(t, err)
	assert.Equal(t, "ts_rank(fts, $1::tsquery)", sql)
}

func TestFtsMatch_PhoneNormalization(t *testing.T) {
	f := FtsMatch("appel 01 23 45 67 89", WithPhoneRegion("FR"))
	assert.Equal(t, "appel +33123456789", f.Query())
}

func TestOrderClause(t *testing.T) {
	tests := []struct {
		orderBy string
		want    string
	}{
		{"", ""},
		{"status", "status NULLS FIRST"},
		{"-receipt_time", "receipt_time DESC NULLS LAST"},
		{"-receipt-time, id", "receipt_time DESC NULLS LAST, id NULLS FIRST"},
	}
	for _, tt := range tests {
		t.Run(tt.orderBy, func(t *testing.T) {
			got, err := OrderClause(tt.orderBy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := OrderClause("id; DROP TABLE x")
	assert.ErrorIs(t, err, ErrInvalidAttribute)
}
