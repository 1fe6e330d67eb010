package criteria

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Форматы дат, принимаемые в строковых значениях критериев.
var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// normalize разыменовывает указатели и приводит пустые ссылки к nil.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return nil
		}
	}
	return v
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return true
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float32, float64, json.Number, pgtype.Numeric:
		return true
	}
	return isInt(v)
}

// toFloat приводит число к float64; строки не принимаются.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// laxInt приводит число или строку к целому.
func laxInt(v any) (int64, bool) {
	switch n := normalize(v).(type) {
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		return i, err == nil
	case float32, float64:
		f, _ := toFloat(n)
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	default:
		f, ok := toFloat(n)
		return int64(f), ok
	}
}

// toDecimal приводит число или строку к точному десятичному значению.
// NaN и бесконечности не принимаются.
func toDecimal(v any) (pgtype.Numeric, bool) {
	var text string
	switch n := normalize(v).(type) {
	case pgtype.Numeric:
		return n, n.Valid && n.Int != nil && !n.NaN && n.InfinityModifier == pgtype.Finite
	case string:
		text = strings.TrimSpace(n)
	case json.Number:
		text = strings.TrimSpace(n.String())
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return pgtype.Numeric{}, false
		}
		text = strconv.FormatFloat(float64(n), 'f', -1, 32)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return pgtype.Numeric{}, false
		}
		text = strconv.FormatFloat(n, 'f', -1, 64)
	default:
		if !isInt(n) {
			return pgtype.Numeric{}, false
		}
		text = fmt.Sprint(n)
	}
	var num pgtype.Numeric
	if err := num.Scan(text); err != nil || num.NaN || num.InfinityModifier != pgtype.Finite {
		return pgtype.Numeric{}, false
	}
	return num, true
}

// decimalText возвращает каноническую запись десятичного значения.
func decimalText(n pgtype.Numeric) string {
	text, err := n.Value()
	if err != nil || text == nil {
		return ""
	}
	return text.(string)
}

var bigTen = big.NewInt(10)

// decimalRat переводит десятичное значение Int·10^Exp в дробь.
func decimalRat(n pgtype.Numeric) *big.Rat {
	r := new(big.Rat)
	if n.Int == nil {
		return r
	}
	r.SetInt(n.Int)
	if n.Exp == 0 {
		return r
	}
	exp := int64(n.Exp)
	if exp < 0 {
		exp = -exp
	}
	scale := new(big.Rat).SetInt(new(big.Int).Exp(bigTen, big.NewInt(exp), nil))
	if n.Exp > 0 {
		return r.Mul(r, scale)
	}
	return r.Quo(r, scale)
}

// compareDecimal сравнивает значения как точные десятичные числа.
func compareDecimal(got, want any) (int, bool) {
	g, ok := toDecimal(got)
	if !ok {
		return 0, false
	}
	w, ok := toDecimal(want)
	if !ok {
		return 0, false
	}
	return decimalRat(g).Cmp(decimalRat(w)), true
}

func toBool(v any) (bool, bool) {
	switch b := normalize(v).(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "on", "yes", "1", "t":
			return true, true
		case "false", "off", "no", "0", "f":
			return false, true
		}
	}
	if n, ok := toFloat(normalize(v)); ok {
		return n != 0, true
	}
	return false, false
}

func toDate(v any) (time.Time, bool) {
	switch t := normalize(v).(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// toStrings приводит значение-массив к []string.
func toStrings(v any) []string {
	switch s := normalize(v).(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}

// typedNone — значение-заместитель отсутствующего значения того же типа,
// что и значение критерия: пустые значения при сравнении идут первыми.
func typedNone(want any) any {
	switch normalize(want).(type) {
	case string:
		return ""
	case bool:
		return false
	case time.Time:
		return time.Time{}
	}
	if isNumber(normalize(want)) {
		return int64(math.MinInt64)
	}
	return nil
}

// compare сравнивает значение записи got со значением критерия want.
// Строки приводятся к числам и датам по типу want; ok=false, если
// значения несравнимы или приведение не удалось.
func compare(got, want any) (int, bool) {
	got, want = normalize(got), normalize(want)
	switch w := want.(type) {
	case string:
		switch g := got.(type) {
		case string:
			return strings.Compare(g, w), true
		case time.Time:
			wt, ok := toDate(w)
			if !ok {
				return 0, false
			}
			return g.Compare(wt), true
		case bool:
			wb, ok := toBool(w)
			if !ok {
				return 0, false
			}
			return compareBool(g, wb), true
		}
		if isNumber(got) {
			return compareDecimal(got, w)
		}
		return 0, false
	case time.Time:
		gt, ok := toDate(got)
		if !ok {
			return 0, false
		}
		return gt.Compare(w), true
	case bool:
		gb, ok := toBool(got)
		if !ok {
			return 0, false
		}
		return compareBool(gb, w), true
	}
	if isNumber(want) {
		return compareDecimal(got, want)
	}
	return 0, false
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
