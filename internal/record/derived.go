package record

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/bigkaa/goformstore/internal/domain/model"
	"github.com/bigkaa/goformstore/internal/search"
)

// Отображаемые значения логических полей.
const (
	displayTrue  = "Да"
	displayFalse = "Нет"
)

// displayValue вычисляет отображаемое значение поля.
// ok=false — у значения нет текстового представления.
func displayValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		if val {
			return displayTrue, true
		}
		return displayFalse, true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case time.Time:
		return val.Format(time.DateOnly), true
	case []string:
		return strings.Join(val, ", "), true
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := displayValue(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), true
	case model.FileValue:
		return val.Filename, val.Filename != ""
	case *model.FileValue:
		if val == nil {
			return "", false
		}
		return val.Filename, val.Filename != ""
	}
	return "", false
}

// structuredValue строит структурированное значение поля списка:
// {"id", "text"} для item и массив таких объектов для items.
func structuredValue(f *model.FieldDefinition, v any) any {
	switch f.Key {
	case model.FieldItem:
		text, ok := displayValue(v)
		if !ok {
			return nil
		}
		return map[string]any{"id": text, "text": text}
	case model.FieldItems:
		var items []string
		switch val := v.(type) {
		case []string:
			items = val
		case []any:
			for _, item := range val {
				if s, ok := displayValue(item); ok {
					items = append(items, s)
				}
			}
		default:
			return nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = map[string]any{"id": item, "text": item}
		}
		return out
	}
	return nil
}

// fillCompanions дополняет Data отображаемыми и структурированными
// значениями полей, для которых они хранятся, но не переданы.
func fillCompanions(rt *model.RecordType, rec *model.Record) {
	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	for i := range rt.Fields {
		f := &rt.Fields[i]
		if !f.HasColumn() {
			continue
		}
		v := rec.Data[f.DataKey()]
		if f.StoreDisplayValue && rec.Data[f.DisplayKey()] == nil {
			if s, ok := displayValue(v); ok {
				rec.Data[f.DisplayKey()] = s
			}
		}
		if f.StoreStructuredValue && rec.Data[f.StructuredKey()] == nil {
			if s := structuredValue(f, v); s != nil {
				rec.Data[f.StructuredKey()] = s
			}
		}
	}
}

// fieldText возвращает текст поля для дайджестов и поиска:
// отображаемое значение, если оно есть, иначе само значение.
func fieldText(f *model.FieldDefinition, rec *model.Record) string {
	if s, ok := rec.Data[f.DisplayKey()].(string); ok && s != "" {
		return s
	}
	v := rec.Data[f.DataKey()]
	if f.Key == model.FieldComputed {
		if doc, ok := v.(map[string]any); ok {
			v = doc["data"]
		}
	}
	s, _ := displayValue(v)
	return s
}

// templateData — переменные шаблонов дайджестов: значения полей по varname
// и служебные атрибуты записи.
func templateData(rt *model.RecordType, rec *model.Record) map[string]any {
	data := map[string]any{
		"id":         rec.ID,
		"id_display": rec.IDDisplay,
		"status":     rec.Status,
		"name":       rt.Name,
	}
	for i := range rt.Fields {
		f := &rt.Fields[i]
		if f.Varname == "" || !f.HasColumn() {
			continue
		}
		data[f.Varname] = fieldText(f, rec)
	}
	return data
}

// computeDigests вычисляет дайджесты по шаблонам типа. Ошибочный шаблон
// даёт пустой дайджест и предупреждение в лог.
func computeDigests(rt *model.RecordType, rec *model.Record, logger *slog.Logger) map[string]string {
	if len(rt.DigestTemplates) == 0 {
		return nil
	}
	names := make([]string, 0, len(rt.DigestTemplates))
	for name := range rt.DigestTemplates {
		names = append(names, name)
	}
	sort.Strings(names)

	data := templateData(rt, rec)
	digests := make(map[string]string, len(names))
	for _, name := range names {
		out, err := renderDigest(name, rt.DigestTemplates[name], data)
		if err != nil {
			logger.Warn("Ошибка шаблона дайджеста",
				slog.String("record_type", rt.Key()),
				slog.String("digest", name),
				slog.String("error", err.Error()),
			)
		}
		digests[name] = out
	}
	return digests
}

func renderDigest(name, text string, data map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(b.String(), "<no value>", "")), nil
}

// buildVector собирает взвешенный текст записи:
// A — номер и отображаемый номер, B — поля списков,
// C — название типа, остальные поля и комментарии истории,
// D — телефонные номера из текстовых полей.
func buildVector(rt *model.RecordType, rec *model.Record, phoneRegion string) *search.Vector {
	v := search.NewVector()
	v.Add(search.WeightA, strconv.Itoa(rec.ID), rec.IDDisplay)
	v.Add(search.WeightC, rt.Name)

	for i := range rt.Fields {
		f := &rt.Fields[i]
		if !f.HasColumn() || f.Key == model.FieldFile || f.Key == model.FieldBool {
			continue
		}
		text := fieldText(f, rec)
		if text == "" {
			continue
		}
		w := search.WeightC
		if f.IncludeInListing {
			w = search.WeightB
		}
		v.Add(w, text)
		v.AddPhones(search.WeightD, text, phoneRegion)
	}

	for _, evo := range rec.Evolutions {
		v.Add(search.WeightC, evo.Comment)
	}
	return v
}

// prepare вычисляет производные колонки записи перед записью в таблицу.
func prepare(rt *model.RecordType, rec *model.Record, logger *slog.Logger) {
	if rec.IDDisplay == "" && rec.ID != 0 {
		rec.IDDisplay = rt.DisplayID(rec.ID)
	}
	fillCompanions(rt, rec)
	if digests := computeDigests(rt, rec, logger); digests != nil {
		rec.Digests = digests
	}
}
