package record

import (
	"strings"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/domain/model"
)

// getter отдаёт значения записи по именам колонок таблицы типа,
// как их видят критерии в SQL.
type getter struct {
	rt  *model.RecordType
	rec *model.Record
}

// Getter возвращает источник значений записи для вычисления критериев в памяти.
func Getter(rt *model.RecordType, rec *model.Record) criteria.Getter {
	return getter{rt: rt, rec: rec}
}

func (g getter) Value(attribute string) (any, bool) {
	switch attribute {
	case "auto_geoloc":
		if g.rec.Geoloc == nil {
			return nil, true
		}
		return *g.rec.Geoloc, true
	case "workflow_data":
		return g.rec.WorkflowData, true
	case "digests":
		return g.rec.Digests, true
	}
	if v, ok := g.rec.Attribute(attribute); ok {
		return v, true
	}

	column := attribute
	suffix := ""
	for _, s := range []string{"_display", "_structured"} {
		if strings.HasSuffix(attribute, s) {
			column, suffix = strings.TrimSuffix(attribute, s), s
			break
		}
	}
	f, ok := g.rt.FieldByColumn(column)
	if !ok {
		return nil, false
	}
	switch suffix {
	case "_display":
		return g.rec.Data[f.DisplayKey()], true
	case "_structured":
		return g.rec.Data[f.StructuredKey()], true
	}
	v := g.rec.Data[f.DataKey()]
	if f.Key == model.FieldComputed {
		if doc, ok := v.(map[string]any); ok {
			return doc["data"], true
		}
	}
	return v, true
}
