package criteria

import (
	"fmt"
	"strings"
)

// OrderRank — сортировка по релевантности полнотекстового критерия.
const OrderRank = "rank"

// OrderClause переводит описание сортировки в выражение ORDER BY.
// Описание — имена колонок через запятую, префикс "-" означает убывание:
// "-receipt_time,status". Пустое описание даёт пустую строку.
func OrderClause(orderBy string) (string, error) {
	if strings.TrimSpace(orderBy) == "" {
		return "", nil
	}
	var parts []string
	for _, item := range strings.Split(orderBy, ",") {
		item = strings.TrimSpace(item)
		desc := strings.HasPrefix(item, "-")
		col := strings.ReplaceAll(strings.TrimPrefix(item, "-"), "-", "_")
		if !identifierRe.MatchString(col) {
			return "", fmt.Errorf("%w: сортировка %q", ErrInvalidAttribute, item)
		}
		if desc {
			parts = append(parts, col+" DESC NULLS LAST")
		} else {
			parts = append(parts, col+" NULLS FIRST")
		}
	}
	return strings.Join(parts, ", "), nil
}
