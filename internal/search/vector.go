package search

import (
	"fmt"
	"strings"

	"github.com/bigkaa/goformstore/internal/criteria"
	"github.com/bigkaa/goformstore/internal/textnorm"
)

// Weight — вес части полнотекстового вектора.
type Weight byte

// Веса в порядке убывания значимости.
const (
	WeightA Weight = 'A'
	WeightB Weight = 'B'
	WeightC Weight = 'C'
	WeightD Weight = 'D'
)

var weights = []Weight{WeightA, WeightB, WeightC, WeightD}

// Vector собирает взвешенный текст записи. Текст очищается от диакритики
// при добавлении; SQL строит tsvector конкатенацией setweight по весам.
type Vector struct {
	parts map[Weight][]string
}

// NewVector создаёт пустой вектор.
func NewVector() *Vector {
	return &Vector{parts: make(map[Weight][]string)}
}

// Add добавляет текст с весом w. Пустые строки пропускаются.
func (v *Vector) Add(w Weight, texts ...string) {
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		v.parts[w] = append(v.parts[w], textnorm.Unaccent(text))
	}
}

// AddPhones добавляет телефонные номера из текста в формате E.164.
func (v *Vector) AddPhones(w Weight, text, region string) {
	v.Add(w, textnorm.PhoneTokens(text, region)...)
}

// Text возвращает накопленный текст веса w.
func (v *Vector) Text(w Weight) string {
	return strings.Join(v.parts[w], " ")
}

// Empty сообщает, что вектор не содержит текста.
func (v *Vector) Empty() bool {
	for _, w := range weights {
		if len(v.parts[w]) > 0 {
			return false
		}
	}
	return true
}

// SQL возвращает выражение tsvector, параметры добавляются в args.
func (v *Vector) SQL(ftsConfig string, args *criteria.Args) string {
	if v.Empty() {
		return "''::tsvector"
	}
	cfg := args.Add(ftsConfig) + "::regconfig"
	var parts []string
	for _, w := range weights {
		if len(v.parts[w]) == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("setweight(to_tsvector(%s, %s), '%c')", cfg, args.Add(v.Text(w)), w))
	}
	return strings.Join(parts, " || ")
}
