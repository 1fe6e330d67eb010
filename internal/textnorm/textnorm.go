// Пакет textnorm — нормализация текста для полнотекстового поиска:
// удаление диакритики и приведение телефонных номеров к формату E.164.
// Одна и та же нормализация применяется при построении вектора записи
// и при разборе поискового запроса.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Лигатуры и буквы, не раскладываемые NFD.
var ligatures = strings.NewReplacer(
	"œ", "oe", "Œ", "OE",
	"æ", "ae", "Æ", "AE",
	"ß", "ss",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ł", "l", "Ł", "L",
)

// Unaccent удаляет диакритические знаки: «Éléphant» → «Elephant».
func Unaccent(s string) string {
	// transform.Chain хранит состояние, поэтому цепочка создаётся на каждый вызов
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return ligatures.Replace(s)
	}
	return ligatures.Replace(out)
}

var (
	// международный префикс или ведущий 0, затем цифры и разделители до конца «слова»
	phoneRe = regexp.MustCompile(`((\+[1-9])|(\b0))[-()\d.\s/]{6,20}\b`)
	// диапазон вида 2023-0042 телефоном не считается
	rangeRe = regexp.MustCompile(`^\d+-\d+$`)
	// допустимая запись номера перед разбором
	dialRe = regexp.MustCompile(`^[0+][()\d.\s]+$`)
)

// NormalizePhone возвращает номер в формате E.164, если он валиден
// для региона region, иначе исходную строку.
func NormalizePhone(number, region string) string {
	if !dialRe.MatchString(number) {
		return number
	}
	pn, err := phonenumbers.Parse(number, region)
	if err != nil || !phonenumbers.IsValidNumber(pn) {
		return number
	}
	return phonenumbers.Format(pn, phonenumbers.E164)
}

// NormalizePhoneIn заменяет первый похожий на телефон фрагмент текста
// его записью в E.164.
func NormalizePhoneIn(text, region string) string {
	loc := phoneRe.FindStringIndex(text)
	if loc == nil {
		return text
	}
	phone := strings.TrimSpace(text[loc[0]:loc[1]])
	if rangeRe.MatchString(phone) {
		return text
	}
	normalized := NormalizePhone(phone, region)
	if normalized == phone {
		return text
	}
	return strings.Replace(text, phone, normalized, 1)
}

// PhoneTokens извлекает из текста все валидные телефонные номера в E.164.
func PhoneTokens(text, region string) []string {
	var tokens []string
	seen := make(map[string]bool)
	for _, m := range phoneRe.FindAllString(text, -1) {
		phone := strings.TrimSpace(m)
		if rangeRe.MatchString(phone) {
			continue
		}
		normalized := NormalizePhone(phone, region)
		if normalized == phone || seen[normalized] {
			continue
		}
		seen[normalized] = true
		tokens = append(tokens, normalized)
	}
	return tokens
}

// ForQuery готовит поисковый запрос: диакритика удаляется,
// телефонный номер приводится к E.164.
func ForQuery(text, region string) string {
	return NormalizePhoneIn(Unaccent(text), region)
}
