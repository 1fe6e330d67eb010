package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// ErrBadPatch — патч не применяется к базовой сериализации.
var ErrBadPatch = errors.New("некорректный патч")

// MakePatch возвращает unified diff без контекста и без заголовков файлов,
// превращающий a в b. Для одинаковых строк — пустая строка.
func MakePatch(a, b string) (string, error) {
	if a == b {
		return "", nil
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:       difflib.SplitLines(a),
		B:       difflib.SplitLines(b),
		Context: 0,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка построения патча: %w", err)
	}
	return stripHeader(text), nil
}

// ApplyPatch восстанавливает новую сериализацию по базовой и патчу MakePatch.
func ApplyPatch(base, patch string) (string, error) {
	patch = stripHeader(patch)
	if patch == "" {
		return base, nil
	}

	hunks, err := diff.ParseHunks([]byte(patch))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPatch, err)
	}

	src := difflib.SplitLines(base)
	out := make([]string, 0, len(src))
	pos := 0
	for i, h := range hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// "-N,0": вставка после строки N
			start++
		}
		if start < pos || start > len(src) {
			return "", fmt.Errorf("%w: фрагмент %d начинается со строки %d", ErrBadPatch, i+1, start+1)
		}
		out = append(out, src[pos:start]...)
		pos = start

		for _, line := range strings.SplitAfter(string(h.Body), "\n") {
			if line == "" {
				continue
			}
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			switch line[0] {
			case '+':
				out = append(out, line[1:])
			case '-', ' ':
				if pos >= len(src) || src[pos] != line[1:] {
					return "", fmt.Errorf("%w: фрагмент %d не совпадает с базой в строке %d", ErrBadPatch, i+1, pos+1)
				}
				if line[0] == ' ' {
					out = append(out, src[pos])
				}
				pos++
			case '\\':
			default:
				return "", fmt.Errorf("%w: строка %q", ErrBadPatch, line)
			}
		}
	}
	out = append(out, src[pos:]...)

	// SplitLines дописывает перевод строки к последнему элементу
	return strings.TrimSuffix(strings.Join(out, ""), "\n"), nil
}

// stripHeader убирает строки ---/+++ перед первым фрагментом.
func stripHeader(patch string) string {
	for strings.HasPrefix(patch, "---") || strings.HasPrefix(patch, "+++") {
		i := strings.IndexByte(patch, '\n')
		if i < 0 {
			return ""
		}
		patch = patch[i+1:]
	}
	return patch
}
