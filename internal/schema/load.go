package schema

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

var (
	fieldIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	varnameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("fieldid", func(fl validator.FieldLevel) bool {
		return fieldIDRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("varname", func(fl validator.FieldLevel) bool {
		return varnameRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate проверяет описание типа записей: теги полей, уникальность
// идентификаторов полей и имён колонок.
func Validate(rt *model.RecordType) error {
	if err := validate.Struct(rt); err != nil {
		return fmt.Errorf("некорректное описание типа записей: %w", err)
	}
	ids := make(map[string]bool, len(rt.Fields))
	columns := make(map[string]string, len(rt.Fields))
	var errs []error
	for _, f := range rt.Fields {
		if ids[f.ID] {
			errs = append(errs, fmt.Errorf("повторяющийся идентификатор поля %q", f.ID))
			continue
		}
		ids[f.ID] = true
		if !f.HasColumn() {
			continue
		}
		if other, ok := columns[f.ColumnName()]; ok {
			errs = append(errs, fmt.Errorf("поля %q и %q дают одну колонку %s", other, f.ID, f.ColumnName()))
		}
		columns[f.ColumnName()] = f.ID
	}
	if len(errs) > 0 {
		return fmt.Errorf("некорректное описание типа записей: %w", errors.Join(errs...))
	}
	return nil
}

// Load читает описание типа записей из YAML и проверяет его.
func Load(r io.Reader) (*model.RecordType, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var rt model.RecordType
	if err := dec.Decode(&rt); err != nil {
		return nil, fmt.Errorf("ошибка разбора описания типа записей: %w", err)
	}
	if err := Validate(&rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// LoadFile читает описание типа записей из YAML-файла.
func LoadFile(path string) (*model.RecordType, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия файла схемы: %w", err)
	}
	defer f.Close()
	return Load(f)
}
