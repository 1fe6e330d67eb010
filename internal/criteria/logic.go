package criteria

import (
	"errors"
	"strings"
)

// Junction — логическое объединение критериев.
type Junction struct {
	items []Criteria
	or    bool
}

// And — все критерии выполняются. Пустой And истинен.
func And(items ...Criteria) *Junction {
	return &Junction{items: items}
}

// Or — выполняется хотя бы один критерий. Пустой Or ложен.
func Or(items ...Criteria) *Junction {
	return &Junction{items: items, or: true}
}

// SQL компилирует объединение. Если хотя бы один элемент не транслируется
// в SQL, объединение целиком вычисляется в памяти.
func (j *Junction) SQL(args *Args) (string, error) {
	if len(j.items) == 0 {
		if j.or {
			return "( FALSE )", nil
		}
		return "( TRUE )", nil
	}
	mark := args.Len()
	parts := make([]string, 0, len(j.items))
	for _, c := range j.items {
		sql, err := c.SQL(args)
		if err != nil {
			args.truncate(mark)
			return "", err
		}
		parts = append(parts, sql)
	}
	sep := " AND "
	if j.or {
		sep = " OR "
	}
	return "( " + strings.Join(parts, sep) + " )", nil
}

// Match вычисляет объединение над записью.
func (j *Junction) Match(r Getter) (bool, error) {
	for _, c := range j.items {
		ok, err := c.Match(r)
		if err != nil {
			return false, err
		}
		if j.or && ok {
			return true, nil
		}
		if !j.or && !ok {
			return false, nil
		}
	}
	return !j.or, nil
}

// Negation — отрицание критерия.
type Negation struct {
	item Criteria
}

// Not — критерий не выполняется.
func Not(item Criteria) *Negation {
	return &Negation{item: item}
}

// SQL компилирует отрицание.
func (n *Negation) SQL(args *Args) (string, error) {
	sql, err := n.item.SQL(args)
	if err != nil {
		return "", err
	}
	return "NOT ( " + sql + " )", nil
}

// Match вычисляет отрицание над записью.
func (n *Negation) Match(r Getter) (bool, error) {
	ok, err := n.item.Match(r)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

type nothing struct{}

// Nothing — критерий, не совпадающий ни с одной записью.
func Nothing() Criteria { return nothing{} }

func (nothing) SQL(*Args) (string, error) { return "FALSE", nil }

func (nothing) Match(Getter) (bool, error) { return false, nil }

// Predicate — произвольная функция над записью, вычисляется только в памяти.
type Predicate struct {
	name string
	fn   func(Getter) bool
}

// Func создаёт критерий из функции. name используется в сообщениях об ошибках.
func Func(name string, fn func(Getter) bool) *Predicate {
	return &Predicate{name: name, fn: fn}
}

// SQL всегда возвращает ErrNoSQL.
func (p *Predicate) SQL(*Args) (string, error) {
	return "", errors.Join(ErrNoSQL, errors.New(p.name))
}

// Match вызывает функцию.
func (p *Predicate) Match(r Getter) (bool, error) {
	return p.fn(r), nil
}
