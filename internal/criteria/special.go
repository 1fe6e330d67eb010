package criteria

import (
	"errors"
	"fmt"
	"math"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// Приближённое расстояние: метров в градусе и градусов в радиане.
const (
	metersPerDegree = 111300
	radPerDegree    = 0.01745
)

// Proximity — запись находится не дальше заданного расстояния от точки.
type Proximity struct {
	point  model.Geoloc
	meters float64
}

// Distance — расстояние от auto_geoloc записи до точки меньше meters.
func Distance(point model.Geoloc, meters float64) *Proximity {
	return &Proximity{point: point, meters: meters}
}

// SQL компилирует Distance. auto_geoloc хранится как point(lon, lat).
func (p *Proximity) SQL(args *Args) (string, error) {
	lon := args.Add(p.point.Lon) + "::float8"
	lat := args.Add(p.point.Lat) + "::float8"
	dist := args.Add(p.meters) + "::float8"
	return fmt.Sprintf(
		"(%d * SQRT(POWER((auto_geoloc[0] - %s) * COS((auto_geoloc[1] + %s) / 2 * %g), 2) + POWER(auto_geoloc[1] - %s, 2))) < %s",
		metersPerDegree, lon, lat, radPerDegree, lat, dist), nil
}

// Match вычисляет Distance над записью.
func (p *Proximity) Match(r Getter) (bool, error) {
	v, _ := r.Value("auto_geoloc")
	g, ok := normalize(v).(model.Geoloc)
	if !ok {
		return false, nil
	}
	return approxDistance(g, p.point) < p.meters, nil
}

func approxDistance(a, b model.Geoloc) float64 {
	dx := (a.Lon - b.Lon) * math.Cos((a.Lat+b.Lat)/2*radPerDegree)
	dy := a.Lat - b.Lat
	return metersPerDegree * math.Sqrt(dx*dx+dy*dy)
}

// StatusTimeout — запись достигла одного из статусов не позже чем days дней назад.
type StatusTimeout struct {
	table    string
	statuses []string
	days     int
}

// StatusReachedTimeout — в истории записи есть переход в один из statuses,
// случившийся не меньше days дней назад. table — таблица типа записей.
func StatusReachedTimeout(table string, statuses []string, days int) *StatusTimeout {
	return &StatusTimeout{table: table, statuses: statuses, days: days}
}

// SQL компилирует StatusReachedTimeout.
func (s *StatusTimeout) SQL(args *Args) (string, error) {
	if !identifierRe.MatchString(s.table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAttribute, s.table)
	}
	if len(s.statuses) == 0 {
		return "FALSE", nil
	}
	evo := s.table + "_evolutions"
	return fmt.Sprintf(
		"EXISTS(SELECT 1 FROM %s WHERE %s.formdata_id = %s.id AND %s.status = ANY(%s) AND %s.time <= NOW() - %s::int * interval '1 day')",
		evo, evo, s.table, evo, args.Add(s.statuses), evo, args.Add(s.days)), nil
}

// Match не поддерживается: история хранится в отдельной таблице.
func (s *StatusTimeout) Match(Getter) (bool, error) {
	return false, errors.Join(ErrNoPredicate, errors.New("status timeout"))
}
