package registry

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goformstore/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_registry_cache_hits_total",
		Help: "Общее количество попаданий в кэш типов записей.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_registry_cache_misses_total",
		Help: "Общее количество промахов кэша типов записей.",
	})
)

// typeCache — LRU-кэш определений типов записей с TTL, ключ — <kind>_<id>.
// Принадлежит экземпляру реестра, сбрасывается явно при изменении схемы.
type typeCache struct {
	cache *expirable.LRU[string, *model.RecordType]
}

func newTypeCache(maxSize int, ttl time.Duration) *typeCache {
	return &typeCache{cache: expirable.NewLRU[string, *model.RecordType](maxSize, nil, ttl)}
}

func (c *typeCache) get(key string) (*model.RecordType, bool) {
	rt, ok := c.cache.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return rt, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

func (c *typeCache) set(rt *model.RecordType) {
	c.cache.Add(rt.Key(), rt)
}

func (c *typeCache) remove(key string) {
	c.cache.Remove(key)
}

func (c *typeCache) purge() {
	c.cache.Purge()
}
