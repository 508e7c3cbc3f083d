package analyzer

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adlift/mmx/internal/metrics"
	"github.com/adlift/mmx/pkg/tensor"
)

const scenarioCacheSize = 128

// scenarioCache memoizes incremental-outcome results keyed by a hash of
// the full scenario (distribution, overrides, factors, time window and
// flags). Response curves and the optimal-frequency search replay many
// near-identical scenarios; the cache keeps the repeated ones cheap.
type scenarioCache struct {
	c *lru.Cache[uint64, *tensor.Dense]
}

func newScenarioCache() *scenarioCache {
	c, err := lru.New[uint64, *tensor.Dense](scenarioCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &scenarioCache{c: c}
}

func (s *scenarioCache) get(key uint64) (*tensor.Dense, bool) {
	v, ok := s.c.Get(key)
	if ok {
		metrics.ScenarioCacheHits.Inc()
	} else {
		metrics.ScenarioCacheMisses.Inc()
	}
	return v, ok
}

func (s *scenarioCache) put(key uint64, v *tensor.Dense) {
	s.c.Add(key, v)
}

// scenarioKey folds the scenario's defining inputs into one hash.
type scenarioKey struct {
	h uint64
}

func newScenarioKey() *scenarioKey { return &scenarioKey{h: 14695981039346656037} }

func (k *scenarioKey) mix(v uint64) *scenarioKey {
	k.h ^= v
	k.h *= 1099511628211
	return k
}

func (k *scenarioKey) mixFloat(v float64) *scenarioKey { return k.mix(math.Float64bits(v)) }

func (k *scenarioKey) mixBool(v bool) *scenarioKey {
	if v {
		return k.mix(1)
	}
	return k.mix(0)
}

func (k *scenarioKey) mixString(s string) *scenarioKey {
	for _, b := range []byte(s) {
		k.mix(uint64(b))
	}
	return k.mix(uint64(len(s)))
}

func (k *scenarioKey) mixBools(bs []bool) *scenarioKey {
	for _, b := range bs {
		k.mixBool(b)
	}
	return k.mix(uint64(len(bs)))
}

func (k *scenarioKey) sum() uint64 { return k.h }
