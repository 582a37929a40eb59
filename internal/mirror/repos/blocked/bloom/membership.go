package bloom

import (
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/blockmirror/internal/mirror/repos/blocked"
)

// DefaultFPRate replaces requested false-positive rates outside (0, 1).
const DefaultFPRate = 0.01

// Estimate returns the bit count m and hash count k for a filter holding n
// record ids at the given false-positive rate. n = 0 sizes like n = 1.
func Estimate(n uint64, fpRate float64) (m, k uint) {
	if n == 0 {
		n = 1
	}
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = DefaultFPRate
	}
	return bitsbloom.EstimateParameters(uint(n), fpRate)
}

type factory struct{}

// NewFactory returns a BloomFactory building membership filters over record
// ids ("list#handle").
func NewFactory() blocked.BloomFactory { return factory{} }

func (factory) New(capacity uint64, fpRate float64) blocked.BloomFilter {
	m, k := Estimate(capacity, fpRate)
	return &memberFilter{bf: bitsbloom.New(m, k)}
}

// memberFilter lets IsBlocked probes run while commits add new members.
type memberFilter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

func (f *memberFilter) Add(recordID []byte) {
	f.mu.Lock()
	f.bf.Add(recordID)
	f.mu.Unlock()
}

func (f *memberFilter) MightContain(recordID []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(recordID)
}
