package syncer

import (
	"sync"
	"time"

	"github.com/haukened/blockmirror/internal/mirror/common/log"
)

// OpStats are cumulative counters for one public engine operation.
type OpStats struct {
	Calls  uint64
	Errors uint64
	Total  time.Duration
}

type instrumentation struct {
	mu     sync.Mutex
	ops    map[string]*OpStats
	logger log.Logger
	since  func(time.Time) time.Duration
}

func newInstrumentation(logger log.Logger) *instrumentation {
	return &instrumentation{ops: make(map[string]*OpStats), logger: logger, since: time.Since}
}

// instrument times fn, records the outcome under op and logs it at debug.
func (in *instrumentation) instrument(op string, fields map[string]any, fn func() error) error {
	start := time.Now()
	err := fn()
	d := in.since(start)

	in.mu.Lock()
	st, ok := in.ops[op]
	if !ok {
		st = &OpStats{}
		in.ops[op] = st
	}
	st.Calls++
	st.Total += d
	if err != nil {
		st.Errors++
	}
	in.mu.Unlock()

	f := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		f[k] = v
	}
	f["op"] = op
	f["duration"] = d
	if err != nil {
		f["error"] = err
	}
	in.logger.Debug(f, "op_finished")
	return err
}

func (in *instrumentation) snapshot() map[string]OpStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]OpStats, len(in.ops))
	for k, v := range in.ops {
		out[k] = *v
	}
	return out
}
