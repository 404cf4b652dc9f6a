// Package monitoring provides the package-level diagnostic logger and the
// named counters used to account for recoverable pipeline conditions.
package monitoring

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	countersMu sync.Mutex
	counters   = map[string]*atomic.Int64{}
)

// Counter returns the named counter, creating it on first use. Counters are
// process-global: framing errors, decode errors and drift corrections are
// counted here rather than halting the pipeline.
func Counter(name string) *atomic.Int64 {
	countersMu.Lock()
	defer countersMu.Unlock()
	c, ok := counters[name]
	if !ok {
		c = &atomic.Int64{}
		counters[name] = c
	}
	return c
}

// Snapshot returns the current value of every registered counter.
func Snapshot() map[string]int64 {
	countersMu.Lock()
	defer countersMu.Unlock()
	out := make(map[string]int64, len(counters))
	for name, c := range counters {
		out[name] = c.Load()
	}
	return out
}

// CounterNames returns the registered counter names in sorted order.
func CounterNames() []string {
	countersMu.Lock()
	defer countersMu.Unlock()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetCounters zeroes all registered counters. Intended for tests.
func ResetCounters() {
	countersMu.Lock()
	defer countersMu.Unlock()
	for _, c := range counters {
		c.Store(0)
	}
}
