package decode

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// offsetHistoryLength bounds the offset history used for median filtering.
// Ten entries is enough to reject single jittery observations without
// lagging far behind a genuine clock step.
const offsetHistoryLength = 10

// timeAligner converts node-relative timestamps to absolute time. Packets
// from timestamp-bearing sensors observe the offset between the node clock
// and the gateway clock; the median of the recent history filters jitter
// so one bad observation cannot corrupt a whole window's timestamps.
type timeAligner struct {
	offsets []float64 // seconds, gateway time minus node time
}

func newTimeAligner() *timeAligner {
	return &timeAligner{}
}

func (a *timeAligner) reset() {
	a.offsets = a.offsets[:0]
}

// observe records the offset implied by a node timestamp and its packet
// arrival time, then returns the aligned absolute time for the packet.
func (a *timeAligner) observe(nodeTime time.Duration, arrival time.Time) time.Time {
	offset := float64(arrival.UnixNano())/1e9 - nodeTime.Seconds()
	a.offsets = append(a.offsets, offset)
	if len(a.offsets) > offsetHistoryLength {
		a.offsets = a.offsets[1:]
	}

	aligned, _ := a.alignNode(nodeTime)
	return aligned
}

// alignNode maps a node-relative timestamp to absolute time.
func (a *timeAligner) alignNode(nodeTime time.Duration) (time.Time, bool) {
	if len(a.offsets) == 0 {
		return time.Time{}, false
	}
	sorted := make([]float64, len(a.offsets))
	copy(sorted, a.offsets)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	seconds := nodeTime.Seconds() + median
	return time.Unix(0, int64(seconds*1e9)), true
}
