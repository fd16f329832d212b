// Package timesync tracks the time offsets reported by outbound peers and
// raises a node warning when the local clock drifts from the network.
package timesync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/txmesh/go-txmesh/node/warnings"
)

const (
	// maxOffsets bounds the number of remembered samples.
	maxOffsets = 50
	// warnThreshold is the absolute median offset that triggers the
	// clock-out-of-sync warning.
	warnThreshold = 10 * time.Minute
	// minSamples before the median is considered meaningful.
	minSamples = 5
)

// Offsets remembers the most recent time offset samples, one per peer
// connection, and keeps the clock warning in sync with their median.
type Offsets struct {
	logger   *zap.Logger
	warnings *warnings.Warnings

	mu      sync.Mutex
	samples []time.Duration
}

func New(logger *zap.Logger, w *warnings.Warnings) *Offsets {
	return &Offsets{
		logger:   logger,
		warnings: w,
	}
}

// Add records a peer's reported offset and re-evaluates the warning.
func (o *Offsets) Add(offset time.Duration) {
	o.mu.Lock()
	o.samples = append(o.samples, offset)
	if len(o.samples) > maxOffsets {
		o.samples = o.samples[1:]
	}
	median, ok := o.medianLocked()
	o.mu.Unlock()
	if !ok {
		return
	}
	if median > warnThreshold || median < -warnThreshold {
		if o.warnings.Set(warnings.NodeClockOutOfSync,
			fmt.Sprintf("local clock is %s away from the network median; check the system time", median)) {
			o.logger.Warn("local clock is out of sync with peers",
				zap.Duration("median_offset", median))
		}
	} else {
		o.warnings.Unset(warnings.NodeClockOutOfSync)
	}
}

// Median returns the median of the remembered offsets. The second return is
// false while there are too few samples.
func (o *Offsets) Median() (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.medianLocked()
}

func (o *Offsets) medianLocked() (time.Duration, bool) {
	if len(o.samples) < minSamples {
		return 0, false
	}
	sorted := make([]time.Duration, len(o.samples))
	copy(sorted, o.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}
