package perfstats

import "sync/atomic"

// Update an exponential moving average stored in an atomic.
// The first sample initializes the average.
func UpdateMovingAverage(avg *atomic.Int64, sample int64) {
	old := avg.Load()
	if old == 0 {
		avg.Store(sample)
		return
	}
	avg.Store((old*15 + sample) / 16)
}
