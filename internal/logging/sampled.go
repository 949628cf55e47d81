package logging

import (
	"time"

	"golang.org/x/time/rate"
)

// Every returns a throttle that runs its function at most once per interval.
// The first call always runs.
func Every(interval time.Duration) *rate.Sometimes {
	return &rate.Sometimes{First: 1, Interval: interval}
}
