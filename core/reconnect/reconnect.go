package reconnect

import (
	"context"
	"time"
)

// Schedule lists the waits between successive stream reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Max is used once the schedule is exhausted.
const Max = 30 * time.Second

// Delay returns the wait before the given (zero based) attempt.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return Max
}

// Wait sleeps for Delay(attempt) and reports false if ctx ended first.
func Wait(ctx context.Context, attempt int) bool {
	t := time.NewTimer(Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
