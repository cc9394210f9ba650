package service

import "time"

// Clock supplies the current time. Services default to SystemClock; tests
// inject fixed clocks to make retention and staleness deterministic.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}
