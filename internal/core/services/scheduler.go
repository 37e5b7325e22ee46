package services

import "time"

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Tests replace it to drive backoff deterministically.
type Scheduler func(d time.Duration, f func()) Timer

// AfterFunc is the wall-clock Scheduler.
func AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
