package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid worker state transition")
	ErrUnknownWorker     = errors.New("unknown worker")
)

// Status is a worker's lifecycle state.
type Status string

const (
	Stopped  Status = "STOPPED"
	Starting Status = "STARTING"
	Running  Status = "RUNNING"
	Degraded Status = "DEGRADED"
	Crashed  Status = "CRASHED"
)

var transitions = map[Status][]Status{
	Stopped:  {Starting},
	Starting: {Running, Crashed, Stopped},
	Running:  {Degraded, Crashed, Stopped},
	Degraded: {Running, Crashed, Stopped},
	Crashed:  {Starting, Stopped},
}

// CanTransition reports whether a worker may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// code is the value exported on the worker status gauge.
func (s Status) code() float64 {
	switch s {
	case Starting:
		return 1
	case Running:
		return 2
	case Degraded:
		return 3
	case Crashed:
		return 4
	}
	return 0
}

// Key identifies one worker.
type Key struct {
	AccountID string
	VenueID   string
}

func (k Key) String() string { return k.AccountID + "/" + k.VenueID }
