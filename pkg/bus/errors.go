// pkg/bus/errors.go
package bus

import (
	"errors"
	"fmt"
	"time"
)

// fatalError marks a failure as non-retriable: the job stops now and
// its checkpoints are discarded.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return fmt.Sprintf("non-retriable: %v", f.err) }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal flags err as non-retriable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// delayError reschedules the event at a wall-clock instant without
// consuming a retry attempt. The rate-limit policy produces these.
type delayError struct {
	at  time.Time
	err error
}

func (d *delayError) Error() string { return fmt.Sprintf("delayed until %s: %v", d.at, d.err) }
func (d *delayError) Unwrap() error { return d.err }

// Delay converts err into a budget-exempt scheduled retry at `at`.
func Delay(at time.Time, err error) error {
	return &delayError{at: at, err: err}
}

func delayAt(err error) (time.Time, bool) {
	var d *delayError
	if errors.As(err, &d) {
		return d.at, true
	}
	return time.Time{}, false
}

// sleepControl is returned by Run.SleepUntil: park the event, free the
// worker, redeliver at `at`. Not a failure.
type sleepControl struct {
	at time.Time
}

func (s *sleepControl) Error() string { return fmt.Sprintf("sleeping until %s", s.at) }

func sleepAt(err error) (time.Time, bool) {
	var s *sleepControl
	if errors.As(err, &s) {
		return s.at, true
	}
	return time.Time{}, false
}
