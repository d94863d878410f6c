// Package poll runs bounded polling loops against remote job systems.
package poll

import (
	"context"
	"fmt"
	"time"
)

// Status tags the outcome of a single check or of a whole polling run.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Poller bounds a polling loop.
type Poller struct {
	// Interval is the sleep between attempts.
	Interval time.Duration

	// MaxAttempts caps the number of checks. Zero means one check.
	MaxAttempts int

	// MaxFailures is how many consecutive check errors are tolerated before
	// the run fails. Zero fails on the first error.
	MaxFailures int
}

// Result is the tagged outcome of Until.
//
// Status is Pending when attempts ran out (or ctx ended) while the remote
// side still reported work in progress; Err is set to ctx.Err() in the
// latter case.
type Result[T any] struct {
	Status   Status
	Value    T
	Attempts int
	Err      error
}

// CheckFunc inspects the remote side once.
type CheckFunc[T any] func(ctx context.Context) (T, Status, error)

// Until calls check until it reports Succeeded or Failed, the attempt budget
// is spent, too many consecutive errors occur, or ctx is done.
func Until[T any](ctx context.Context, p Poller, check CheckFunc[T]) Result[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var res Result[T]
	failures := 0
	for res.Attempts < maxAttempts {
		if res.Attempts > 0 {
			select {
			case <-ctx.Done():
				res.Status = Pending
				res.Err = ctx.Err()
				return res
			case <-time.After(p.Interval):
			}
		}
		res.Attempts++

		v, status, err := check(ctx)
		if err != nil {
			failures++
			res.Err = err
			if failures > p.MaxFailures {
				res.Status = Failed
				return res
			}
			continue
		}
		failures = 0
		res.Err = nil
		res.Value = v

		if status != Pending {
			res.Status = status
			return res
		}
	}

	res.Status = Pending
	return res
}
