// Package runner schedules independent fitting work units across a bounded
// worker pool, accumulates their rows, and flushes to durable storage on a
// fixed cadence with checkpoint marks so interrupted runs resume where they
// left off.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kye/vegsense/internal/metrics"
	"github.com/kye/vegsense/internal/models"
)

// Unit is one independently schedulable piece of fitting work. Fit either
// returns the unit's rows or a *models.FitError; anything else is treated as
// a convergence failure so one bad unit can never abort the run.
type Unit[T any] struct {
	ID  string
	Fit func() ([]T, error)
}

// Checkpointer is the persistent unit-completion ledger.
type Checkpointer interface {
	MarkUnitComplete(runKind, unitID string) error
	MarkUnitFailed(runKind, unitID string, kind models.FailureKind) error
	SettledUnits(runKind string) (map[string]bool, error)
	FailedUnitCounts(runKind string) (map[models.FailureKind]int, error)
}

type Options struct {
	Kind            string // checkpoint namespace, e.g. "baseline" or "year:2023"
	Workers         int
	CheckpointEvery int // completed units per durable flush
}

type outcome[T any] struct {
	id   string
	rows []T
	err  error
}

// Run executes the units not already settled in the checkpoint ledger and
// flushes accumulated rows through write every CheckpointEvery completions.
// Workers never share mutable state: each unit is owned by exactly one
// worker, and the single collector goroutine owns all writes.
func Run[T any](ctx context.Context, units []Unit[T], cp Checkpointer, write func([]T) error, opts Options) (models.RunSummary, error) {
	var sum models.RunSummary
	sum.UnitsTotal = len(units)

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 50
	}

	settled, err := cp.SettledUnits(opts.Kind)
	if err != nil {
		return sum, fmt.Errorf("read checkpoint state: %w", err)
	}
	priorFailed, err := cp.FailedUnitCounts(opts.Kind)
	if err != nil {
		return sum, fmt.Errorf("read checkpoint failures: %w", err)
	}
	sum.SkippedInsufficient += priorFailed[models.FailInsufficientData]
	sum.SkippedNonConverged += priorFailed[models.FailConvergence]

	var pending []Unit[T]
	for _, u := range units {
		if settled[u.ID] {
			sum.UnitsResumed++
			continue
		}
		pending = append(pending, u)
	}
	if sum.UnitsResumed > 0 {
		log.Printf("runner: %s: resuming, %d of %d units already settled", opts.Kind, sum.UnitsResumed, len(units))
	}

	jobs := make(chan Unit[T])
	results := make(chan outcome[T])
	done := make(chan struct{})

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				rows, err := u.Fit()
				results <- outcome[T]{id: u.ID, rows: rows, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, u := range pending {
			select {
			case jobs <- u:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// The collector below is the only writer. Rows land first, checkpoint
	// marks second: a crash in between re-runs a unit whose upserts are
	// idempotent, which is the at-least-once contract.
	var acc Accumulator[T]
	var completeIDs []string
	type failedUnit struct {
		id   string
		kind models.FailureKind
	}
	var failedIDs []failedUnit

	flush := func() error {
		if acc.Len() > 0 {
			rows := acc.Drain()
			if err := retryWrite(func() error { return write(rows) }); err != nil {
				return fmt.Errorf("%w: flush %d rows: %v", models.ErrCheckpointWrite, len(rows), err)
			}
			sum.RowsWritten += len(rows)
		}
		for _, id := range completeIDs {
			if err := retryWrite(func() error { return cp.MarkUnitComplete(opts.Kind, id) }); err != nil {
				return fmt.Errorf("%w: mark complete %s: %v", models.ErrCheckpointWrite, id, err)
			}
		}
		for _, f := range failedIDs {
			if err := retryWrite(func() error { return cp.MarkUnitFailed(opts.Kind, f.id, f.kind) }); err != nil {
				return fmt.Errorf("%w: mark failed %s: %v", models.ErrCheckpointWrite, f.id, err)
			}
		}
		completeIDs = completeIDs[:0]
		failedIDs = failedIDs[:0]
		metrics.CheckpointFlushes.WithLabelValues(opts.Kind).Inc()
		return nil
	}

	sinceFlush := 0
	received := 0
	var fatal error
	for out := range results {
		received++
		switch {
		case out.err == nil:
			sum.UnitsFitted++
			acc.Add(out.rows...)
			completeIDs = append(completeIDs, out.id)
			metrics.UnitsCompleted.WithLabelValues(opts.Kind).Inc()
		default:
			var fe *models.FitError
			if !errors.As(out.err, &fe) {
				fe = models.ConvergenceFailure("%v", out.err)
			}
			switch fe.Kind {
			case models.FailInsufficientData:
				sum.SkippedInsufficient++
			default:
				sum.SkippedNonConverged++
			}
			failedIDs = append(failedIDs, failedUnit{id: out.id, kind: fe.Kind})
			metrics.UnitsSkipped.WithLabelValues(opts.Kind, string(fe.Kind)).Inc()
		}

		sinceFlush++
		if sinceFlush >= opts.CheckpointEvery {
			if err := flush(); err != nil {
				fatal = err
				close(done)
				break
			}
			sinceFlush = 0
		}
	}
	if fatal != nil {
		// Drain remaining worker sends so goroutines exit.
		for range results {
		}
		return sum, fatal
	}

	if err := ctx.Err(); err != nil {
		// Flush what completed before the interrupt so resume skips it.
		if ferr := flush(); ferr != nil {
			return sum, ferr
		}
		return sum, fmt.Errorf("run interrupted: %w", err)
	}

	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}

// retryWrite retries transient storage errors (sqlite busy under WAL) with
// exponential backoff before giving up. Exhausted retries surface as a fatal
// checkpoint write failure.
func retryWrite(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(op, bo)
}
