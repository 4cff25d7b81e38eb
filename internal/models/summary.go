package models

// Exit codes for the pipeline binary. Three-way by contract: downstream
// schedulers distinguish a clean run from a run that completed with holes.
const (
	ExitOK      = 0 // every unit succeeded
	ExitAborted = 1 // fatal error before completion
	ExitPartial = 3 // run completed, some units skipped or failed
)

// RunSummary is the machine-readable outcome of a pipeline run. The counts
// are part of the contract: tests assert on them directly.
type RunSummary struct {
	UnitsTotal          int
	UnitsFitted         int
	UnitsResumed        int // already complete in a prior checkpoint
	SkippedInsufficient int
	SkippedNonConverged int
	JoinDroppedBaseline int // keys present only in the baseline table
	JoinDroppedYear     int // keys present only in the year table
	RowsWritten         int
}

func (s *RunSummary) Add(o RunSummary) {
	s.UnitsTotal += o.UnitsTotal
	s.UnitsFitted += o.UnitsFitted
	s.UnitsResumed += o.UnitsResumed
	s.SkippedInsufficient += o.SkippedInsufficient
	s.SkippedNonConverged += o.SkippedNonConverged
	s.JoinDroppedBaseline += o.JoinDroppedBaseline
	s.JoinDroppedYear += o.JoinDroppedYear
	s.RowsWritten += o.RowsWritten
}

// ExitCode maps the summary onto the three-way exit contract. A summary is
// only produced by runs that completed; aborted runs never reach it.
func (s *RunSummary) ExitCode() int {
	if s.SkippedInsufficient > 0 || s.SkippedNonConverged > 0 {
		return ExitPartial
	}
	return ExitOK
}
