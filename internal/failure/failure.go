// Package failure defines the error taxonomy shared by the fitting, segmentation
// and comparison packages. Every failure is local to one unit of work (an
// event/variant pair or a series pair); callers record it and move on.
package failure

import "errors"

var (
	// ErrInsufficientData means too few valid observations for a fit or estimate
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNonConvergence means the optimizer did not find parameters within its budget
	ErrNonConvergence = errors.New("fit did not converge")

	// ErrDegenerateStatistics means a statistic is undefined for the input
	// (negative ubRMSE radicand, zero variance, unimodal density)
	ErrDegenerateStatistics = errors.New("degenerate statistics")
)

// Kind classifies a failure for logging, metrics and stored records
type Kind string

const (
	KindNone                 Kind = ""
	KindInsufficientData     Kind = "insufficient_data"
	KindNonConvergence       Kind = "non_convergence"
	KindDegenerateStatistics Kind = "degenerate_statistics"
	KindOther                Kind = "other"
)

// KindOf maps an error onto its Kind. A nil error maps to KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrNonConvergence):
		return KindNonConvergence
	case errors.Is(err, ErrDegenerateStatistics):
		return KindDegenerateStatistics
	default:
		return KindOther
	}
}
