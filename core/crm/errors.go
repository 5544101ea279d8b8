package crm

import "errors"

var (
	// ErrShape reports sample-count or column-count mismatches between the
	// analysis inputs. Detected eagerly at construction, never deferred to
	// a fit call.
	ErrShape = errors.New("crm: dimension mismatch")

	// ErrDegenerateCovariance reports a covariance whose variance
	// components cannot support a solve.
	ErrDegenerateCovariance = errors.New("crm: degenerate covariance")

	// ErrAllCandidatesFailed reports that every point of the mixing-weight
	// grid failed to fit, leaving no model to select.
	ErrAllCandidatesFailed = errors.New("crm: no mixing-weight candidate converged")
)
