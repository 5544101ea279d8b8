package crm

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/gxemap/core/linalg"
	"github.com/adalundhe/gxemap/core/quadform"
)

// Model is the analysis context shared by every scan over one trait: the
// phenotype, the fixed-effect covariates, the interaction environment, the
// background covariance factors, and the per-rho decompositions derived from
// them. Construction validates every shape eagerly; a built Model is
// read-only and safe for concurrent scans.
type Model struct {
	y         []float64
	w         *mat.Dense   // fixed-effect covariates, intercept by default
	e0        *mat.Dense   // interaction environment
	e1        *mat.Dense   // background environment
	secondary []*mat.Dense // kinship-structured background factors

	bg     *background
	davies quadform.DaviesConfig
	log    *slog.Logger

	workers int
}

// Option configures optional Model inputs.
type Option func(*options)

type options struct {
	w       *mat.Dense
	e1      *mat.Dense
	e2      *mat.Dense
	hk      *mat.Dense
	factors []*mat.Dense
	davies  *quadform.DaviesConfig
	log     *slog.Logger
	workers int
}

// WithCovariates sets the fixed-effect design. Callers are expected to
// include an intercept column; the default design is an intercept alone.
func WithCovariates(w *mat.Dense) Option {
	return func(o *options) { o.w = w }
}

// WithEnvironment sets a background environment distinct from the
// interaction environment. By default the two coincide.
func WithEnvironment(e1 *mat.Dense) Option {
	return func(o *options) { o.e1 = e1 }
}

// WithKinshipEnvironment sets the context matrix used to derive the
// kinship-structured background factors from a half factor supplied via
// WithKinshipHalf. By default it coincides with the background environment.
func WithKinshipEnvironment(e2 *mat.Dense) Option {
	return func(o *options) { o.e2 = e2 }
}

// WithKinshipHalf supplies a half factor hK of the kinship matrix
// (K = hK @ hK^T). The background factors are derived from it by scaling
// against the environment decomposition, one factor per environment
// direction.
func WithKinshipHalf(hk *mat.Dense) Option {
	return func(o *options) { o.hk = hk }
}

// WithKinshipFactors supplies precomputed background factors directly,
// bypassing the environment-scaled derivation.
func WithKinshipFactors(ls []*mat.Dense) Option {
	return func(o *options) { o.factors = ls }
}

// WithDaviesConfig overrides the characteristic-function inversion settings
// used for score-test p-values.
func WithDaviesConfig(cfg quadform.DaviesConfig) Option {
	return func(o *options) { o.davies = &cfg }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithWorkers caps scan concurrency. Defaults to runtime.NumCPU.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// New builds the analysis context for trait y and interaction environment e.
func New(y []float64, e *mat.Dense, opts ...Option) (*Model, error) {
	n := len(y)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty trait", ErrShape)
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: trait value at sample %d is not finite", ErrShape, i)
		}
	}
	en, ek := e.Dims()
	if en != n {
		return nil, fmt.Errorf("%w: environment has %d rows, trait has %d samples", ErrShape, en, n)
	}
	if ek == 0 {
		return nil, fmt.Errorf("%w: environment has no columns", ErrShape)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	w := o.w
	if w == nil {
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		w = mat.NewDense(n, 1, ones)
	}
	wn, wp := w.Dims()
	if wn != n {
		return nil, fmt.Errorf("%w: covariates have %d rows, trait has %d samples", ErrShape, wn, n)
	}
	if wp >= n {
		return nil, fmt.Errorf("%w: %d covariates for %d samples", ErrShape, wp, n)
	}

	e1 := o.e1
	if e1 == nil {
		e1 = e
	}
	if e1n, _ := e1.Dims(); e1n != n {
		return nil, fmt.Errorf("%w: background environment has %d rows, trait has %d samples", ErrShape, e1n, n)
	}

	e2 := o.e2
	if e2 == nil {
		e2 = e1
	}
	if e2n, _ := e2.Dims(); e2n != n {
		return nil, fmt.Errorf("%w: kinship context has %d rows, trait has %d samples", ErrShape, e2n, n)
	}

	secondary := o.factors
	if secondary == nil && o.hk != nil {
		hn, _ := o.hk.Dims()
		if hn != n {
			return nil, fmt.Errorf("%w: kinship half factor has %d rows, trait has %d samples", ErrShape, hn, n)
		}
		ls, err := linalg.KinshipFactors(o.hk, e2)
		if err != nil {
			return nil, fmt.Errorf("derive kinship factors: %w", err)
		}
		secondary = ls
	}
	for _, s := range secondary {
		if sn, _ := s.Dims(); sn != n {
			return nil, fmt.Errorf("%w: background factor has %d rows, trait has %d samples", ErrShape, sn, n)
		}
	}

	bg, err := newBackground(e1, secondary)
	if err != nil {
		return nil, err
	}

	davies := quadform.DefaultDaviesConfig()
	if o.davies != nil {
		davies = *o.davies
	}
	log := o.log
	if log == nil {
		log = slog.Default()
	}
	workers := o.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	yc := make([]float64, n)
	copy(yc, y)

	return &Model{
		y:         yc,
		w:         w,
		e0:        e,
		e1:        e1,
		secondary: secondary,
		bg:        bg,
		davies:    davies,
		log:       log,
		workers:   workers,
	}, nil
}

// Samples returns the number of samples in the trait.
func (m *Model) Samples() int { return len(m.y) }

// Environments returns the number of interaction environment columns.
func (m *Model) Environments() int {
	_, k := m.e0.Dims()
	return k
}

// HasKinship reports whether kinship-structured background factors exist.
func (m *Model) HasKinship() bool { return len(m.secondary) > 0 }
