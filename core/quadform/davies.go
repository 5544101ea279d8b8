package quadform

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// =============================================================================
// Davies' method
// =============================================================================
//
// Computes tail probabilities of Q = sum_j lambda_j * X_j with
// X_j ~ chi-square(n_j, delta_j), by numerical inversion of the
// characteristic function (Davies 1980, Algorithm AS 155). The score test
// only ever needs the central one-degree-of-freedom case, but the inversion
// is implemented in full generality because the truncation and convergence
// control depend on the dof/noncentrality bookkeeping.

var (
	// ErrTailApprox reports that the tail approximation could not reach the
	// requested accuracy within the evaluation budget.
	ErrTailApprox = errors.New("quadform: tail approximation failed")

	// ErrBadWeights reports invalid distribution parameters.
	ErrBadWeights = errors.New("quadform: invalid distribution parameters")
)

// DaviesConfig bounds the characteristic-function inversion.
type DaviesConfig struct {
	// Lim caps the total number of integration terms across all rounds.
	Lim int

	// Acc is the requested absolute accuracy of the tail probability.
	Acc float64
}

// DefaultDaviesConfig returns the accuracy budget used by the scan paths.
func DefaultDaviesConfig() DaviesConfig {
	return DaviesConfig{Lim: 1_000_000, Acc: 1e-9}
}

// DaviesInfo carries convergence diagnostics of one inversion.
type DaviesInfo struct {
	// IntegrationError is the accumulated absolute error bound.
	IntegrationError float64

	// Terms is the number of integrand evaluations consumed.
	Terms int
}

const log28 = 0.0866 // log(2)/8

type qfc struct {
	lb     []float64
	nc     []float64
	n      []int
	th     []int
	sigsq  float64
	c      float64
	lim    int
	acc    float64
	count  int
	intl   float64
	ersm   float64
	lmax   float64
	lmin   float64
	mean   float64
	sorted bool
	failed bool
}

func exp1(x float64) float64 {
	if x < -50 {
		return 0
	}
	return math.Exp(x)
}

func (q *qfc) step() error {
	q.count++
	if q.count > q.lim {
		return fmt.Errorf("%w: evaluation budget of %d exhausted", ErrTailApprox, q.lim)
	}
	return nil
}

// log1 computes log(1+x), or log(1+x)-x when first is false, stably near 0.
func log1(x float64, first bool) float64 {
	if math.Abs(x) > 0.1 {
		if first {
			return math.Log(1 + x)
		}
		return math.Log(1+x) - x
	}
	y := x / (2 + x)
	term := 2 * y * y * y
	k := 3.0
	s := -x * y
	if first {
		s = 2 * y
	}
	y *= y
	for s1 := s + term/k; s1 != s; s1 = s + term/k {
		k += 2
		term *= y
		s = s1
	}
	return s
}

func (q *qfc) order() {
	sort.Slice(q.th, func(a, b int) bool {
		return math.Abs(q.lb[q.th[a]]) > math.Abs(q.lb[q.th[b]])
	})
	q.sorted = true
}

// errbd bounds the tail integration error for the tilt parameter u and
// returns the bound together with the matching cutoff point.
func (q *qfc) errbd(u float64) (bound, cutoff float64, err error) {
	if err := q.step(); err != nil {
		return 0, 0, err
	}
	xconst := u * q.sigsq
	sum1 := u * xconst
	u *= 2
	for j := len(q.lb) - 1; j >= 0; j-- {
		nj := float64(q.n[j])
		lj := q.lb[j]
		ncj := q.nc[j]
		x := u * lj
		y := 1 - x
		xconst += lj * (ncj/y + nj) / y
		sum1 += ncj*(x/y)*(x/y) + nj*(x*x/y+log1(-x, false))
	}
	return exp1(-0.5 * sum1), xconst, nil
}

// ctff finds the distribution cutoff past which the tail weight drops below
// accx, searching from the initial bracket upn.
func (q *qfc) ctff(accx, upn float64) (cutoff, bracket float64, err error) {
	u2 := upn
	u1 := 0.0
	c1 := q.mean
	rb := 2 * q.lmin
	if u2 > 0 {
		rb = 2 * q.lmax
	}
	e, c2, err := q.errbd(u2 / (1 + u2*rb))
	if err != nil {
		return 0, 0, err
	}
	for e > accx {
		u1 = u2
		c1 = c2
		u2 *= 2
		e, c2, err = q.errbd(u2 / (1 + u2*rb))
		if err != nil {
			return 0, 0, err
		}
	}
	for u := (c1 - q.mean) / (c2 - q.mean); u < 0.9; u = (c1 - q.mean) / (c2 - q.mean) {
		mid := (u1 + u2) / 2
		e, xconst, err := q.errbd(mid / (1 + mid*rb))
		if err != nil {
			return 0, 0, err
		}
		if e > accx {
			u1 = mid
			c1 = xconst
		} else {
			u2 = mid
			c2 = xconst
		}
	}
	return c2, u2, nil
}

// truncation bounds the error of truncating the inversion integral at u,
// optionally after convolving with an extra N(0, tausq) term.
func (q *qfc) truncation(u, tausq float64) (float64, error) {
	if err := q.step(); err != nil {
		return 0, err
	}
	var sum1, prod2, prod3 float64
	s := 0
	sum2 := (q.sigsq + tausq) * u * u
	prod1 := 2 * sum2
	u *= 2
	for j := range q.lb {
		lj := q.lb[j]
		ncj := q.nc[j]
		nj := float64(q.n[j])
		x := u * lj * u * lj
		sum1 += ncj * x / (1 + x)
		if x > 1 {
			prod2 += nj * math.Log(x)
			prod3 += nj * log1(x, true)
			s += q.n[j]
		} else {
			prod1 += nj * log1(x, true)
		}
	}
	sum1 *= 0.5
	prod2 += prod1
	prod3 += prod1
	x := exp1(-sum1-0.25*prod2) / math.Pi
	y := exp1(-sum1-0.25*prod3) / math.Pi

	err1 := 1.0
	if s > 0 {
		err1 = x * 2 / float64(s)
	}
	err2 := 1.0
	if prod3 > 1 {
		err2 = 2.5 * y
	}
	if err2 < err1 {
		err1 = err2
	}
	x = 0.5 * sum2
	err2 = 1.0
	if x > y {
		err2 = y / x
	}
	if err1 < err2 {
		return err1, nil
	}
	return err2, nil
}

// findu locates the smallest truncation point with error below accx.
func (q *qfc) findu(utx, accx float64) (float64, error) {
	ut := utx
	u := ut / 4
	t, err := q.truncation(u, 0)
	if err != nil {
		return 0, err
	}
	if t > accx {
		for {
			t, err = q.truncation(ut, 0)
			if err != nil {
				return 0, err
			}
			if t <= accx {
				break
			}
			ut *= 4
		}
	} else {
		ut = u
		for {
			u /= 4
			t, err = q.truncation(u, 0)
			if err != nil {
				return 0, err
			}
			if t > accx {
				break
			}
			ut = u
		}
	}
	for _, d := range [4]float64{2.0, 1.4, 1.2, 1.1} {
		u = ut / d
		t, err = q.truncation(u, 0)
		if err != nil {
			return 0, err
		}
		if t <= accx {
			ut = u
		}
	}
	return ut, nil
}

// integrate accumulates nterm+1 terms of the inversion series with spacing
// interv; when main is false the series is damped by the auxiliary tausq
// convolution factor.
func (q *qfc) integrate(nterm int, interv, tausq float64, main bool) {
	inpi := interv / math.Pi
	for k := nterm; k >= 0; k-- {
		u := (float64(k) + 0.5) * interv
		sum1 := -2 * u * q.c
		sum2 := math.Abs(sum1)
		sum3 := -0.5 * q.sigsq * u * u
		for j := len(q.lb) - 1; j >= 0; j-- {
			nj := float64(q.n[j])
			x := 2 * q.lb[j] * u
			y := x * x
			sum3 -= 0.25 * nj * log1(y, true)
			y = q.nc[j] * x / (1 + y)
			z := nj*math.Atan(x) + y
			sum1 += z
			sum2 += math.Abs(z)
			sum3 -= 0.5 * x * y
		}
		x := inpi * exp1(sum3) / u
		if !main {
			x *= 1 - exp1(-0.5*tausq*u*u)
		}
		q.intl += math.Sin(0.5*sum1) * x
		q.ersm += 0.5 * sum2 * x
	}
}

// cfe bounds the density of the distribution at x; used to size the
// auxiliary convolution variance.
func (q *qfc) cfe(x float64) (float64, error) {
	if err := q.step(); err != nil {
		return 0, err
	}
	if !q.sorted {
		q.order()
	}
	axl := math.Abs(x)
	sxl := -1.0
	if x > 0 {
		sxl = 1.0
	}
	sum1 := 0.0
	for j := len(q.lb) - 1; j >= 0; j-- {
		t := q.th[j]
		if q.lb[t]*sxl > 0 {
			lj := math.Abs(q.lb[t])
			axl1 := axl - lj*(float64(q.n[t])+q.nc[t])
			axl2 := lj / log28
			if axl1 > axl2 {
				axl = axl1
			} else {
				if axl > axl2 {
					axl = axl2
				}
				sum1 = (axl - axl1) / lj
				for k := j - 1; k >= 0; k-- {
					sum1 += float64(q.n[q.th[k]]) + q.nc[q.th[k]]
				}
				break
			}
		}
	}
	if sum1 > 100 {
		q.failed = true
		return 1, nil
	}
	return math.Pow(2, sum1/4) / (math.Pi * axl * axl), nil
}

// distribution runs the full inversion and returns Pr(Q < c).
func (q *qfc) distribution() (float64, error) {
	acc1 := q.acc
	sd := q.sigsq
	for j := range q.lb {
		if q.n[j] < 0 || q.nc[j] < 0 {
			return 0, ErrBadWeights
		}
		sd += q.lb[j] * q.lb[j] * (2*float64(q.n[j]) + 4*q.nc[j])
		q.mean += q.lb[j] * (float64(q.n[j]) + q.nc[j])
		if q.lmax < q.lb[j] {
			q.lmax = q.lb[j]
		}
		if q.lmin > q.lb[j] {
			q.lmin = q.lb[j]
		}
	}
	if sd == 0 {
		if q.c > 0 {
			return 1, nil
		}
		return 0, nil
	}
	if q.lmin == 0 && q.lmax == 0 && q.sigsq == 0 {
		return 0, ErrBadWeights
	}
	sd = math.Sqrt(sd)
	almx := math.Max(q.lmax, -q.lmin)

	utx, err := q.findu(16/sd, 0.5*acc1)
	if err != nil {
		return 0, err
	}
	up := 4.5 / sd
	un := -up

	// For spread-out distributions, convolving with a small normal term
	// shortens the integration range without exceeding the error budget.
	if q.c != 0 && almx > 0.07*sd {
		fe, err := q.cfe(q.c)
		if err != nil {
			return 0, err
		}
		tausq := 0.25 * acc1 / fe
		if q.failed {
			q.failed = false
		} else {
			t, err := q.truncation(utx, tausq)
			if err != nil {
				return 0, err
			}
			if t < 0.2*acc1 {
				q.sigsq += tausq
				utx, err = q.findu(utx, 0.25*acc1)
				if err != nil {
					return 0, err
				}
			}
		}
	}
	acc1 *= 0.5

	xlim := float64(q.lim)
	var intv float64
	for {
		cu, upNew, err := q.ctff(acc1, up)
		if err != nil {
			return 0, err
		}
		up = upNew
		if cu-q.c < 0 {
			return 1, nil
		}
		cl, unNew, err := q.ctff(acc1, un)
		if err != nil {
			return 0, err
		}
		un = unNew
		if q.c-cl < 0 {
			return 0, nil
		}
		intv = 2 * math.Pi / math.Max(cu-q.c, q.c-cl)

		xnt := utx / intv
		xntm := 3 / math.Sqrt(acc1)
		if xnt <= xntm*1.5 {
			break
		}
		if xntm > xlim {
			return 0, fmt.Errorf("%w: %.0f auxiliary terms needed, limit %d", ErrTailApprox, xntm, q.lim)
		}
		ntm := int(math.Floor(xntm + 0.5))
		intv1 := utx / float64(ntm)
		x := 2 * math.Pi / intv1
		if x <= math.Abs(q.c) {
			break
		}
		feL, err := q.cfe(q.c - x)
		if err != nil {
			return 0, err
		}
		feR, err := q.cfe(q.c + x)
		if err != nil {
			return 0, err
		}
		tausq := 0.33 * acc1 / (1.1 * (feL + feR))
		if q.failed {
			break
		}
		acc1 *= 0.67
		q.integrate(ntm, intv1, tausq, false)
		xlim -= xntm
		q.sigsq += tausq
		utx, err = q.findu(utx, 0.25*acc1)
		if err != nil {
			return 0, err
		}
		acc1 *= 0.75
	}

	xnt := utx / intv
	if xnt > xlim {
		return 0, fmt.Errorf("%w: %.0f main terms needed, limit %d", ErrTailApprox, xnt, q.lim)
	}
	q.integrate(int(math.Floor(xnt+0.5)), intv, 0, true)
	return 0.5 - q.intl, nil
}

// Davies computes Pr(Q >= statistic) for Q ~ sum_j weights[j]*chi-square(1)
// with the given accuracy budget. Weights must be non-negative; zero weights
// are dropped.
func Davies(statistic float64, weights []float64, cfg DaviesConfig) (float64, DaviesInfo, error) {
	if statistic < 0 {
		return 0, DaviesInfo{}, fmt.Errorf("%w: negative statistic %v", ErrBadWeights, statistic)
	}
	lb := make([]float64, 0, len(weights))
	for _, w := range weights {
		if w < 0 {
			return 0, DaviesInfo{}, fmt.Errorf("%w: negative weight %v", ErrBadWeights, w)
		}
		if w > 0 {
			lb = append(lb, w)
		}
	}
	if len(lb) == 0 {
		return 0, DaviesInfo{}, fmt.Errorf("%w: all weights are zero", ErrBadWeights)
	}
	if cfg.Lim <= 0 || cfg.Acc <= 0 {
		cfg = DefaultDaviesConfig()
	}

	q := &qfc{
		lb:  lb,
		nc:  make([]float64, len(lb)),
		n:   make([]int, len(lb)),
		th:  make([]int, len(lb)),
		c:   statistic,
		lim: cfg.Lim,
		acc: cfg.Acc,
	}
	for j := range q.n {
		q.n[j] = 1
		q.th[j] = j
	}

	cdf, err := q.distribution()
	info := DaviesInfo{IntegrationError: q.ersm, Terms: q.count}
	if err != nil {
		return 0, info, err
	}
	p := 1 - cdf
	if p <= 0 || p > 1 || math.IsNaN(p) {
		return p, info, fmt.Errorf("%w: inversion returned p=%v", ErrTailApprox, p)
	}
	return p, info, nil
}
