package linalg

import (
	"errors"
	"fmt"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Economic decompositions
// =============================================================================
//
// The covariance matrices used by the mixed models in this module are always
// assembled as Gram matrices H @ H^T of a tall half matrix H. When H has far
// fewer columns than rows, the n x n covariance never needs to exist: an
// economic (rank-truncated) decomposition of H gives
//
//   H @ H^T = Q @ diag(S) @ Q^T
//
// with Q holding only the left singular vectors that carry non-zero singular
// values. Every downstream solve and log-determinant works off (Q, S).

var ErrRankZero = errors.New("linalg: half matrix has rank zero")

// QS is the economic decomposition of a Gram matrix H @ H^T.
type QS struct {
	// Q holds the left singular vectors of H with non-negligible singular
	// values, one column per retained direction.
	Q *mat.Dense

	// S holds the squared singular values matching the columns of Q.
	S []float64
}

// Rank returns the number of retained spectral directions.
func (qs *QS) Rank() int {
	return len(qs.S)
}

// EconomicQS computes the rank-truncated decomposition of H @ H^T from the
// half matrix H without forming the Gram matrix.
func EconomicQS(h mat.Matrix) (*QS, error) {
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDThin) {
		return nil, errors.New("linalg: SVD factorization failed")
	}

	sv := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	rows, cols := h.Dims()
	tol := float64(max(rows, cols)) * machineEpsilon * sv[0]
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, ErrRankZero
	}

	q := mat.NewDense(rows, rank, nil)
	s := make([]float64, rank)
	for j := 0; j < rank; j++ {
		s[j] = sv[j] * sv[j]
		for i := 0; i < rows; i++ {
			q.Set(i, j, u.At(i, j))
		}
	}
	return &QS{Q: q, S: s}, nil
}

const machineEpsilon = 2.220446049250313e-16

// EconomicSVD computes the thin SVD of a matrix truncated to non-negligible
// singular values, returning U, the singular values, and V.
func EconomicSVD(a mat.Matrix) (*mat.Dense, []float64, *mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, nil, nil, errors.New("linalg: SVD factorization failed")
	}

	sv := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	rows, cols := a.Dims()
	tol := float64(max(rows, cols)) * machineEpsilon * sv[0]
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		return nil, nil, nil, ErrRankZero
	}

	ut := mat.NewDense(rows, rank, nil)
	vt := mat.NewDense(cols, rank, nil)
	for j := 0; j < rank; j++ {
		for i := 0; i < rows; i++ {
			ut.Set(i, j, u.At(i, j))
		}
		for i := 0; i < cols; i++ {
			vt.Set(i, j, v.At(i, j))
		}
	}
	return ut, sv[:rank], vt, nil
}

// KinshipFactors derives the list of half matrices Ls such that
//
//	sum_i Ls[i] @ Ls[i]^T ~= K (.) (E2 @ E2^T)
//
// for the Hadamard-structured background covariance, given a kinship square
// root hK (K = hK @ hK^T) and the context matrix E2. One factor is produced
// per retained singular direction of E2: Ls[j] = diag(u_j * s_j) @ hK.
func KinshipFactors(hK, e2 *mat.Dense) ([]*mat.Dense, error) {
	n, _ := hK.Dims()
	en, _ := e2.Dims()
	if n != en {
		return nil, fmt.Errorf("linalg: kinship rows %d != context rows %d", n, en)
	}

	u, sv, _, err := EconomicSVD(e2)
	if err != nil {
		return nil, err
	}

	_, m := hK.Dims()
	ls := make([]*mat.Dense, len(sv))
	for j := range sv {
		scale := make([]float64, n)
		for i := 0; i < n; i++ {
			scale[i] = u.At(i, j) * sv[j]
		}
		l := mat.NewDense(n, m, nil)
		for i := 0; i < n; i++ {
			for k := 0; k < m; k++ {
				l.Set(i, k, scale[i]*hK.At(i, k))
			}
		}
		ls[j] = l
	}
	return ls, nil
}

// RowScale computes diag(g) @ A, scaling row i of A by g[i]. It is the
// low-rank factor of the genotype-modulated covariance
// diag(g) @ A @ A^T @ diag(g).
func RowScale(g []float64, a *mat.Dense) (*mat.Dense, error) {
	n, k := a.Dims()
	if len(g) != n {
		return nil, fmt.Errorf("linalg: vector length %d != matrix rows %d", len(g), n)
	}
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		vek.MulNumber_Into(out.RawRowView(i), a.RawRowView(i), g[i])
	}
	return out, nil
}

// GramEigenvalues returns the non-negligible eigenvalues of A^T @ A in
// descending order. By the SVD mirror identity these equal the non-zero
// eigenvalues of A @ A^T, which is what makes the score-test weight
// computation cheap for tall thin factors.
func GramEigenvalues(a mat.Matrix) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("linalg: SVD factorization failed")
	}
	sv := svd.Values(nil)
	rows, cols := a.Dims()
	tol := float64(max(rows, cols)) * machineEpsilon * sv[0]
	out := make([]float64, 0, len(sv))
	for _, s := range sv {
		if s > tol {
			out = append(out, s*s)
		}
	}
	if len(out) == 0 {
		return nil, ErrRankZero
	}
	return out, nil
}
