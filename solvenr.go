// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

// Implements a damped Newton-Raphson root finder for vector-valued residual
// functions. The step is computed with a Moore-Penrose pseudoinverse so the
// Jacobian may be non-square or near-singular.

package gosnap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ResModel provides the residual vector and its Jacobian for a candidate
// state. The Jacobian is evaluated at every loop, never cached, because it
// depends on the current state.
type ResModel interface {
	Res(x mat.Vector) *mat.VecDense
	Jac(x mat.Vector) *mat.Dense
}

// Calculation constants for the Newton-Raphson loop
const (
	NR_MAX_LOOP_COUNT        = 50   // Maximum number of iteration loops
	NR_CONVERGENCE_THRESHOLD = 1e-3 // Convergence threshold on the L1 norm of the step
	NR_DAMPING               = 1.0  // Step damping factor
)

// NROpt contains parameters for the Newton-Raphson iteration
type NROpt struct {
	Tol     float64 // Convergence threshold on the L1 norm of the step
	Lam     float64 // Damping factor applied to every step
	MaxLoop int     // Maximum number of loops before giving up
}

// NewNROpt creates a new NROpt with default values
func NewNROpt() *NROpt {
	return &NROpt{
		Tol:     NR_CONVERGENCE_THRESHOLD,
		Lam:     NR_DAMPING,
		MaxLoop: NR_MAX_LOOP_COUNT,
	}
}

// NRSol contains the outcome of a Newton-Raphson run.
// Converged distinguishes a genuine fix from loop exhaustion: when false,
// X holds the last iterate, not a solution.
type NRSol struct {
	X         *mat.VecDense // Final state (converged state, or last iterate)
	ResNorm   float64       // L2 norm of the residual at the final state
	Loops     int           // Number of loops executed
	Converged bool          // Whether the step shrank below Tol within MaxLoop
}

// SolveNR iterates x = x - Lam * pinv(J(x)) * f(x) until the L1 norm of the
// step falls below Tol, or MaxLoop is reached.
//
// The convergence check is on the step, not the residual: a near-singular
// Jacobian can yield a tiny step while the residual stays large. ResNorm is
// always returned so callers can tell a degraded fix from a precise one.
//
// An exhausted loop is reported through Converged=false, never as an error.
// Errors are reserved for structural faults (empty residual, dimension
// mismatch between f and J, failed factorization).
func SolveNR(mdl ResModel, x0 mat.Vector, opt *NROpt) (*NRSol, error) {

	if opt == nil {
		opt = NewNROpt()
	}

	nx := x0.Len()
	x := mat.NewVecDense(nx, nil)
	x.CloneFromVec(x0)

	rslt := &NRSol{X: x}

	for loop := 0; loop < opt.MaxLoop; loop++ {

		rslt.Loops = loop + 1

		// Residual and Jacobian at the current state
		f := mdl.Res(x)
		J := mdl.Jac(x)

		n := f.Len()
		if n == 0 {
			return nil, fmt.Errorf("empty residual vector")
		}
		n2, nx2 := J.Dims()
		if n2 != n || nx2 != nx {
			return nil, fmt.Errorf("invalid matrix size. J(%d x %d), f(%d x 1), x(%d x 1)", n2, nx2, n, nx)
		}

		// dx = Lam * pinv(J) * f
		Ji, err := Pinv(J)
		if err != nil {
			return nil, fmt.Errorf("Pinv() failed, err=%v", err)
		}
		var dx mat.VecDense
		dx.MulVec(Ji, f)
		dx.ScaleVec(opt.Lam, &dx)

		// x = x - dx
		x.SubVec(x, &dx)

		if DBG_ >= 4 {
			PrintA("loop %d: dx=\n", loop+1)
			PrintMat(&dx)
		}

		// Check convergence (L1 norm of the step)
		if mat.Norm(&dx, 1) < opt.Tol {
			rslt.Converged = true
			break
		}
	}

	rslt.ResNorm = mat.Norm(mdl.Res(x), 2)

	return rslt, nil
}

// Pinv computes the Moore-Penrose pseudoinverse of a through a thin SVD.
// Singular values below max(r,c)*eps*smax are treated as zero, so
// rank-deficient input degrades gracefully instead of blowing up.
func Pinv(a mat.Matrix) (*mat.Dense, error) {

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	r, c := a.Dims()
	s := svd.Values(nil)

	// Cutoff for small singular values
	tol := float64(max(r, c)) * machEps * s[0]

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// V * S^+ (scale the columns of V by the inverted singular values)
	k := len(s)
	vs := mat.NewDense(c, k, nil)
	for j := 0; j < k; j++ {
		si := 0.0
		if s[j] > tol {
			si = 1.0 / s[j]
		}
		for i := 0; i < c; i++ {
			vs.Set(i, j, v.At(i, j)*si)
		}
	}

	// pinv = V * S^+ * U^T
	pinv := mat.NewDense(c, r, nil)
	pinv.Mul(vs, u.T())

	return pinv, nil
}

// Double precision machine epsilon
var machEps = math.Nextafter(1, 2) - 1
