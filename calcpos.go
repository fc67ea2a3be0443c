// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

// Implements snapshot point positioning from pseudorange observations.
// One epoch in, one receiver state out: ECEF position plus receiver clock
// bias, solved with the damped Newton-Raphson routine in solvenr.go.

package gosnap

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// State vector layout: x, y, z [m] and receiver clock bias [m]
const NX = 4

// Minimum number of pseudoranges for a solvable epoch (4 unknowns)
const MIN_SATS = 4

// Initial guess for the Newton-Raphson iteration [m].
// Arbitrary but reproducible; off the origin so no satellite distance can be
// zero at the seed.
var posSeed = [NX]float64{100, 100, 100, 0}

// PrModel builds the residual vector and Jacobian of the pseudorange
// observation equations for a candidate receiver state. It implements
// ResModel for SolveNR.
//
// For state (x, y, z, cdt) and satellite i:
//   range_i = |(x,y,z) - SatPos[i]|
//   f_i     = Pr[i] - (range_i + cdt - Corr[i])
type PrModel struct {
	Pr     []float64 // Pseudorange observations [m]
	SatPos []PosXYZ  // Satellite ECEF positions [m]
	Corr   []float64 // Aggregate corrections subtracted from the modeled range [m]
}

// NewPrModel creates a PrModel after checking that the per-satellite arrays
// are consistent in length
func NewPrModel(pr []float64, satPos []PosXYZ, corr []float64) (*PrModel, error) {
	if len(pr) != len(satPos) || len(pr) != len(corr) {
		return nil, fmt.Errorf("invalid array size. pr(%d), satPos(%d), corr(%d)", len(pr), len(satPos), len(corr))
	}
	return &PrModel{
		Pr:     pr,
		SatPos: satPos,
		Corr:   corr,
	}, nil
}

// Res returns the observed-minus-modeled pseudorange vector
func (m *PrModel) Res(x mat.Vector) *mat.VecDense {
	upos := PosXYZ{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	cdt := x.AtVec(3)
	f := mat.NewVecDense(len(m.Pr), nil)
	for i := range m.Pr {
		ri := EucDist(&m.SatPos[i], &upos)
		f.SetVec(i, m.Pr[i]-(ri+cdt-m.Corr[i]))
	}
	return f
}

// Jac returns the n x 4 Jacobian of Res at the given state
func (m *PrModel) Jac(x mat.Vector) *mat.Dense {
	upos := PosXYZ{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	J := mat.NewDense(len(m.Pr), NX, nil)
	for i := range m.Pr {
		J.Set(i, 0, -DistDx(&m.SatPos[i], &upos))
		J.Set(i, 1, -DistDy(&m.SatPos[i], &upos))
		J.Set(i, 2, -DistDz(&m.SatPos[i], &upos))
		J.Set(i, 3, -1)
	}
	return J
}

// ClkToMicros converts a clock bias from meters to microseconds
func ClkToMicros(cdt float64) float64 {
	return cdt * 1e6 / C
}

// SolStatus tags the outcome of one epoch's solve
type SolStatus int

const (
	SolOK              SolStatus = iota // Converged solution
	SolUnderdetermined                  // Fewer than MIN_SATS usable satellites
	SolNotConverged                     // Loop count exhausted before convergence
)

func (s SolStatus) String() string {
	switch s {
	case SolOK:
		return "OK"
	case SolUnderdetermined:
		return "UNDERDET"
	case SolNotConverged:
		return "NOCONV"
	default:
		return "UNKNOWN!"
	}
}

// PosOpt contains options and parameters for point positioning calculation
type PosOpt struct {
	Tol     float64   // Convergence threshold on the L1 norm of the step [m]
	Lam     float64   // Newton step damping factor
	MaxLoop int       // Maximum number of iteration loops
	ExSats  []SatType // List of satellites to exclude from calculation
}

// NewPosOpt creates a new PosOpt with default values
func NewPosOpt() *PosOpt {
	return &PosOpt{
		Tol:     NR_CONVERGENCE_THRESHOLD,
		Lam:     NR_DAMPING,
		MaxLoop: NR_MAX_LOOP_COUNT,
		ExSats:  []SatType{},
	}
}

// PosSol contains the results of one epoch's point positioning calculation.
//
// Pos is in ECEF meters while ClkUs is in microseconds (the solved clock bias
// times 1e6/C). The asymmetry is deliberate and matched by downstream
// consumers.
type PosSol struct {
	Time    GTime               // Epoch time
	Status  SolStatus           // Outcome tag; only SolOK rows hold a usable fix
	Pos     PosXYZ              // Receiver position [m] (NaN unless SolOK)
	ClkUs   float64             // Receiver clock bias [us] (NaN unless SolOK)
	ResNorm float64             // L2 norm of the residual at the final state
	Loops   int                 // Number of Newton loops executed
	Sats    []SatType           // Satellites used in calculation
	Res     map[SatType]float64 // Final residuals at convergence [m]
	Elev    map[SatType]float64 // Satellite elevation angles from the fix [rad]
	Azim    map[SatType]float64 // Satellite azimuth angles from the fix [rad]
	Dop     map[string]float64  // Dilution of precision: 'gdop', 'pdop', 'hdop', 'vdop'
}

// NewPosSol creates a new empty PosSol for the given epoch
func NewPosSol(t GTime) *PosSol {
	nan := math.NaN()
	return &PosSol{
		Time:   t,
		Status: SolUnderdetermined,
		Pos:    PosXYZ{X: nan, Y: nan, Z: nan},
		ClkUs:  nan,
		Sats:   []SatType{},
		Res:    map[SatType]float64{},
		Elev:   map[SatType]float64{},
		Azim:   map[SatType]float64{},
		Dop:    map[string]float64{},
	}
}

// CalcPos solves one epoch's receiver position and clock bias.
//
// The solve is a pure function of the epoch's own measurements; nothing
// carries over between epochs. Underdetermined epochs and loop exhaustion are
// reported through the Status tag, never as an error, so a batch can keep
// going past a bad epoch. The returned error covers only malformed input.
func CalcPos(mease *MeasE, opt *PosOpt) (*PosSol, error) {

	if opt == nil {
		opt = NewPosOpt()
	}

	rslt := NewPosSol(mease.Time)

	// Select satellites for calculation
	pr := []float64{}
	spos := []PosXYZ{}
	corr := []float64{}
	for _, ms := range mease.DatS {
		if slices.Contains(opt.ExSats, ms.Sat) {
			PrintD(3, "\t%s: Exclude satellite\n", ms.Sat)
			continue
		}
		rslt.Sats = append(rslt.Sats, ms.Sat)
		pr = append(pr, ms.Pr)
		spos = append(spos, PosXYZ{X: ms.X, Y: ms.Y, Z: ms.Z})
		corr = append(corr, ms.B)
	}

	// Underdetermined epoch: do not enter the Newton loop
	if len(pr) < MIN_SATS {
		PrintD(2, "\t%s: not enough satellites: %d < %d\n", &mease.Time, len(pr), MIN_SATS)
		rslt.Status = SolUnderdetermined
		return rslt, nil
	}

	mdl, err := NewPrModel(pr, spos, corr)
	if err != nil {
		return nil, fmt.Errorf("NewPrModel() failed, err=%v", err)
	}

	// Solve the observation equations iteratively
	x0 := mat.NewVecDense(NX, posSeed[:])
	nrOpt := &NROpt{Tol: opt.Tol, Lam: opt.Lam, MaxLoop: opt.MaxLoop}
	nr, err := SolveNR(mdl, x0, nrOpt)
	if err != nil {
		return nil, fmt.Errorf("SolveNR() failed, err=%v", err)
	}

	rslt.ResNorm = nr.ResNorm
	rslt.Loops = nr.Loops

	if !nr.Converged {
		PrintD(2, "\t%s: number of loop reached max (%d), resnorm=%f\n", &mease.Time, nr.Loops, nr.ResNorm)
		rslt.Status = SolNotConverged
		return rslt, nil
	}

	// Set values in result structure
	rslt.Status = SolOK
	rslt.Pos = PosXYZ{X: nr.X.AtVec(0), Y: nr.X.AtVec(1), Z: nr.X.AtVec(2)}
	rslt.ClkUs = ClkToMicros(nr.X.AtVec(3))

	// Per-satellite diagnostics at the converged state
	f := mdl.Res(nr.X)
	for i, sat := range rslt.Sats {
		rslt.Res[sat] = f.AtVec(i)
		rslt.Elev[sat] = rslt.Pos.Elevation(mdl.SatPos[i])
		rslt.Azim[sat] = rslt.Pos.Azimuth(mdl.SatPos[i])
	}

	// Calculate DOP values from the geometry at the converged state
	if err := setDop(rslt, mdl.Jac(nr.X)); err != nil {
		PrintD(2, "\t%s: %s\n", &mease.Time, err.Error())
	}

	if DBG_ >= 3 {
		llh := rslt.Pos.ToLLH()
		PrintA("\t%s: LLH= %.9f %.9f %.4f, XYZ= %.3f %.3f %.3f, clk= %.6f us, loops= %d, resnorm= %f\n",
			&mease.Time, ToDeg(llh.Lat), ToDeg(llh.Lon), llh.Hei, rslt.Pos.X, rslt.Pos.Y, rslt.Pos.Z, rslt.ClkUs, rslt.Loops, rslt.ResNorm)
	}

	return rslt, nil
}

// setDop fills the DOP map from the design matrix geometry ((G^T G)^-1).
// The design matrix is in ECEF, so the position block is rotated into the
// local ENU frame at the fix before reading the horizontal/vertical terms.
// GDOP and PDOP are rotation-invariant and need no such treatment.
func setDop(rslt *PosSol, G mat.Matrix) error {
	var GtG mat.Dense
	GtG.Mul(G.T(), G)
	var cov mat.Dense
	if err := cov.Inverse(&GtG); err != nil {
		return fmt.Errorf("failed to calculate inverse of matrix, G^T G")
	}
	rslt.Dop["gdop"] = math.Sqrt(cov.At(0, 0) + cov.At(1, 1) + cov.At(2, 2) + cov.At(3, 3))
	rslt.Dop["pdop"] = math.Sqrt(cov.At(0, 0) + cov.At(1, 1) + cov.At(2, 2))

	// ECEF to ENU rotation at the fix
	llh := rslt.Pos.ToLLH()
	s1 := math.Sin(llh.Lon)
	c1 := math.Cos(llh.Lon)
	s2 := math.Sin(llh.Lat)
	c2 := math.Cos(llh.Lat)
	R := mat.NewDense(3, 3, []float64{
		-s1, c1, 0,
		-c1 * s2, -s1 * s2, c2,
		c1 * c2, s1 * c2, s2,
	})
	var tmp, covEnu mat.Dense
	tmp.Mul(R, cov.Slice(0, 3, 0, 3))
	covEnu.Mul(&tmp, R.T())
	rslt.Dop["hdop"] = math.Sqrt(covEnu.At(0, 0) + covEnu.At(1, 1))
	rslt.Dop["vdop"] = math.Sqrt(covEnu.At(2, 2))
	return nil
}
