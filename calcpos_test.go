// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package gosnap

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

var testEpoch = *NewGTime(time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC))

// Build an epoch whose pseudoranges are generated exactly from the given true
// state: pr_i = range_i + cdt - B_i
func synthEpoch(t GTime, usr PosXYZ, cdt float64, sats []SatType, spos []PosXYZ, corr []float64) *MeasE {
	mease := &MeasE{Time: t, DatS: []MeasS{}}
	for i := range sats {
		ri := EucDist(&spos[i], &usr)
		mease.DatS = append(mease.DatS, MeasS{
			Sat: sats[i],
			Pr:  ri + cdt - corr[i],
			X:   spos[i].X,
			Y:   spos[i].Y,
			Z:   spos[i].Z,
			B:   corr[i],
		})
	}
	return mease
}

// Four-satellite scene with the receiver at the ECEF origin
func originScene(t GTime) *MeasE {
	sats := []SatType{"G01", "G02", "G03", "G04"}
	spos := []PosXYZ{
		{X: 20200000, Y: 0, Z: 0},
		{X: 0, Y: 20200000, Z: 0},
		{X: 0, Y: 0, Z: 20200000},
		{X: 14284273, Y: 14284273, Z: 14284273},
	}
	return synthEpoch(t, PosXYZ{}, 0, sats, spos, []float64{0, 0, 0, 0})
}

// Six satellites in general position around a receiver on the surface
func surfaceScene(t GTime, usr PosXYZ, cdt float64) *MeasE {
	sats := []SatType{"G05", "G12", "E03", "J01", "C08", "R11"}
	spos := []PosXYZ{
		{X: 15600000, Y: 7540000, Z: 20140000},
		{X: 18760000, Y: 2750000, Z: -18610000},
		{X: 17610000, Y: -14630000, Z: 13480000},
		{X: -19170000, Y: 6120000, Z: 18340000},
		{X: 13930000, Y: 18670000, Z: 7890000},
		{X: 4850000, Y: 21850000, Z: -12200000},
	}
	corr := []float64{12.5, -3.2, 45.0, 0.8, -20.1, 7.7}
	return synthEpoch(t, usr, cdt, sats, spos, corr)
}

func TestCalcPos_OriginScene(t *testing.T) {
	sol, err := CalcPos(originScene(testEpoch), nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolOK {
		t.Fatalf("expected SolOK, got %s", sol.Status)
	}
	if math.Abs(sol.Pos.X) > 1e-3 || math.Abs(sol.Pos.Y) > 1e-3 || math.Abs(sol.Pos.Z) > 1e-3 {
		t.Fatalf("expected origin, got %.6f %.6f %.6f", sol.Pos.X, sol.Pos.Y, sol.Pos.Z)
	}
	if math.Abs(sol.ClkUs) > ClkToMicros(1e-3) {
		t.Fatalf("expected zero clock bias, got %v us", sol.ClkUs)
	}
}

func TestCalcPos_RecoverTrueState(t *testing.T) {
	usr := NewPosLLH(ToRad(35.681), ToRad(139.767), 52.3).ToXYZ()
	cdt := 123.456 // [m]
	sol, err := CalcPos(surfaceScene(testEpoch, usr, cdt), nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolOK {
		t.Fatalf("expected SolOK, got %s", sol.Status)
	}
	if math.Abs(sol.Pos.X-usr.X) > 1e-6 || math.Abs(sol.Pos.Y-usr.Y) > 1e-6 || math.Abs(sol.Pos.Z-usr.Z) > 1e-6 {
		t.Fatalf("position off: %.9f %.9f %.9f", sol.Pos.X-usr.X, sol.Pos.Y-usr.Y, sol.Pos.Z-usr.Z)
	}
	if math.Abs(sol.ClkUs-ClkToMicros(cdt)) > 1e-6 {
		t.Fatalf("clock bias off: %v != %v", sol.ClkUs, ClkToMicros(cdt))
	}
	if sol.ResNorm > 1e-3 {
		t.Fatalf("large residual for exact pseudoranges: %v", sol.ResNorm)
	}
}

// Position stays in meters while the clock bias field alone is scaled to
// microseconds
func TestCalcPos_ClockUnitAsymmetry(t *testing.T) {
	usr := NewPosLLH(ToRad(-33.868), ToRad(151.209), 30.0).ToXYZ()
	cdt := 100.0 // [m]
	sol, err := CalcPos(surfaceScene(testEpoch, usr, cdt), nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	wantUs := 100.0 * 1e6 / C
	if math.Abs(sol.ClkUs-wantUs) > 1e-6 {
		t.Fatalf("clock bias %v us != %v us", sol.ClkUs, wantUs)
	}
	// The position components are not rescaled
	if math.Abs(sol.Pos.X-usr.X) > 1e-3 {
		t.Fatalf("position rescaled? %v != %v", sol.Pos.X, usr.X)
	}
}

func TestClkToMicros(t *testing.T) {
	cdt := 299.792458 // [m]
	want := cdt / C * 1e6
	if got := ClkToMicros(cdt); math.Abs(got-want) > 1e-12 {
		t.Fatalf("%v != %v", got, want)
	}
	// 299792.458 m of bias is exactly one millisecond
	if got := ClkToMicros(C * 1e-3); math.Abs(got-1000) > 1e-9 {
		t.Fatalf("1ms bias: %v != 1000us", got)
	}
}

func TestCalcPos_Underdetermined(t *testing.T) {
	mease := originScene(testEpoch)
	mease.DatS = mease.DatS[:3]
	sol, err := CalcPos(mease, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolUnderdetermined {
		t.Fatalf("expected SolUnderdetermined, got %s", sol.Status)
	}
	if !math.IsNaN(sol.Pos.X) || !math.IsNaN(sol.ClkUs) {
		t.Fatalf("expected NaN sentinel state, got %v %v", sol.Pos.X, sol.ClkUs)
	}
	if sol.Loops != 0 {
		t.Fatalf("Newton loop ran on an underdetermined epoch: %d", sol.Loops)
	}
}

func TestCalcPos_EmptyEpoch(t *testing.T) {
	sol, err := CalcPos(&MeasE{Time: testEpoch}, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolUnderdetermined {
		t.Fatalf("expected SolUnderdetermined, got %s", sol.Status)
	}
}

func TestCalcPos_ExcludedSatellites(t *testing.T) {
	usr := NewPosLLH(ToRad(35.681), ToRad(139.767), 52.3).ToXYZ()
	opt := NewPosOpt()
	opt.ExSats = []SatType{"E03", "R11"}
	sol, err := CalcPos(surfaceScene(testEpoch, usr, 0), opt)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolOK {
		t.Fatalf("expected SolOK, got %s", sol.Status)
	}
	if len(sol.Sats) != 4 {
		t.Fatalf("expected 4 satellites, got %d", len(sol.Sats))
	}
	for _, sat := range sol.Sats {
		if sat == "E03" || sat == "R11" {
			t.Fatalf("excluded satellite %s used", sat)
		}
	}

	// Excluding below the minimum leaves the epoch underdetermined
	opt.ExSats = []SatType{"E03", "R11", "C08"}
	sol, err = CalcPos(surfaceScene(testEpoch, usr, 0), opt)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolUnderdetermined {
		t.Fatalf("expected SolUnderdetermined, got %s", sol.Status)
	}
}

// Perturbing the seed by up to 10 km per axis must not change the fix
func TestPrModel_SeedIndependence(t *testing.T) {
	usr := NewPosLLH(ToRad(48.858), ToRad(2.294), 80.0).ToXYZ()
	mease := surfaceScene(testEpoch, usr, 55.5)

	pr := []float64{}
	spos := []PosXYZ{}
	corr := []float64{}
	for _, ms := range mease.DatS {
		pr = append(pr, ms.Pr)
		spos = append(spos, PosXYZ{X: ms.X, Y: ms.Y, Z: ms.Z})
		corr = append(corr, ms.B)
	}
	mdl, err := NewPrModel(pr, spos, corr)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	var ref *NRSol
	for _, d := range []float64{0, 10000, -10000, 7300} {
		x0 := mat.NewVecDense(NX, []float64{posSeed[0] + d, posSeed[1] - d, posSeed[2] + d, posSeed[3]})
		sol, err := SolveNR(mdl, x0, nil)
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !sol.Converged {
			t.Fatalf("no convergence for seed offset %v", d)
		}
		if ref == nil {
			ref = sol
			continue
		}
		for i := 0; i < NX; i++ {
			if math.Abs(sol.X.AtVec(i)-ref.X.AtVec(i)) > 1e-6 {
				t.Fatalf("seed offset %v changed component %d by %v", d, i, sol.X.AtVec(i)-ref.X.AtVec(i))
			}
		}
	}
}

func TestPrModel_LengthMismatch(t *testing.T) {
	if _, err := NewPrModel([]float64{1, 2}, []PosXYZ{{}}, []float64{0, 0}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPrModel_JacobianShape(t *testing.T) {
	mease := originScene(testEpoch)
	pr := []float64{}
	spos := []PosXYZ{}
	corr := []float64{}
	for _, ms := range mease.DatS {
		pr = append(pr, ms.Pr)
		spos = append(spos, PosXYZ{X: ms.X, Y: ms.Y, Z: ms.Z})
		corr = append(corr, ms.B)
	}
	mdl, _ := NewPrModel(pr, spos, corr)

	x := mat.NewVecDense(NX, []float64{1000, 2000, 3000, 10})
	J := mdl.Jac(x)
	r, c := J.Dims()
	if r != 4 || c != NX {
		t.Fatalf("Jacobian is %d x %d", r, c)
	}
	for i := 0; i < r; i++ {
		// Unit direction cosines in the position columns
		n := math.Sqrt(SQ(J.At(i, 0)) + SQ(J.At(i, 1)) + SQ(J.At(i, 2)))
		if math.Abs(n-1) > 1e-12 {
			t.Fatalf("row %d direction cosines not unit length: %v", i, n)
		}
		if J.At(i, 3) != -1 {
			t.Fatalf("row %d clock column %v != -1", i, J.At(i, 3))
		}
	}
}

func TestCalcPos_Diagnostics(t *testing.T) {
	usr := NewPosLLH(ToRad(35.0), ToRad(135.0), 100.0).ToXYZ()

	// Add a satellite straight overhead (along the geodetic up direction)
	up := NewPosLLH(ToRad(35.0), ToRad(135.0), 20200000.0).ToXYZ()
	zenith := synthEpoch(testEpoch, usr, 0, []SatType{"G21"}, []PosXYZ{up}, []float64{0})
	mease := surfaceScene(testEpoch, usr, 0)
	mease.DatS = append(mease.DatS, zenith.DatS...)

	sol, err := CalcPos(mease, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sol.Status != SolOK {
		t.Fatalf("expected SolOK, got %s", sol.Status)
	}
	if ev, ok := sol.Elev["G21"]; !ok || math.Abs(ToDeg(ev)-90) > 0.1 {
		t.Fatalf("zenith satellite elevation %v deg", ToDeg(ev))
	}
	if len(sol.Res) != len(sol.Sats) {
		t.Fatalf("residual map has %d entries for %d satellites", len(sol.Res), len(sol.Sats))
	}
	for _, k := range []string{"gdop", "pdop", "hdop", "vdop"} {
		v, ok := sol.Dop[k]
		if !ok || v <= 0 || math.IsNaN(v) {
			t.Fatalf("bad %s: %v", k, v)
		}
	}
	if sol.Dop["gdop"] < sol.Dop["pdop"] {
		t.Fatalf("gdop %v < pdop %v", sol.Dop["gdop"], sol.Dop["pdop"])
	}
}
