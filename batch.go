// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package gosnap

import (
	"fmt"
	"sync"
)

// SolTable accumulates one PosSol per epoch, in the batch's epoch order.
// Rows are created once per epoch solve and not touched afterwards.
type SolTable struct {
	Sols []*PosSol
}

// Get returns the solution for the given epoch time
func (p *SolTable) Get(t GTime) (*PosSol, error) {
	for _, sol := range p.Sols {
		if sol.Time == t {
			return sol, nil
		}
	}
	return nil, fmt.Errorf("no solution for epoch %s", &t)
}

// NumSolved returns the number of epochs with a converged solution
func (p *SolTable) NumSolved() int {
	n := 0
	for _, sol := range p.Sols {
		if sol.Status == SolOK {
			n++
		}
	}
	return n
}

// CalcBatch solves every epoch of the batch independently and collects the
// results into a SolTable.
//
// Each epoch's solve is a pure function of its own measurements, so with
// workers > 1 the epochs are distributed across that many goroutines. Every
// result lands at its epoch's index; the output order never depends on
// scheduling and is identical to the serial result. Failures are epoch-local:
// a bad epoch yields a tagged sentinel row and the batch keeps going.
func CalcBatch(meas *Meas, opt *PosOpt, workers int) *SolTable {

	tbl := &SolTable{Sols: make([]*PosSol, len(meas.DatE))}

	if workers <= 1 {
		for i, mease := range meas.DatE {
			tbl.Sols[i] = calcEpoch(mease, opt)
		}
		return tbl
	}

	if workers > len(meas.DatE) {
		workers = len(meas.DatE)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				tbl.Sols[i] = calcEpoch(meas.DatE[i], opt)
			}
		}()
	}
	for i := range meas.DatE {
		idx <- i
	}
	close(idx)
	wg.Wait()

	return tbl
}

// calcEpoch wraps CalcPos so that a structurally broken epoch still yields a
// sentinel row instead of aborting the batch
func calcEpoch(mease *MeasE, opt *PosOpt) *PosSol {
	sol, err := CalcPos(mease, opt)
	if err != nil {
		PrintB(mease.Time, "Error processing epoch: %s\n", err.Error())
		sol = NewPosSol(mease.Time)
		sol.Status = SolUnderdetermined
	}
	return sol
}
