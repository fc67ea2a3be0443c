// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package gosnap

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// Type representing satellite name like "G10"
type SatType string

// Type representing satellite system like 'G'
type SysType byte

// Extract satellite system from satellite name
func (p *SatType) Sys() SysType {
	return SysType((*p)[0])
}

// Extract satellite number from satellite name
func (p *SatType) Num() int {
	i, err := strconv.Atoi(string((*p)[1:3]))
	if err != nil {
		return 0
	}
	return i
}

// Structure to store the measurement of one satellite for one epoch.
// Corrections (satellite clock, atmosphere, ...) arrive pre-aggregated in B
// and are subtracted from the modeled range.
type MeasS struct {
	Sat SatType // Satellite name
	Pr  float64 // Pseudorange observation [m]
	X   float64 // Satellite ECEF position [m]
	Y   float64
	Z   float64
	B   float64 // Aggregate correction term [m]
}

// Structure to store the measurements of all satellites in one epoch
type MeasE struct {
	Time GTime   // Epoch time
	DatS []MeasS // Per-satellite measurements, in input order
}

// Return the satellite names of the epoch
func (p *MeasE) Sats() []SatType {
	s := make([]SatType, 0, len(p.DatS))
	for _, ms := range p.DatS {
		s = append(s, ms.Sat)
	}
	return s
}

// Structure to store measurements for all epochs
type Meas struct {
	DatE []*MeasE // Satellite data for each time, in first-seen epoch order
}

// Append one record, grouping by epoch time. Records sharing a timestamp end
// up in the same MeasE regardless of interleaving; the epoch order is the
// order in which each timestamp first appears.
func (p *Meas) Append(t GTime, ms MeasS) {
	for _, mease := range p.DatE {
		if mease.Time == t {
			mease.DatS = append(mease.DatS, ms)
			return
		}
	}
	p.DatE = append(p.DatE, &MeasE{Time: t, DatS: []MeasS{ms}})
}

// Display measurement data overview
func (p *Meas) String() string {
	if len(p.DatE) == 0 {
		return "NO DATA"
	}
	// Satellite list per system
	sl := map[SysType][]SatType{}
	for _, mease := range p.DatE {
		for _, ms := range mease.DatS {
			if a, ok := sl[ms.Sat.Sys()]; ok {
				if !slices.Contains(a, ms.Sat) {
					sl[ms.Sat.Sys()] = append(sl[ms.Sat.Sys()], ms.Sat)
				}
			} else {
				sl[ms.Sat.Sys()] = []SatType{ms.Sat}
			}
		}
	}
	var sb strings.Builder
	for _, sys := range []SysType{'G', 'J', 'E', 'R', 'C', 'S'} {
		if a, ok := sl[sys]; ok {
			if len(a) > 0 {
				sb.WriteString(fmt.Sprintf("\t%c (%2d):", sys, len(a)))
				sort.Slice(a, func(i, j int) bool {
					return a[i] < a[j]
				})
				for _, b := range a {
					sb.WriteString(fmt.Sprintf(" %s", b[1:]))
				}
				sb.WriteString("\n")
			}
		}
	}
	a := `
datetime:
	%s - %s (%d)

sats:
%s`
	return fmt.Sprintf(a, &p.DatE[0].Time, &p.DatE[len(p.DatE)-1].Time, len(p.DatE), sb.String())
}

// Time layout of the datetime column
const MEAS_TIME_LAYOUT = "2006/01/02 15:04:05.000"

// ReadMeas reads a measurement batch from CSV.
//
// Expected columns: datetime, sat, pr, x, y, z, b with a single header line.
// datetime is UTC in the form 2006/01/02 15:04:05.000, sat is a satellite
// name like G10, and the remaining columns are meters.
func ReadMeas(r io.Reader) (*Meas, error) {

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	meas := &Meas{DatE: []*MeasE{}}

	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv, err=%v", err)
		}
		line++
		if line == 1 { // Header
			continue
		}
		if len(rec) != 7 {
			return nil, fmt.Errorf("invalid number of columns at line %d: %d != 7", line, len(rec))
		}

		dt, err := time.Parse(MEAS_TIME_LAYOUT, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid datetime at line %d, err=%v", line, err)
		}

		ms := MeasS{Sat: SatType(rec[1])}
		for i, dst := range []*float64{&ms.Pr, &ms.X, &ms.Y, &ms.Z, &ms.B} {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number at line %d column %d, err=%v", line, i+3, err)
			}
			*dst = v
		}

		meas.Append(*NewGTime(dt.UTC()), ms)
	}

	if len(meas.DatE) == 0 {
		return nil, fmt.Errorf("no measurement records")
	}

	return meas, nil
}
