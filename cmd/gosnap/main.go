// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	m "gosnap"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		m.PrintE(err)
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Load measurement batch
	meas, err := readMeas(args.measFn)
	if err != nil {
		return fmt.Errorf("failed to read measurement file: %w", err)
	}

	if m.DBG_ >= 1 {
		m.PrintA("--- meas data (%s)---\n", filepath.Base(args.measFn))
		fmt.Fprintln(os.Stderr, meas)
	}

	// Prepare output file
	pos, err := prepareOutput(args)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(pos)

	// Print header
	if !args.noPosHeader {
		printPosHeader(pos, os.Args[0], args.measFn, meas)
	}

	// Process epochs
	return processEpochs(args, meas, pos)
}

// Prepare output file
func prepareOutput(args cmdOpt) (io.WriteCloser, error) {

	// Use stdout if no output file is specified
	if len(args.posFn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}

	// Create output file
	posf, err := os.Create(args.posFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return posf, nil
}

// Close output file
func closeOutput(pos io.WriteCloser) {
	if pos != nil {
		pos.Close()
	}
}

// Process epochs
func processEpochs(args cmdOpt, meas *m.Meas, pos io.Writer) error {

	// Filter epochs by the requested time window
	meas2 := &m.Meas{DatE: []*m.MeasE{}}
	for _, mease := range meas.DatE {
		if shouldProcessEpoch(mease, args) {
			meas2.DatE = append(meas2.DatE, mease)
		}
	}
	if len(meas2.DatE) == 0 {
		return fmt.Errorf("no epochs within the requested window")
	}

	// Solve the batch
	opt := args.cfg.PosOpt()
	tbl := m.CalcBatch(meas2, opt, args.cfg.Workers)

	m.PrintD(1, "epochs: %d, solved: %d\n", len(tbl.Sols), tbl.NumSolved())

	// Output results
	for _, sol := range tbl.Sols {
		printPos(sol, pos)
	}

	return nil
}

// Filter epochs
func shouldProcessEpoch(mease *m.MeasE, args cmdOpt) bool {

	// Skip epochs before processing start time
	if mease.Time.Before(args.ts, true) {
		return false
	}

	// Stop after processing end time
	if mease.Time.After(args.te, true) {
		return false
	}

	// Skip epochs that are not divisible by the specified time interval
	if args.ti > 0 && !mease.Time.Divisible(args.ti) {
		return false
	}

	return true
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Structure to hold command line argument information
type cmdOpt struct {
	measFn      string
	posFn       string
	ts, te      time.Time
	ti          int
	noPosHeader bool
	cfg         *m.Config
}

// Parse command line arguments
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options] meas_file.csv

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	cfg := m.DefaultConfig()
	var cfgFn string
	flag.StringVar(&cfgFn, "c", "", "Config file path (YAML). Command line options override its values.")
	var ts_, te_ m.TimeStr
	flag.TextVar(&ts_, "ts", m.NewTimeStr(time.Time{}), "Start epoch specification. Enclose in quotes like -ts \"2023/01/01 00:00:00\"")
	flag.TextVar(&te_, "te", m.NewTimeStr(time.Now().UTC()), "End epoch specification. Enclose in quotes like -te \"2023/01/02 00:00:00\". This epoch is also included.")
	flag.IntVar(&a.ti, "ti", 0, "Calculation interval. Calculation is executed when the epoch's second value is divisible by the specified value. Integer only. Omit or set to 0 to calculate all epochs.")
	flag.StringVar(&a.posFn, "o", "", "Output pos file path. If not specified, output to stdout.")
	flag.BoolVar(&a.noPosHeader, "nh", false, "Do not output header section of pos file.")
	var exSats m.SatVar
	flag.Var(&exSats, "ex", "List of satellites to exclude. Comma-separated satellite names without spaces like C02,E14.")
	tol := flag.Float64("e", cfg.Tol, "Convergence threshold on the L1 norm of the Newton step [m].")
	lam := flag.Float64("lam", cfg.Lam, "Damping factor applied to every Newton step.")
	maxLoop := flag.Int("n", cfg.MaxLoop, "Maximum number of Newton loops per epoch.")
	workers := flag.Int("j", cfg.Workers, "Number of parallel epoch workers. 1 or less for serial processing.")
	var dbg int
	flag.IntVar(&dbg, "x", 0, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display), 3(more detailed), 4(most detailed)")
	flag.Parse()

	if flag.NArg() != 1 {
		return a, fmt.Errorf("too less or many arguments")
	}
	a.measFn = flag.Arg(0)

	// Load config file first, then let explicit flags win
	if len(cfgFn) > 0 {
		cfg, err = m.LoadConfigFile(cfgFn)
		if err != nil {
			return a, fmt.Errorf("failed to load config: %w", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "e":
			cfg.Tol = *tol
		case "lam":
			cfg.Lam = *lam
		case "n":
			cfg.MaxLoop = *maxLoop
		case "j":
			cfg.Workers = *workers
		}
	})
	for _, s := range exSats {
		cfg.ExSats = append(cfg.ExSats, string(s))
	}
	if err := cfg.Validate(); err != nil {
		return a, err
	}

	a.cfg = cfg
	a.ts = time.Time(ts_)
	a.te = time.Time(te_)
	m.DBG_ = dbg
	return a, nil
}

// Read measurement file
func readMeas(fn string) (*m.Meas, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	meas, err := m.ReadMeas(f)
	if err != nil {
		return nil, err
	}
	return meas, nil
}

// Print pos file header
func printPosHeader(pos io.Writer, cmd string, measFn string, meas *m.Meas) {
	fmt.Fprintf(pos, "%% program   : %s\n", filepath.Base(cmd))
	fmt.Fprintf(pos, "%% inp file  : %s\n", measFn)
	fmt.Fprintf(pos, "%% obs start : %s\n", &meas.DatE[0].Time)
	fmt.Fprintf(pos, "%% obs end   : %s\n", &meas.DatE[len(meas.DatE)-1].Time)
	fmt.Fprintf(pos, "%%  GPST                 latitude(deg) longitude(deg)  height(m)               x(m)               y(m)               z(m)    clk_bias(us)  ns  loops    resnorm(m)       gdop  stat\n")
}

// Output POS file. Unsolved epochs keep their row so consumers can filter on
// the status column.
func printPos(sol *m.PosSol, pos io.Writer) {
	ns := len(sol.Sats)
	llh := sol.Pos.ToLLH()
	fmt.Fprintf(pos, "%s %13.9f %14.9f %10.4f %18.4f %18.4f %18.4f %15.6f %3d %6d %13.4f %10.3f %5s\n",
		&sol.Time, m.ToDeg(llh.Lat), m.ToDeg(llh.Lon), llh.Hei,
		sol.Pos.X, sol.Pos.Y, sol.Pos.Z, sol.ClkUs,
		ns, sol.Loops, sol.ResNorm, sol.Dop["gdop"], sol.Status)
}
