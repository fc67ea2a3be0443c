// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package gosnap

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds solver and runtime settings loadable from a YAML file.
// Missing keys keep their defaults.
type Config struct {
	Tol     float64  `yaml:"tol"`      // Convergence threshold [m]
	Lam     float64  `yaml:"lam"`      // Newton step damping factor
	MaxLoop int      `yaml:"max_loop"` // Maximum iteration loops per epoch
	Workers int      `yaml:"workers"`  // Parallel epoch workers (<=1: serial)
	ExSats  []string `yaml:"ex_sats"`  // Satellites to exclude, like [G10, E14]
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	opt := NewPosOpt()
	return &Config{
		Tol:     opt.Tol,
		Lam:     opt.Lam,
		MaxLoop: opt.MaxLoop,
		Workers: 1,
		ExSats:  []string{},
	}
}

// LoadConfig reads a YAML config, overlaying the defaults
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config, err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config from the given path
func LoadConfigFile(fn string) (*Config, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadConfig(f)
}

// Validate checks the config for values the solver cannot run with
func (cfg *Config) Validate() error {
	if cfg.Tol <= 0 {
		return fmt.Errorf("tol must be positive: %f", cfg.Tol)
	}
	if cfg.Lam < 0 {
		return fmt.Errorf("lam must not be negative: %f", cfg.Lam)
	}
	if cfg.MaxLoop <= 0 {
		return fmt.Errorf("max_loop must be positive: %d", cfg.MaxLoop)
	}
	return nil
}

// PosOpt converts the config into solver options
func (cfg *Config) PosOpt() *PosOpt {
	opt := NewPosOpt()
	opt.Tol = cfg.Tol
	opt.Lam = cfg.Lam
	opt.MaxLoop = cfg.MaxLoop
	for _, s := range cfg.ExSats {
		opt.ExSats = append(opt.ExSats, SatType(s))
	}
	return opt
}
