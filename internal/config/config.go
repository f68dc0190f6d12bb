// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package config loads the scheduler's static configuration from a TOML
// file: peer bootstrap list, Nakamoto activation height, and the
// concurrency/backoff bounds the scheduler runs under.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level TOML document.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Peers     []PeerConfig    `toml:"peer"`
}

// NodeConfig describes this node's view of the burnchain.
type NodeConfig struct {
	NakamotoStartHeight uint64 `toml:"nakamoto_start_height"`
	FirstBlockHeight    uint64 `toml:"first_block_height"`
	RewardCycleLength   uint64 `toml:"reward_cycle_length"`
}

// SchedulerConfig tunes concurrency and retry behavior.
type SchedulerConfig struct {
	MaxInflightConfirmed int           `toml:"max_inflight_confirmed"`
	MaxInflightUnconfirmed int         `toml:"max_inflight_unconfirmed"`
	BackoffInitial       time.Duration `toml:"backoff_initial"`
	BackoffMax           time.Duration `toml:"backoff_max"`
	IBD                  bool          `toml:"ibd"`
}

// PeerConfig names one bootstrap peer.
type PeerConfig struct {
	Address  string `toml:"address"`
	Hostname string `toml:"hostname"`
	Port     uint16 `toml:"port"`
}

// Default returns a Config with the scheduler's default tuning applied.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxInflightConfirmed:   8,
			MaxInflightUnconfirmed: 16,
			BackoffInitial:         128 * time.Millisecond,
			BackoffMax:             16384 * time.Millisecond,
			IBD:                    true,
		},
	}
}

// Load reads and validates a TOML config file at path, filling in defaults
// for any field the file does not set.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: %s: unrecognized keys: %v", path, undecoded)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Scheduler.MaxInflightConfirmed <= 0 {
		return fmt.Errorf("config: scheduler.max_inflight_confirmed must be positive")
	}
	if c.Scheduler.BackoffMax < c.Scheduler.BackoffInitial {
		return fmt.Errorf("config: scheduler.backoff_max must be >= backoff_initial")
	}
	for i, p := range c.Peers {
		if p.Hostname == "" {
			return fmt.Errorf("config: peer[%d] missing hostname", i)
		}
	}
	return nil
}
