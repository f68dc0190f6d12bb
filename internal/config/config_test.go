// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenuredl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsInDefaults(t *testing.T) {
	path := writeConfig(t, `
[node]
nakamoto_start_height = 1000

[[peer]]
hostname = "peer-a.example"
port = 20443
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, uint64(1000), cfg.Node.NakamotoStartHeight)
	require.Equal(t, 8, cfg.Scheduler.MaxInflightConfirmed)
	require.Equal(t, 16, cfg.Scheduler.MaxInflightUnconfirmed)
	require.Equal(t, 128*time.Millisecond, cfg.Scheduler.BackoffInitial)
	require.Equal(t, 16384*time.Millisecond, cfg.Scheduler.BackoffMax)
	require.True(t, cfg.Scheduler.IBD)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "peer-a.example", cfg.Peers[0].Hostname)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
max_inflight_confirmed = 2
ibd = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Scheduler.MaxInflightConfirmed)
	require.False(t, cfg.Scheduler.IBD)
	require.Equal(t, 16, cfg.Scheduler.MaxInflightUnconfirmed, "unset fields keep the default")
}

func TestLoadRejectsUnrecognizedKeys(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
max_inflght_confirmed = 2
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unrecognized keys")
}

func TestLoadRejectsNonPositiveMaxInflight(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
max_inflight_confirmed = 0
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_inflight_confirmed")
}

func TestLoadRejectsBackoffMaxBelowInitial(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
backoff_initial = 1000000000
backoff_max = 500000000
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "backoff_max")
}

func TestLoadRejectsPeerMissingHostname(t *testing.T) {
	path := writeConfig(t, `
[[peer]]
address = "10.0.0.1"
port = 20443
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing hostname")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 8, cfg.Scheduler.MaxInflightConfirmed)
	require.Equal(t, 16, cfg.Scheduler.MaxInflightUnconfirmed)
	require.True(t, cfg.Scheduler.IBD)
	require.Empty(t, cfg.Peers)
}
