// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Command tenuredl runs the Nakamoto block download scheduler against a
// static peer list loaded from a TOML config file, logging the tenures it
// completes until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/nakamoto-net/tenure-downloader/download"
	"github.com/nakamoto-net/tenure-downloader/internal/config"
	"github.com/nakamoto-net/tenure-downloader/internal/httpfacade"
	"github.com/nakamoto-net/tenure-downloader/internal/localstate"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the scheduler's TOML config file",
		Value:   "tenuredl.toml",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug-level logging",
	}
	tickFlag = &cli.DurationFlag{
		Name:  "tick",
		Usage: "interval between scheduler ticks",
		Value: 2 * time.Second,
	}
)

func main() {
	app := &cli.App{
		Name:  "tenuredl",
		Usage: "run the Nakamoto tenure block download scheduler",
		Flags: []cli.Flag{configFlag, verboseFlag, tickFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("tenuredl exited with error", "err", err)
	}
}

func run(c *cli.Context) error {
	if c.Bool(verboseFlag.Name) {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelDebug, true)))
	}

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("tenuredl: %w", err)
	}

	hosts := make(map[download.PeerAddr]download.PeerHost, len(cfg.Peers))
	peers := make([]download.PeerAddr, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr := download.PeerAddr(p.Address)
		hosts[addr] = download.PeerHost{Hostname: p.Hostname, Port: p.Port}
		peers = append(peers, addr)
	}

	maxInflight := cfg.Scheduler.MaxInflightConfirmed + cfg.Scheduler.MaxInflightUnconfirmed
	facade := httpfacade.New(hosts, maxInflight, 30*time.Second)
	defer facade.Close()

	probeClient := &http.Client{Timeout: 10 * time.Second}
	store := localstate.New(download.BurnHeight(cfg.Node.FirstBlockHeight), cfg.Node.RewardCycleLength)

	aggKeys := download.NewAggregateKeyDirectory()
	sm := download.NewStateMachine(download.BurnHeight(cfg.Node.NakamotoStartHeight), aggKeys)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(c.Duration(tickFlag.Name))
	defer ticker.Stop()

	ctx := context.Background()
	seedTenureInfo(ctx, probeClient, store, hosts)

	log.Info("tenuredl starting", "peers", len(hosts), "mode", sm.Mode())
	for {
		select {
		case <-sigCh:
			log.Info("tenuredl shutting down")
			return nil
		case <-ticker.C:
			seedTenureInfo(ctx, probeClient, store, hosts)

			tip := store.Tip()
			res := sm.Tick(facade, store, store, store, peers, tip.BlockHeight, tip, cfg.Scheduler.IBD, maxInflight)
			for ch, blocks := range res.NewBlocks {
				for _, b := range blocks {
					store.RecordBlock(b)
				}
				log.Info("tenure complete", "tenure", ch, "blocks", len(blocks))
			}
			log.Debug("tenuredl tick", "mode", sm.Mode(), "sortition_tip", tip.BlockHeight)
		}
	}
}

// seedTenureInfo probes every configured peer directly for its current
// tenure tip, independent of the unconfirmed-downloader chase: this is what
// lets a cold Store learn about tenures before any downloader has run, and
// what keeps it moving if the scheduler falls back to ModeConfirmed with
// nothing left to request.
func seedTenureInfo(ctx context.Context, client *http.Client, store *localstate.Store, hosts map[download.PeerAddr]download.PeerHost) {
	req := download.Request{Kind: download.RequestGetTenureInfo}
	for peer, host := range hosts {
		replies, err := httpfacade.FetchAll(ctx, client, []download.PeerHost{host}, req, 10*time.Second)
		if err != nil || len(replies) == 0 || replies[0].TenureInfo == nil {
			continue
		}
		store.ObserveTenureInfo(peer, *replies[0].TenureInfo)
	}
}
