// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package httpfacade is a reference implementation of download.PeerFacade
// over plain HTTP: one bounded worker pool drives the round trips, and a
// buffered reply channel is drained non-blockingly by CollectReplies.
package httpfacade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nakamoto-net/tenure-downloader/download"
)

// Facade implements download.PeerFacade over net/http. Each SendRequest
// call is handed to a bounded worker pool so that the number of concurrent
// round trips across all peers is capped independently of how many
// downloader state machines are currently scheduled.
type Facade struct {
	client *http.Client
	pool   *workerpool.WorkerPool
	pools  sync.WaitGroup

	mu        sync.Mutex
	hosts     map[download.PeerAddr]download.PeerHost
	inflight  map[download.PeerAddr]string // peer -> request correlation id
	dead      map[download.PeerAddr]struct{}
	replies   chan download.PeerReply
	reqTimeout time.Duration
}

// New builds a Facade bounded to maxConcurrent simultaneous round trips.
func New(hosts map[download.PeerAddr]download.PeerHost, maxConcurrent int, reqTimeout time.Duration) *Facade {
	return &Facade{
		client:     &http.Client{Timeout: reqTimeout},
		pool:       workerpool.New(maxConcurrent),
		hosts:      hosts,
		inflight:   make(map[download.PeerAddr]string),
		dead:       make(map[download.PeerAddr]struct{}),
		replies:    make(chan download.PeerReply, 256),
		reqTimeout: reqTimeout,
	}
}

// HasInflight reports whether p has an outstanding round trip.
func (f *Facade) HasInflight(p download.PeerAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[p]
	return ok
}

// IsDeadOrBroken reports whether p has been marked dead.
func (f *Facade) IsDeadOrBroken(p download.PeerAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dead[p]
	return ok
}

// AddDead marks p as dead and forgets its outstanding round trip, so
// IsDeadOrBroken reports it from then on. SendRequest does not itself
// refuse a dead peer.
func (f *Facade) AddDead(p download.PeerAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[p] = struct{}{}
	delete(f.inflight, p)
}

// PeerHost resolves p's network address, if this facade was told about it.
func (f *Facade) PeerHost(p download.PeerAddr) (download.PeerHost, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[p]
	return h, ok
}

// SendRequest enqueues one HTTP round trip on the bounded worker pool. The
// reply (or error) is later available via CollectReplies.
func (f *Facade) SendRequest(p download.PeerAddr, req download.Request) error {
	host, ok := f.PeerHost(p)
	if !ok {
		return fmt.Errorf("httpfacade: no known host for peer %s", p)
	}

	corrID := uuid.NewString()
	f.mu.Lock()
	f.inflight[p] = corrID
	f.mu.Unlock()

	f.pools.Add(1)
	f.pool.Submit(func() {
		defer f.pools.Done()
		reply, err := f.roundTrip(host, req)

		f.mu.Lock()
		if f.inflight[p] == corrID {
			delete(f.inflight, p)
		}
		f.mu.Unlock()

		f.replies <- download.PeerReply{Peer: p, Reply: reply, Err: err}
	})
	return nil
}

// CollectReplies drains every reply received since the last call, without
// blocking.
func (f *Facade) CollectReplies() []download.PeerReply {
	var out []download.PeerReply
	for {
		select {
		case r := <-f.replies:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Close waits for outstanding round trips to finish and stops the pool.
func (f *Facade) Close() {
	f.pools.Wait()
	f.pool.StopWait()
}

func (f *Facade) roundTrip(host download.PeerHost, req download.Request) (download.Reply, error) {
	url, err := requestURL(host, req)
	if err != nil {
		return download.Reply{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.reqTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return download.Reply{}, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return download.Reply{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return download.Reply{}, fmt.Errorf("httpfacade: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return download.Reply{}, err
	}
	return decodeReply(req.Kind, body)
}

func requestURL(host download.PeerHost, req download.Request) (string, error) {
	base := fmt.Sprintf("http://%s", host.String())
	switch req.Kind {
	case download.RequestGetBlock:
		return fmt.Sprintf("%s/v3/blocks/%s", base, req.BlockID.Hex()), nil
	case download.RequestGetTenure:
		if req.SinceBlock != nil {
			return fmt.Sprintf("%s/v3/tenures/%s?since=%s", base, req.BlockID.Hex(), req.SinceBlock.Hex()), nil
		}
		return fmt.Sprintf("%s/v3/tenures/%s", base, req.BlockID.Hex()), nil
	case download.RequestGetTenureInfo:
		return fmt.Sprintf("%s/v3/tenures/info", base), nil
	default:
		return "", fmt.Errorf("httpfacade: unknown request kind %d", req.Kind)
	}
}

func decodeReply(kind download.RequestKind, body []byte) (download.Reply, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	switch kind {
	case download.RequestGetBlock:
		var blk download.Block
		if err := dec.Decode(&blk); err != nil {
			return download.Reply{}, err
		}
		return download.Reply{Kind: kind, Block: &blk}, nil
	case download.RequestGetTenure:
		var blocks []download.Block
		if err := dec.Decode(&blocks); err != nil {
			return download.Reply{}, err
		}
		return download.Reply{Kind: kind, Blocks: blocks}, nil
	case download.RequestGetTenureInfo:
		var info download.TenureInfo
		if err := dec.Decode(&info); err != nil {
			return download.Reply{}, err
		}
		return download.Reply{Kind: kind, TenureInfo: &info}, nil
	default:
		return download.Reply{}, fmt.Errorf("httpfacade: unknown request kind %d", kind)
	}
}

// FetchAll issues req against every host concurrently and returns every
// successful reply (failed hosts are logged and left out), used by callers that want a single quorum-style
// read (e.g. probing for the current sortition tip) rather than the
// per-downloader scheduled flow above.
func FetchAll(ctx context.Context, client *http.Client, hosts []download.PeerHost, req download.Request, timeout time.Duration) ([]download.Reply, error) {
	g, gctx := errgroup.WithContext(ctx)
	replies := make([]download.Reply, len(hosts))
	errs := make([]error, len(hosts))

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			url, err := requestURL(host, req)
			if err != nil {
				errs[i] = err
				return nil
			}
			httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				errs[i] = err
				return nil
			}
			resp, err := client.Do(httpReq)
			if err != nil {
				errs[i] = err
				return nil
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs[i] = err
				return nil
			}
			reply, err := decodeReply(req.Kind, body)
			if err != nil {
				errs[i] = err
				return nil
			}
			replies[i] = reply
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []download.Reply
	for i, r := range replies {
		if errs[i] != nil {
			log.Debug("peer probe failed", "host", hosts[i], "err", errs[i])
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
