// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import "github.com/ethereum/go-ethereum/metrics"

var (
	tenuresRequestedMeter = metrics.NewRegisteredMeter("download/tenure/requested", nil)
	tenuresCompletedMeter = metrics.NewRegisteredMeter("download/tenure/completed", nil)
	tenuresRejectedMeter  = metrics.NewRegisteredMeter("download/tenure/rejected", nil)

	unconfirmedRequestedMeter = metrics.NewRegisteredMeter("download/unconfirmed/requested", nil)
	unconfirmedCompletedMeter = metrics.NewRegisteredMeter("download/unconfirmed/completed", nil)

	peersDroppedMeter = metrics.NewRegisteredMeter("download/peers/dropped", nil)

	backoffRetriesMeter = metrics.NewRegisteredMeter("download/backoff/retries", nil)

	inflightDownloadersGauge = metrics.NewRegisteredGauge("download/downloaders/inflight", nil)
	scheduledTenuresGauge    = metrics.NewRegisteredGauge("download/schedule/length", nil)
)

// reportTick updates the gauges that reflect a DownloaderSet's
// point-in-time shape; called once per scheduler tick.
func reportTick(set *DownloaderSet, scheduleLen int) {
	inflightDownloadersGauge.Update(int64(set.Inflight()))
	scheduledTenuresGauge.Update(int64(scheduleLen))
}
