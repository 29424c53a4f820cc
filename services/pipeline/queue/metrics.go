// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/stagepipe/services/pipeline/stage"
)

// slowAcquireThreshold is the wait after which an acquire is logged.
const slowAcquireThreshold = time.Second

// Slot queue metrics.
//
// Description:
//
//	Prometheus metrics describing how long stages wait for slots. A stage
//	that waits a lot is starved by its predecessor or by a slow consumer of
//	outputs.
var (
	// acquireWait tracks time spent blocked in Acquire.
	//
	// Labels:
	//   - stage: CPU, MIXED, GPU or OUTPUT
	acquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stagepipe_queue_acquire_wait_seconds",
		Help:    "Time a stage spent waiting for a slot",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage"})

	// stopSignals counts SignalStop calls that actually stopped a policy.
	stopSignals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagepipe_queue_stop_signals_total",
		Help: "Total queue policies stopped",
	})
)

const outputLabel = "OUTPUT"

// waitObserver records acquire latency and logs slow waits at most once per
// interval so a stalled pipeline does not flood the log.
type waitObserver struct {
	logger *slog.Logger
	slow   rate.Sometimes
}

func newWaitObserver(logger *slog.Logger) *waitObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &waitObserver{
		logger: logger,
		slow:   rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (w *waitObserver) observe(label string, started time.Time) {
	waited := time.Since(started)
	acquireWait.WithLabelValues(label).Observe(waited.Seconds())
	if waited < slowAcquireThreshold {
		return
	}
	w.slow.Do(func() {
		w.logger.Warn("slow slot acquire",
			slog.String("stage", label),
			slog.Duration("waited", waited),
		)
	})
}

func stageLabel(s stage.Kind) string {
	return s.String()
}
