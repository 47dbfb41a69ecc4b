/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package measure

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Monitor samples a source on a fixed period and records the result.
// Start and Stop are idempotent.
type Monitor struct {
	logger Logger
	log    logr.Logger
	period time.Duration
	sample func(ctx context.Context) (Measurement, error)

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewMonitor builds a monitor emitting one measurement per period via
// sample. Sampling errors are logged and the tick skipped.
func NewMonitor(logger Logger, period time.Duration,
	sample func(ctx context.Context) (Measurement, error), log logr.Logger) *Monitor {
	return &Monitor{
		logger: logger,
		log:    log.WithName("monitor"),
		period: period,
		sample: sample,
	}
}

// Start schedules the monitor. Starting a running monitor does nothing.
func (m *Monitor) Start(parentCtx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	m.cancelFunc = cancel
	m.started = true

	m.wg.Add(1)

	go m.run(ctx)
}

// Stop halts sampling. Stopping a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()
		return
	}

	m.started = false
	cancel := m.cancelFunc

	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msr, err := m.sample(ctx)
			if err != nil {
				m.log.Error(err, "sample failed")
				continue
			}

			m.logger.Record(msr)
		}
	}
}

// NewQueueDepthMonitor emits the jar's queue depth every period as the
// to_process field of the cookie_jar_status measurement.
func NewQueueDepthMonitor(logger Logger, period time.Duration,
	queueLength func(ctx context.Context) (int, error), log logr.Logger) *Monitor {
	return NewMonitor(logger, period, func(ctx context.Context) (Measurement, error) {
		depth, err := queueLength(ctx)
		if err != nil {
			return Measurement{}, err
		}

		return Measurement{
			Measured: "cookie_jar_status",
			Values:   map[string]float64{"to_process": float64(depth)},
		}, nil
	}, log)
}

// NewWorkerCountMonitor emits count() every period as number_of_threads,
// next to the process's live goroutine total for context.
func NewWorkerCountMonitor(logger Logger, period time.Duration,
	count func() int, log logr.Logger) *Monitor {
	return NewMonitor(logger, period, func(context.Context) (Measurement, error) {
		return Measurement{
			Measured: "number_of_threads",
			Values: map[string]float64{
				"value":      float64(count()),
				"goroutines": float64(runtime.NumGoroutine()),
			},
		}, nil
	}, log)
}
