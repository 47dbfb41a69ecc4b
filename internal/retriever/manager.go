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

package retriever

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/wtsi-hgi/cookiemonster/internal/listen"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// DefaultPeriod is the retrieval period used when none is configured.
const DefaultPeriod = 10 * time.Second

// PeriodicManager schedules retrievals at a fixed period.
//
// The schedule is anchored to the start time: the k-th cycle fires at
// start + k*period regardless of how long earlier cycles took. A cycle that
// overruns its successor's anchor swallows the pending tick, so there is
// never more than one retrieval in flight. The watermark only moves
// forward, and only when a cycle returns updates, so a failed or empty
// cycle queries the same window again.
type PeriodicManager struct {
	source   UpdateSource
	logStore LogStore
	period   time.Duration
	log      logr.Logger

	watermark atomic.Pointer[time.Time]
	listeners listen.Listenable[types.UpdateCollection]

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewPeriodicManager creates a manager polling source every period and
// recording cycles in logStore. A period of zero or below falls back to
// DefaultPeriod.
func NewPeriodicManager(source UpdateSource, logStore LogStore, period time.Duration, log logr.Logger) *PeriodicManager {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &PeriodicManager{
		source:   source,
		logStore: logStore,
		period:   period,
		log:      log,
	}
}

// AddListener registers a callback invoked with the merged updates of each
// non-empty cycle. Listeners run on the retrieval goroutine, after the
// watermark has advanced and before the cycle is logged.
func (m *PeriodicManager) AddListener(listener func(types.UpdateCollection)) {
	m.listeners.AddListener(listener)
}

// Watermark returns the timestamp up to which updates have already been
// retrieved. Safe to call from any goroutine.
func (m *PeriodicManager) Watermark() time.Time {
	if ts := m.watermark.Load(); ts != nil {
		return *ts
	}
	return time.Time{}
}

func (m *PeriodicManager) setWatermark(ts time.Time) {
	utc := ts.UTC()
	m.watermark.Store(&utc)
}

// Start begins the schedule, retrieving updates newer than since. The
// first cycle runs immediately; later cycles fire on the period anchors.
func (m *PeriodicManager) Start(parentCtx context.Context, since time.Time) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("retrieval manager already started")
	}
	ctx, cancel := context.WithCancel(parentCtx)
	m.cancelFunc = cancel
	m.started = true
	m.mu.Unlock()

	m.setWatermark(since)
	m.log.Info("starting periodic retrieval", "period", m.period, "since", since.UTC())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()

	return nil
}

// Stop cancels the schedule and waits for any in-flight retrieval to
// finish. No cycle starts after Stop returns.
func (m *PeriodicManager) Stop() {
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
	m.log.Info("periodic retrieval stopped")
}

func (m *PeriodicManager) run(ctx context.Context) {
	// The ticker is created before the first cycle so the anchors count
	// from the start time, not from the first completion. Ticks that fire
	// while a cycle is still running collapse into one.
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.retrieve(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retrieve(ctx)
		}
	}
}

// retrieve runs one cycle: query, merge, advance, broadcast, log.
func (m *PeriodicManager) retrieve(ctx context.Context) {
	startedAt := time.Now()
	since := m.Watermark()

	updates, err := m.source.AllSince(ctx, since)
	duration := time.Since(startedAt)

	entry := RetrievalLog{
		RetrievedSince: since,
		Duration:       duration,
		StartedAt:      startedAt.UTC(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Error(err, "retrieval failed", "since", since)

		if metrics.RetrievalFailuresTotal != nil {
			metrics.RetrievalFailuresTotal.Add(ctx, 1)
		}

		m.appendLog(ctx, entry)
		return
	}

	merged := updates.Merge()
	entry.Count = len(merged)

	if len(merged) > 0 {
		m.setWatermark(merged.MostRecent()[0].Timestamp)
		m.listeners.Notify(merged)
	}

	if metrics.RetrievalCyclesTotal != nil {
		metrics.RetrievalCyclesTotal.Add(ctx, 1)
		metrics.UpdatesRetrievedTotal.Add(ctx, int64(entry.Count))
		metrics.RetrievalDurationSeconds.Record(ctx, duration.Seconds())
	}

	m.appendLog(ctx, entry)
	m.log.V(1).Info("retrieval cycle complete",
		"since", since, "count", entry.Count, "duration", duration)
}

func (m *PeriodicManager) appendLog(ctx context.Context, entry RetrievalLog) {
	if err := m.logStore.Add(ctx, entry); err != nil {
		m.log.Error(err, "appending retrieval log entry")
	}
}
