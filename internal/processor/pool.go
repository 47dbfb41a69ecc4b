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

/*
Package processor drives cookies through the rule pipeline.

A Pool claims ready cookies from the jar and hands each to one of a
bounded set of workers. The worker evaluates the rules registry against
the cookie in priority order, delivers any resulting notifications to the
receivers registry, and otherwise consults the enrichment loaders for
more information, re-queueing the cookie when an enrichment lands.
Registries are re-read per cookie, so plug-in reloads take effect between
cookies without a restart.
*/
package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/measure"
	"github.com/wtsi-hgi/cookiemonster/internal/registry"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 5

const (
	measurementProcessing    = "processing"
	measurementGetNext       = "get_next_for_processing"
	measurementTimeToProcess = "time_to_process"
)

// Registries bundles the pluggable behaviour a Pool consults. Snapshots
// are taken per cookie.
type Registries struct {
	Rules     *registry.Registry[registry.Rule]
	Loaders   *registry.Registry[registry.EnrichmentLoader]
	Receivers *registry.Registry[registry.Receiver]
}

// Options tunes a Pool.
type Options struct {
	// Workers is how many cookies may be processed concurrently.
	// DefaultWorkers when zero or below.
	Workers int

	// RetryDelay postpones a failed cookie's return to the queue. Zero
	// requeues immediately.
	RetryDelay time.Duration

	// Measurements receives the pool's operational measurements.
	// measure.Discard when nil.
	Measurements measure.Logger
}

// Pool is a bounded worker pool feeding cookies through the rule
// pipeline.
//
// The pool listens to the jar's queue-change broadcasts from the moment
// it is constructed, but only dispatches between Start and Stop. Workers
// are fungible; a dispatch pass claims cookies for as long as an idle
// worker exists, and every completed cookie triggers another pass so the
// pool stays saturated without a global scheduler.
type Pool struct {
	jar          cookiejar.CookieJar
	registries   Registries
	workers      int
	retryDelay   time.Duration
	measurements measure.Logger
	log          logr.Logger

	wake   chan struct{}
	claims atomic.Int64

	mu         sync.Mutex
	started    bool
	idle       int
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewPool wires a pool to the jar and registries it will consult. The
// returned pool is subscribed to the jar's broadcasts but idle until
// Start.
func NewPool(jar cookiejar.CookieJar, registries Registries, opts Options, log logr.Logger) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	measurements := opts.Measurements
	if measurements == nil {
		measurements = measure.Discard
	}

	p := &Pool{
		jar:          jar,
		registries:   registries,
		workers:      workers,
		retryDelay:   opts.RetryDelay,
		measurements: measurements,
		log:          log,
		wake:         make(chan struct{}, 1),
		idle:         workers,
	}

	jar.AddListener(func(string) { p.Prompt() })

	return p
}

// Workers returns the configured pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Busy returns how many workers are processing a cookie right now.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.workers - p.idle
}

// Prompt asks the pool to look for claimable work. Safe from any
// goroutine; prompts arriving while a pass is already pending coalesce
// into one.
func (p *Pool) Prompt() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start begins dispatching. The first pass runs immediately, picking up
// anything already queued before the pool existed.
func (p *Pool) Start(parentCtx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("processor pool already started")
	}
	ctx, cancel := context.WithCancel(parentCtx)
	p.cancelFunc = cancel
	p.started = true
	p.mu.Unlock()

	p.log.Info("starting processor pool", "workers", p.workers, "retryDelay", p.retryDelay)

	p.wg.Add(1)
	go p.run(ctx)

	p.Prompt()

	return nil
}

// Stop halts dispatching and waits for in-flight cookies to finish. No
// cookie is claimed after Stop returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancelFunc
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("processor pool stopped")
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.dispatch(ctx)
		}
	}
}

// dispatch claims cookies while an idle worker exists. An empty queue
// releases the reserved worker and ends the pass; the next broadcast
// starts another.
func (p *Pool) dispatch(ctx context.Context) {
	for p.reserveWorker() {
		cookie, err := p.claim(ctx)
		if err != nil {
			p.releaseWorker()

			if ctx.Err() == nil {
				p.log.Error(err, "claiming next cookie")
			}

			return
		}

		if cookie == nil {
			p.releaseWorker()
			return
		}

		p.wg.Add(1)

		// The worker finishes its cookie even if Stop arrives mid-flight,
		// so its context must survive the pool's cancellation.
		go p.work(context.WithoutCancel(ctx), cookie)
	}
}

// claim fetches the next ready cookie, recording how many claims are in
// flight either side of the call.
func (p *Pool) claim(ctx context.Context) (*types.Cookie, error) {
	p.measurements.Record(measure.Scalar(measurementGetNext, float64(p.claims.Add(1))))
	cookie, err := p.jar.NextForProcessing(ctx)
	p.measurements.Record(measure.Scalar(measurementGetNext, float64(p.claims.Add(-1))))

	return cookie, err
}

func (p *Pool) reserveWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.idle == 0 {
		return false
	}
	p.idle--

	return true
}

func (p *Pool) releaseWorker() {
	p.mu.Lock()
	p.idle++
	p.mu.Unlock()
}
