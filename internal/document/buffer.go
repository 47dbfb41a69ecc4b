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

package document

import (
	"sync"
	"time"
)

// stagedWrite is one pending store operation. done receives the outcome of
// the durable write exactly once; a nil done marks a fire-and-forget write
// whose outcome is only logged.
type stagedWrite struct {
	key    string
	doc    Document
	remove bool
	done   chan error
}

// buffer accumulates staged writes and discharges them as batches, either
// when maxSize writes are staged or when the buffer has been left alone
// for latency. A watcher wakes at half the latency so a quiet buffer is
// discharged at most one and a half latencies after its last append.
type buffer struct {
	mu         sync.Mutex
	staged     []stagedWrite
	lastAppend time.Time

	maxSize int
	latency time.Duration
	out     chan<- []stagedWrite

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newBuffer(maxSize int, latency time.Duration, out chan<- []stagedWrite) *buffer {
	b := &buffer{
		maxSize: maxSize,
		latency: latency,
		out:     out,
		stop:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.watch()

	return b
}

// add stages one write, discharging immediately when the buffer is full.
func (b *buffer) add(w stagedWrite) {
	b.mu.Lock()

	b.staged = append(b.staged, w)
	b.lastAppend = time.Now()

	var batch []stagedWrite
	if len(b.staged) >= b.maxSize {
		batch = b.takeBatch()
	}

	b.mu.Unlock()

	if batch != nil {
		b.out <- batch
	}
}

// flush discharges whatever is staged regardless of size or age.
func (b *buffer) flush() {
	b.mu.Lock()
	batch := b.takeBatch()
	b.mu.Unlock()

	if batch != nil {
		b.out <- batch
	}
}

// close stops the watcher and discharges any remaining writes.
func (b *buffer) close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.flush()
}

// takeBatch removes the current batch from the buffer, keeping only the
// latest write per key. Earlier writes to the same key stay staged for a
// subsequent batch rather than being re-appended, so a key written twice
// in quick succession can never wedge the buffer.
func (b *buffer) takeBatch() []stagedWrite {
	if len(b.staged) == 0 {
		return nil
	}

	latest := make(map[string]int, len(b.staged))
	for i, w := range b.staged {
		latest[w.key] = i
	}

	batch := make([]stagedWrite, 0, len(latest))
	var held []stagedWrite

	for i, w := range b.staged {
		if latest[w.key] == i {
			batch = append(batch, w)
		} else {
			held = append(held, w)
		}
	}

	b.staged = held

	return batch
}

func (b *buffer) watch() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.latency / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()

			var batch []stagedWrite
			if len(b.staged) > 0 && now.Sub(b.lastAppend) >= b.latency {
				batch = b.takeBatch()
			}

			b.mu.Unlock()

			if batch != nil {
				b.out <- batch
			}
		}
	}
}
