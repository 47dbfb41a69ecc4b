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

package cookiejar

import (
	"context"
	"sync"
	"time"

	"github.com/wtsi-hgi/cookiemonster/internal/listen"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// InMemoryJar keeps the whole jar in process memory. It honours the same
// queue semantics as BiscuitTin but nothing survives a restart, which is
// exactly what development setups and tests want.
type InMemoryJar struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]*memRecord

	listeners listen.Listenable[string]
}

type memRecord struct {
	enrichments []types.Enrichment
	dirty       bool
	processing  bool
	reprocess   bool
	deleted     bool
	queueFrom   time.Time
}

var _ CookieJar = (*InMemoryJar)(nil)

// NewInMemoryJar returns an empty jar, ready for use.
func NewInMemoryJar() *InMemoryJar {
	return &InMemoryJar{
		now:     time.Now,
		records: make(map[string]*memRecord),
	}
}

// Fetch implements CookieJar.
func (j *InMemoryJar) Fetch(_ context.Context, identifier string) (*types.Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[identifier]
	if !ok || len(rec.enrichments) == 0 {
		return nil, nil
	}

	cookie := types.NewCookie(identifier)
	for _, e := range rec.enrichments {
		cookie.Enrich(e)
	}

	types.SortEnrichments(cookie.Enrichments)

	return cookie.Copy(), nil
}

// Delete implements CookieJar.
func (j *InMemoryJar) Delete(_ context.Context, identifier string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[identifier]
	if ok && rec.processing {
		// Tombstone a claimed cookie; its worker's final mark removes it.
		rec.enrichments = nil
		rec.deleted = true
		rec.reprocess = false

		return nil
	}

	delete(j.records, identifier)

	return nil
}

// Enrich implements CookieJar.
func (j *InMemoryJar) Enrich(_ context.Context, identifier string, enrichment types.Enrichment) error {
	j.mu.Lock()

	rec := j.record(identifier)
	rec.enrichments = append(rec.enrichments, enrichment)
	ready := j.makeReady(rec)

	j.mu.Unlock()

	if ready {
		j.listeners.Notify(identifier)
	}

	return nil
}

// MarkForProcessing implements CookieJar.
func (j *InMemoryJar) MarkForProcessing(_ context.Context, identifier string) error {
	j.mu.Lock()
	ready := j.makeReady(j.record(identifier))
	j.mu.Unlock()

	if ready {
		j.listeners.Notify(identifier)
	}

	return nil
}

// MarkFailed implements CookieJar.
func (j *InMemoryJar) MarkFailed(_ context.Context, identifier string, delay time.Duration) error {
	j.mu.Lock()

	rec, ok := j.records[identifier]
	if !ok {
		j.mu.Unlock()
		return nil
	}

	if rec.deleted {
		delete(j.records, identifier)
		j.mu.Unlock()

		return nil
	}

	rec.processing = false
	rec.dirty = true
	rec.reprocess = false
	rec.queueFrom = j.now().Add(delay)

	j.mu.Unlock()

	time.AfterFunc(delay, func() {
		j.listeners.Notify(identifier)
	})

	return nil
}

// MarkComplete implements CookieJar.
func (j *InMemoryJar) MarkComplete(_ context.Context, identifier string) error {
	j.mu.Lock()

	rec, ok := j.records[identifier]
	if !ok {
		j.mu.Unlock()
		return nil
	}

	if rec.deleted {
		delete(j.records, identifier)
		j.mu.Unlock()

		return nil
	}

	rec.processing = false
	requeued := false

	if rec.reprocess {
		rec.reprocess = false
		rec.dirty = true
		rec.queueFrom = j.now()
		requeued = true
	}

	j.mu.Unlock()

	if requeued {
		j.listeners.Notify(identifier)
	}

	return nil
}

// NextForProcessing implements CookieJar.
func (j *InMemoryJar) NextForProcessing(_ context.Context) (*types.Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()

	var (
		winner    string
		winnerRec *memRecord
	)

	for identifier, rec := range j.records {
		if !rec.dirty || rec.processing || rec.queueFrom.After(now) {
			continue
		}

		if winnerRec == nil || rec.queueFrom.Before(winnerRec.queueFrom) ||
			(rec.queueFrom.Equal(winnerRec.queueFrom) && identifier < winner) {
			winner, winnerRec = identifier, rec
		}
	}

	if winnerRec == nil {
		return nil, nil
	}

	winnerRec.processing = true
	winnerRec.dirty = false
	winnerRec.reprocess = false
	winnerRec.queueFrom = time.Time{}

	cookie := types.NewCookie(winner)
	for _, e := range winnerRec.enrichments {
		cookie.Enrich(e)
	}

	types.SortEnrichments(cookie.Enrichments)

	return cookie.Copy(), nil
}

// QueueLength implements CookieJar.
func (j *InMemoryJar) QueueLength(_ context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	count := 0

	for _, rec := range j.records {
		if rec.dirty && !rec.processing && !rec.queueFrom.After(now) {
			count++
		}
	}

	return count, nil
}

// AddListener implements CookieJar.
func (j *InMemoryJar) AddListener(fn func(identifier string)) {
	j.listeners.AddListener(fn)
}

func (j *InMemoryJar) record(identifier string) *memRecord {
	rec, ok := j.records[identifier]
	if !ok {
		rec = &memRecord{}
		j.records[identifier] = rec
	}

	return rec
}

// makeReady moves a record to the ready state, or flags a processing
// record for another round once it completes. Tombstoned records stay
// dead. Reports whether the record became ready.
func (j *InMemoryJar) makeReady(rec *memRecord) bool {
	if rec.deleted {
		return false
	}

	if rec.processing {
		rec.reprocess = true
		return false
	}

	rec.dirty = true
	rec.queueFrom = j.now()

	return true
}
