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
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/wtsi-hgi/cookiemonster/internal/document"
	"github.com/wtsi-hgi/cookiemonster/internal/listen"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// BiscuitTin is the durable CookieJar. Enrichment history and queue
// records live in one database of a revisioned document store, written
// through the store's buffer so callers only proceed once their change
// is durable.
//
// The queue is held as one record per identifier under a deterministic
// key, with three views over it: ready records ordered by eligibility
// time, the in-progress set and each cookie's enrichments in
// chronological order.
type BiscuitTin struct {
	store *document.Store
	log   logr.Logger
	now   func() time.Time

	// mu is the exclusive dequeue section: one indexed lookup plus the
	// claim write, nothing else.
	mu          sync.Mutex
	recordLocks *document.LockPool
	listeners   listen.Listenable[string]
}

var _ CookieJar = (*BiscuitTin)(nil)

// NewBiscuitTin binds a jar to one database of backend, declaring the
// queue views it needs. Call Start before use.
func NewBiscuitTin(backend document.Backend, database string, opts document.Options,
	log logr.Logger) (*BiscuitTin, error) {
	if err := backend.CreateDatabase(database); err != nil {
		return nil, err
	}

	for _, def := range queueViews() {
		backend.DefineView(database, def)
	}

	return &BiscuitTin{
		store:       document.NewStore(backend, database, opts, log),
		log:         log.WithName("biscuittin"),
		now:         time.Now,
		recordLocks: document.NewLockPool(),
	}, nil
}

// Start commits the jar's views, starts the write pipeline and returns
// every orphaned in-flight cookie to the queue. In-flight records survive
// a crash as in-progress entries; re-queueing them here is what makes a
// restart lose no work.
func (b *BiscuitTin) Start(ctx context.Context) error {
	if err := b.store.CommitViews(ctx); err != nil {
		return err
	}

	if err := b.store.Start(ctx); err != nil {
		return err
	}

	return b.recoverInFlight(ctx)
}

// Stop flushes buffered writes and shuts the write pipeline down.
func (b *BiscuitTin) Stop() {
	b.store.Stop()
}

func (b *BiscuitTin) recoverInFlight(ctx context.Context) error {
	rows, err := b.store.Query(ctx, designQueue, viewInProgress, document.QueryOptions{IncludeDocs: true})
	if err != nil {
		return err
	}

	requeued := 0

	for _, row := range rows {
		rec := queueRecordFrom(row.Doc)

		// A tombstone's worker died with it; finish the deletion now.
		if rec.deleted {
			if err := b.purgeRecord(ctx, rec.identifier); err != nil {
				return err
			}

			continue
		}

		rec.processing = false
		rec.dirty = true
		rec.reprocess = false
		rec.queueFrom = string(document.EncodeTimeKey(b.now()))

		if err := b.saveRecord(ctx, rec); err != nil {
			return err
		}

		requeued++
	}

	if requeued > 0 {
		b.log.Info("re-queued in-flight cookies from previous run", "count", requeued)
	}

	return nil
}

// Fetch implements CookieJar.
func (b *BiscuitTin) Fetch(ctx context.Context, identifier string) (*types.Cookie, error) {
	start, end := enrichmentRange(identifier)

	rows, err := b.store.Query(ctx, designCookie, viewEnrichments, document.QueryOptions{
		StartKey:    start,
		EndKey:      end,
		IncludeDocs: true,
	})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	cookie := types.NewCookie(identifier)

	for _, row := range rows {
		enrichment, err := enrichmentFrom(row.Doc)
		if err != nil {
			return nil, err
		}

		cookie.Enrich(enrichment)
	}

	return cookie, nil
}

// Delete implements CookieJar. A cookie currently held by a worker keeps
// a tombstoned queue record behind; the record is purged once the worker
// finishes with it, so completion of the in-flight attempt cannot
// resurrect the cookie.
func (b *BiscuitTin) Delete(ctx context.Context, identifier string) error {
	key := queueKey(identifier)

	b.recordLocks.Lock(key)
	defer b.recordLocks.Unlock(key)

	if err := b.clearEnrichments(ctx, identifier); err != nil {
		return err
	}

	rec, found, err := b.loadRecord(ctx, identifier)
	if err != nil {
		return err
	}

	if found && rec.processing {
		rec.deleted = true
		rec.reprocess = false

		if err := b.saveRecord(ctx, rec); err != nil {
			return err
		}
	} else {
		b.store.Delete(ctx, key)
	}

	b.store.Flush()

	return nil
}

// clearEnrichments deletes every enrichment document of one identifier.
// The deletions ride the write buffer; callers flush when they need them
// applied.
func (b *BiscuitTin) clearEnrichments(ctx context.Context, identifier string) error {
	start, end := enrichmentRange(identifier)

	rows, err := b.store.Query(ctx, designCookie, viewEnrichments, document.QueryOptions{
		StartKey: start,
		EndKey:   end,
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		b.store.Delete(ctx, row.ID)
	}

	return nil
}

// purgeRecord removes a tombstoned record along with any enrichments
// that arrived after its deletion.
func (b *BiscuitTin) purgeRecord(ctx context.Context, identifier string) error {
	key := queueKey(identifier)

	b.recordLocks.Lock(key)
	defer b.recordLocks.Unlock(key)

	if err := b.clearEnrichments(ctx, identifier); err != nil {
		return err
	}

	b.store.Delete(ctx, key)
	b.store.Flush()

	return nil
}

// Enrich implements CookieJar.
func (b *BiscuitTin) Enrich(ctx context.Context, identifier string, enrichment types.Enrichment) error {
	if _, err := b.store.Upsert(ctx, enrichmentDocument(identifier, enrichment)); err != nil {
		return err
	}

	if metrics.EnrichmentsAppliedTotal != nil {
		metrics.EnrichmentsAppliedTotal.Add(ctx, 1)
	}

	ready, err := b.queueDirty(ctx, identifier)
	if err != nil {
		return err
	}

	if ready {
		b.listeners.Notify(identifier)
	}

	return nil
}

// MarkForProcessing implements CookieJar.
func (b *BiscuitTin) MarkForProcessing(ctx context.Context, identifier string) error {
	ready, err := b.queueDirty(ctx, identifier)
	if err != nil {
		return err
	}

	if ready {
		b.listeners.Notify(identifier)
	}

	return nil
}

// queueDirty makes the identifier's record ready from now, creating it on
// first sight. A record currently being processed is flagged for
// reprocessing instead, preserving that a processing record is never also
// dirty. Tombstoned records stay dead. Reports whether the record became
// ready.
func (b *BiscuitTin) queueDirty(ctx context.Context, identifier string) (bool, error) {
	ready := false

	_, err := b.updateRecord(ctx, identifier, func(rec *queueRecord, _ bool) bool {
		if rec.deleted {
			return false
		}

		if rec.processing {
			rec.reprocess = true
			return true
		}

		rec.dirty = true
		rec.queueFrom = string(document.EncodeTimeKey(b.now()))
		ready = true

		return true
	})

	return ready, err
}

// MarkFailed implements CookieJar.
func (b *BiscuitTin) MarkFailed(ctx context.Context, identifier string, delay time.Duration) error {
	purge := false

	found, err := b.updateRecord(ctx, identifier, func(rec *queueRecord, found bool) bool {
		if !found {
			return false
		}

		if rec.deleted {
			purge = true
			return false
		}

		rec.processing = false
		rec.dirty = true
		rec.reprocess = false
		rec.queueFrom = string(document.EncodeTimeKey(b.now().Add(delay)))

		return true
	})
	if err != nil {
		return err
	}

	if !found {
		b.log.V(1).Info("mark failed for unknown cookie", "identifier", identifier)
		return nil
	}

	if purge {
		return b.purgeRecord(ctx, identifier)
	}

	time.AfterFunc(delay, func() {
		b.listeners.Notify(identifier)
	})

	return nil
}

// MarkComplete implements CookieJar.
func (b *BiscuitTin) MarkComplete(ctx context.Context, identifier string) error {
	requeued := false
	purge := false

	found, err := b.updateRecord(ctx, identifier, func(rec *queueRecord, found bool) bool {
		if !found {
			return false
		}

		if rec.deleted {
			purge = true
			return false
		}

		rec.processing = false

		if rec.reprocess {
			rec.reprocess = false
			rec.dirty = true
			rec.queueFrom = string(document.EncodeTimeKey(b.now()))
			requeued = true
		}

		return true
	})
	if err != nil {
		return err
	}

	if !found {
		b.log.V(1).Info("mark complete for unknown cookie", "identifier", identifier)
		return nil
	}

	if purge {
		return b.purgeRecord(ctx, identifier)
	}

	if requeued {
		b.listeners.Notify(identifier)
	}

	return nil
}

// NextForProcessing implements CookieJar.
func (b *BiscuitTin) NextForProcessing(ctx context.Context) (*types.Cookie, error) {
	identifier, claimed, err := b.claimNext(ctx)
	if err != nil || !claimed {
		return nil, err
	}

	cookie, err := b.Fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}

	// A record can be queued before any enrichment arrives, through the
	// reprocess path. It is still work: hand it over with an empty
	// history.
	if cookie == nil {
		cookie = types.NewCookie(identifier)
	}

	return cookie, nil
}

func (b *BiscuitTin) claimNext(ctx context.Context) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.store.Query(ctx, designQueue, viewReady, document.QueryOptions{
		EndKey:      document.EncodeTimeKey(b.now()),
		Limit:       1,
		IncludeDocs: true,
	})
	if err != nil {
		return "", false, err
	}

	if len(rows) == 0 {
		return "", false, nil
	}

	claimed := queueRecordFrom(rows[0].Doc)

	_, err = b.updateRecord(ctx, claimed.identifier, func(rec *queueRecord, found bool) bool {
		if !found {
			*rec = claimed
		}

		rec.processing = true
		rec.dirty = false
		rec.queueFrom = ""
		rec.reprocess = false

		return true
	})
	if err != nil {
		return "", false, err
	}

	return claimed.identifier, true, nil
}

// QueueLength implements CookieJar.
func (b *BiscuitTin) QueueLength(ctx context.Context) (int, error) {
	return b.store.QueryCount(ctx, designQueue, viewReady, document.QueryOptions{
		EndKey: document.EncodeTimeKey(b.now()),
	})
}

// AddListener implements CookieJar.
func (b *BiscuitTin) AddListener(fn func(identifier string)) {
	b.listeners.AddListener(fn)
}

// updateRecord serialises a read-modify-write of one queue record against
// every other writer of the same record. mutate reports whether the
// record should be written back. Returns whether the record existed.
func (b *BiscuitTin) updateRecord(ctx context.Context, identifier string,
	mutate func(rec *queueRecord, found bool) bool) (bool, error) {
	key := queueKey(identifier)

	b.recordLocks.Lock(key)
	defer b.recordLocks.Unlock(key)

	rec, found, err := b.loadRecord(ctx, identifier)
	if err != nil {
		return false, err
	}

	if !mutate(&rec, found) {
		return found, nil
	}

	return found, b.saveRecord(ctx, rec)
}

func (b *BiscuitTin) loadRecord(ctx context.Context, identifier string) (queueRecord, bool, error) {
	doc, err := b.store.Fetch(ctx, queueKey(identifier), "")
	if errors.Is(err, document.ErrNotFound) {
		return queueRecord{identifier: identifier}, false, nil
	}

	if err != nil {
		return queueRecord{}, false, err
	}

	return queueRecordFrom(doc), true, nil
}

func (b *BiscuitTin) saveRecord(ctx context.Context, rec queueRecord) error {
	_, err := b.store.Upsert(ctx, rec.document())

	return err
}
