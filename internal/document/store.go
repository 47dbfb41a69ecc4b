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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// DefaultMaxBufferSize is how many writes are staged before a batch is
// forced out regardless of how recently the last write arrived.
const DefaultMaxBufferSize = 1000

// DefaultBufferLatency is how long a non-empty buffer may sit untouched
// before it is discharged.
const DefaultBufferLatency = 50 * time.Millisecond

// DefaultMaxWriteAttempts bounds retries of a batch that cannot reach the
// backend before its writers are failed with ErrUnavailable.
const DefaultMaxWriteAttempts = 5

// Backend is the raw revisioned store a Store buffers writes for.
// *BoltStore implements it.
type Backend interface {
	CreateDatabase(name string) error
	DefineView(database string, def ViewDef)
	CommitViews(ctx context.Context, database string) error
	GetBulk(ctx context.Context, database string, keys []string) (map[string]Document, error)
	PutBulk(ctx context.Context, database string, docs []Document) (map[string]string, error)
	DeleteBulk(ctx context.Context, database string, keys []string) error
	Query(ctx context.Context, database, design, view string, opts QueryOptions) ([]Row, error)
	QueryCount(ctx context.Context, database, design, view string, opts QueryOptions) (int, error)
}

// Options tunes a Store. Zero values take the package defaults.
type Options struct {
	// MaxBufferSize is the batch size that forces an immediate discharge.
	MaxBufferSize int

	// BufferLatency is how long a quiet buffer waits before discharging.
	BufferLatency time.Duration

	// MaxWriteAttempts bounds how often an unreachable backend is retried
	// per batch.
	MaxWriteAttempts int

	// OnDischarge, when set, observes every durably written batch.
	OnDischarge func(writes int)
}

func (o Options) withDefaults() Options {
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}

	if o.BufferLatency <= 0 {
		o.BufferLatency = DefaultBufferLatency
	}

	if o.MaxWriteAttempts <= 0 {
		o.MaxWriteAttempts = DefaultMaxWriteAttempts
	}

	return o
}

// Store buffers writes to one database of a Backend. Writers block until
// their write is durable, with a per-key lock serialising writers of the
// same document. Batches prefetch the current revision of every touched
// key immediately before committing, so a buffered writer can never
// conflict with its own earlier writes.
type Store struct {
	backend  Backend
	database string
	opts     Options
	log      logr.Logger

	locks   *LockPool
	buf     *buffer
	batches chan []stagedWrite

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewStore creates a buffered store over one database of backend. Call
// Start before writing.
func NewStore(backend Backend, database string, opts Options, log logr.Logger) *Store {
	return &Store{
		backend:  backend,
		database: database,
		opts:     opts.withDefaults(),
		log:      log.WithName("docstore").WithValues("database", database),
		locks:    NewLockPool(),
	}
}

// Start launches the buffer watcher and the batch writer.
//
// Parameters:
//   - parentCtx: cancels retry backoff; buffered writes themselves are
//     always driven to a terminal outcome.
func (s *Store) Start(parentCtx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("document store already started")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.cancelFunc = cancel
	s.started = true

	s.batches = make(chan []stagedWrite, 64)
	s.buf = newBuffer(s.opts.MaxBufferSize, s.opts.BufferLatency, s.batches)

	s.wg.Add(1)

	go s.run(ctx)

	return nil
}

// Stop discharges whatever is buffered, waits for it to settle and shuts
// the writer down. The store cannot be restarted.
func (s *Store) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()
		return
	}

	s.started = false

	s.mu.Unlock()

	s.buf.close()
	close(s.batches)
	s.wg.Wait()
	s.cancelFunc()
}

// Upsert stages a write and blocks until it is durable, returning the key
// it was stored under. Documents without a key are assigned a fresh one.
// Any revision on the document is ignored; the batch writer stamps the
// current stored revision immediately before committing.
func (s *Store) Upsert(ctx context.Context, doc Document) (string, error) {
	if err := ValidateKeys(doc); err != nil {
		return "", err
	}

	key := doc.ID()
	if key == "" {
		key = NewKey()
	}

	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	done := make(chan error, 1)
	s.buf.add(stagedWrite{key: key, doc: doc.Copy(), done: done})

	select {
	case err := <-done:
		return key, err
	case <-ctx.Done():
		// The staged write still settles; only the wait is abandoned.
		return "", ctx.Err()
	}
}

// Delete stages a removal and returns immediately. Failures surface in the
// log only.
func (s *Store) Delete(_ context.Context, key string) {
	s.buf.add(stagedWrite{key: key, remove: true})
}

// Fetch reads the current document at key. When rev is non-empty the read
// only succeeds while that revision is still current.
func (s *Store) Fetch(ctx context.Context, key, rev string) (Document, error) {
	docs, err := s.backend.GetBulk(ctx, s.database, []string{key})
	if err != nil {
		return nil, err
	}

	doc, ok := docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	if rev != "" && doc.Rev() != rev {
		return nil, fmt.Errorf("%w: %q at revision %q", ErrNotFound, key, rev)
	}

	return doc, nil
}

// Query runs a view query against the store's database.
func (s *Store) Query(ctx context.Context, design, view string, opts QueryOptions) ([]Row, error) {
	return s.backend.Query(ctx, s.database, design, view, opts)
}

// QueryCount counts view entries without materialising documents.
func (s *Store) QueryCount(ctx context.Context, design, view string, opts QueryOptions) (int, error) {
	return s.backend.QueryCount(ctx, s.database, design, view, opts)
}

// CommitViews materialises every view defined on the store's database.
func (s *Store) CommitViews(ctx context.Context) error {
	return s.backend.CommitViews(ctx, s.database)
}

// Flush forces the buffer out without waiting for size or latency.
func (s *Store) Flush() {
	s.buf.flush()
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()

	for batch := range s.batches {
		s.writeBatch(ctx, batch)
	}
}

// writeBatch drives one batch to a terminal outcome. Revision conflicts
// are retried immediately, as the next attempt prefetches fresh revisions.
// An unreachable backend is retried on a squared backoff until the attempt
// budget runs out, after which every writer in the batch is failed.
func (s *Store) writeBatch(ctx context.Context, writes []stagedWrite) {
	commitCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		err := s.commit(commitCtx, writes)
		if err == nil {
			s.settle(writes, nil)

			if s.opts.OnDischarge != nil {
				s.opts.OnDischarge(len(writes))
			}

			return
		}

		switch {
		case errors.Is(err, ErrConflict):
			s.log.Info("batch hit revision conflicts, retrying", "writes", len(writes), "err", err.Error())
			continue

		case errors.Is(err, ErrUnavailable):
			if attempt >= s.opts.MaxWriteAttempts {
				s.log.Error(err, "abandoning batch", "writes", len(writes), "attempts", attempt)
				s.settle(writes, err)

				return
			}

			delay := time.Duration(attempt*attempt) * time.Second
			s.log.Error(err, "backend unavailable, backing off", "attempt", attempt, "delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.settle(writes, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err()))

				return
			}

		default:
			s.log.Error(err, "batch failed permanently", "writes", len(writes))
			s.settle(writes, err)

			return
		}
	}
}

// commit prefetches current revisions for the whole batch and applies its
// writes and removals through the backend.
func (s *Store) commit(ctx context.Context, writes []stagedWrite) error {
	keys := make([]string, 0, len(writes))
	for _, w := range writes {
		keys = append(keys, w.key)
	}

	current, err := s.backend.GetBulk(ctx, s.database, keys)
	if err != nil {
		return err
	}

	var (
		puts []Document
		dels []string
	)

	for _, w := range writes {
		if w.remove {
			if _, ok := current[w.key]; ok {
				dels = append(dels, w.key)
			}

			continue
		}

		doc := w.doc.Copy()
		doc[FieldID] = w.key

		if cur, ok := current[w.key]; ok {
			doc[FieldRev] = cur.Rev()
		} else {
			delete(doc, FieldRev)
		}

		puts = append(puts, doc)
	}

	if len(puts) > 0 {
		if _, err := s.backend.PutBulk(ctx, s.database, puts); err != nil {
			return err
		}
	}

	if len(dels) > 0 {
		if err := s.backend.DeleteBulk(ctx, s.database, dels); err != nil {
			return err
		}
	}

	return nil
}

// settle reports the batch outcome to every writer still waiting on it.
func (s *Store) settle(writes []stagedWrite, err error) {
	for _, w := range writes {
		if w.done == nil {
			if err != nil {
				s.log.Error(err, "unacknowledged write lost", "key", w.key)
			}

			continue
		}

		w.done <- err
	}
}
