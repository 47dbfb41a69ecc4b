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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	bolt "go.etcd.io/bbolt"
)

// ViewDef declares a named index over one database. Map reports the index
// key for a document and whether the document belongs to the view at all.
// Fingerprint identifies the mapping semantics; changing it forces a
// rebuild of the persisted index on the next CommitViews.
type ViewDef struct {
	Design      string
	Name        string
	Map         func(doc Document) (key []byte, include bool)
	Fingerprint string
}

// Row is one entry of a view query result.
type Row struct {
	Key []byte
	ID  string
	Doc Document
}

// QueryOptions narrows a view query. Zero values leave the corresponding
// bound open. StartKey and EndKey are inclusive.
type QueryOptions struct {
	StartKey    []byte
	EndKey      []byte
	Limit       int
	Descending  bool
	IncludeDocs bool
}

// BoltStore is a revisioned document store on a single bbolt file. Each
// logical database is a pair of buckets, one for documents and one per
// defined view index. Writes are transactional across a whole batch and
// fail without effect when any document in the batch loses its revision
// check.
type BoltStore struct {
	db  *bolt.DB
	log logr.Logger

	viewMu sync.RWMutex
	views  map[string][]ViewDef
}

// OpenBolt opens or creates the store file at path.
func OpenBolt(path string, log logr.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &BoltStore{
		db:    db,
		log:   log.WithName("boltstore"),
		views: make(map[string][]ViewDef),
	}, nil
}

// Close releases the underlying file. Subsequent operations report
// ErrUnavailable.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the location of the store file.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// CreateDatabase ensures the buckets backing the named database exist.
func (s *BoltStore) CreateDatabase(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docBucket(name)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(designBucket(name))

		return err
	})

	return wrapUnavailable(err)
}

// DefineView registers a view over the named database. Views must be
// defined before CommitViews and before any writes that should maintain
// them.
func (s *BoltStore) DefineView(database string, def ViewDef) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	s.views[database] = append(s.views[database], def)
}

// CommitViews creates the index buckets for every view defined on the
// database and rebuilds any whose fingerprint has changed since the last
// run.
func (s *BoltStore) CommitViews(ctx context.Context, database string) error {
	defs := s.viewDefs(database)

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docBucket(database))
		if docs == nil {
			return fmt.Errorf("%w: database %q", ErrNotFound, database)
		}

		design := tx.Bucket(designBucket(database))

		for _, def := range defs {
			if err := ctx.Err(); err != nil {
				return err
			}

			stored := design.Get([]byte(def.Design + "/" + def.Name))
			if string(stored) == def.Fingerprint {
				if _, err := tx.CreateBucketIfNotExists(viewBucket(database, def)); err != nil {
					return err
				}

				continue
			}

			if err := s.rebuildView(tx, database, docs, def); err != nil {
				return err
			}

			if err := design.Put([]byte(def.Design+"/"+def.Name), []byte(def.Fingerprint)); err != nil {
				return err
			}

			s.log.Info("rebuilt view index",
				"database", database, "design", def.Design, "view", def.Name)
		}

		return nil
	})

	return wrapUnavailable(err)
}

func (s *BoltStore) rebuildView(tx *bolt.Tx, database string, docs *bolt.Bucket, def ViewDef) error {
	name := viewBucket(database, def)

	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	index, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	return docs.ForEach(func(k, v []byte) error {
		var doc Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return err
		}

		key, include := def.Map(doc)
		if !include {
			return nil
		}

		// k aliases a page that later allocations may remap; keep a copy.
		id := string(k)

		return index.Put(indexKey(key, id), []byte(id))
	})
}

// Get returns the current revision of one document.
func (s *BoltStore) Get(ctx context.Context, database, key string) (Document, error) {
	docs, err := s.GetBulk(ctx, database, []string{key})
	if err != nil {
		return nil, err
	}

	doc, ok := docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	return doc, nil
}

// GetBulk fetches the current revision of each existing key. Missing keys
// are absent from the result rather than an error.
func (s *BoltStore) GetBulk(ctx context.Context, database string, keys []string) (map[string]Document, error) {
	out := make(map[string]Document, len(keys))

	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docBucket(database))
		if docs == nil {
			return fmt.Errorf("%w: database %q", ErrNotFound, database)
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}

			raw := docs.Get([]byte(key))
			if raw == nil {
				continue
			}

			var doc Document
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}

			out[key] = doc
		}

		return nil
	})
	if err != nil {
		return nil, wrapUnavailable(err)
	}

	return out, nil
}

// PutBulk writes a batch of documents in one transaction and returns the
// new revision of each. Every document must carry its key, and its
// revision must match the stored one, empty for documents not yet stored.
// On any mismatch the whole batch is rolled back and a ConflictError
// listing the losing keys is returned.
func (s *BoltStore) PutBulk(ctx context.Context, database string, batch []Document) (map[string]string, error) {
	defs := s.viewDefs(database)
	revs := make(map[string]string, len(batch))

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docBucket(database))
		if docs == nil {
			return fmt.Errorf("%w: database %q", ErrNotFound, database)
		}

		conflict := &ConflictError{}

		for _, doc := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := doc.ID()
			if key == "" {
				return fmt.Errorf("document submitted without %s", FieldID)
			}

			old, oldRev, err := readStored(docs, key)
			if err != nil {
				return err
			}

			if doc.Rev() != oldRev {
				conflict.Keys = append(conflict.Keys, key)
				continue
			}

			if len(conflict.Keys) > 0 {
				continue
			}

			body, err := marshalBody(doc)
			if err != nil {
				return fmt.Errorf("marshal document %q: %w", key, err)
			}

			rev := nextRev(oldRev, body)

			stored := doc.Copy()
			stored[FieldID] = key
			stored[FieldRev] = rev

			raw, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal document %q: %w", key, err)
			}

			if err := docs.Put([]byte(key), raw); err != nil {
				return err
			}

			if err := reindex(tx, database, defs, key, old, stored); err != nil {
				return err
			}

			revs[key] = rev
		}

		if len(conflict.Keys) > 0 {
			return conflict
		}

		return nil
	})

	if err != nil {
		return nil, wrapUnavailable(err)
	}

	return revs, nil
}

// DeleteBulk removes documents and their index entries. Missing keys are
// ignored so that deletes are idempotent.
func (s *BoltStore) DeleteBulk(ctx context.Context, database string, keys []string) error {
	defs := s.viewDefs(database)

	err := s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docBucket(database))
		if docs == nil {
			return fmt.Errorf("%w: database %q", ErrNotFound, database)
		}

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}

			old, _, err := readStored(docs, key)
			if err != nil {
				return err
			}

			if old == nil {
				continue
			}

			if err := docs.Delete([]byte(key)); err != nil {
				return err
			}

			if err := reindex(tx, database, defs, key, old, nil); err != nil {
				return err
			}
		}

		return nil
	})

	return wrapUnavailable(err)
}

// Query scans a view index in key order.
func (s *BoltStore) Query(ctx context.Context, database, design, view string, opts QueryOptions) ([]Row, error) {
	var rows []Row

	err := s.scan(ctx, database, design, view, opts, func(key []byte, id string, docs *bolt.Bucket) error {
		row := Row{Key: append([]byte(nil), key...), ID: id}

		if opts.IncludeDocs {
			raw := docs.Get([]byte(id))
			if raw == nil {
				return fmt.Errorf("%w: indexed document %q", ErrNotFound, id)
			}

			if err := json.Unmarshal(raw, &row.Doc); err != nil {
				return err
			}
		}

		rows = append(rows, row)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rows, nil
}

// QueryCount reports how many index entries a query would return, without
// materialising documents.
func (s *BoltStore) QueryCount(ctx context.Context, database, design, view string, opts QueryOptions) (int, error) {
	count := 0

	opts.IncludeDocs = false

	err := s.scan(ctx, database, design, view, opts, func([]byte, string, *bolt.Bucket) error {
		count++

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (s *BoltStore) scan(ctx context.Context, database, design, view string, opts QueryOptions,
	visit func(key []byte, id string, docs *bolt.Bucket) error) error {
	def, ok := s.lookupView(database, design, view)
	if !ok {
		return fmt.Errorf("%w: %s/%s on %q", ErrUnknownView, design, view, database)
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(viewBucket(database, def))
		if index == nil {
			return fmt.Errorf("%w: view %s/%s not committed", ErrUnknownView, design, view)
		}

		docs := tx.Bucket(docBucket(database))
		cur := index.Cursor()
		seen := 0

		k, v := seekStart(cur, opts)
		for ; k != nil; k, v = step(cur, opts.Descending) {
			if err := ctx.Err(); err != nil {
				return err
			}

			key, _ := splitIndexKey(k)
			if outOfBounds(key, opts) {
				break
			}

			if err := visit(key, string(v), docs); err != nil {
				return err
			}

			seen++
			if opts.Limit > 0 && seen >= opts.Limit {
				break
			}
		}

		return nil
	})

	return wrapUnavailable(err)
}

func (s *BoltStore) viewDefs(database string) []ViewDef {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()

	return s.views[database]
}

func (s *BoltStore) lookupView(database, design, view string) (ViewDef, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()

	for _, def := range s.views[database] {
		if def.Design == design && def.Name == view {
			return def, true
		}
	}

	return ViewDef{}, false
}

// reindex replaces the index entries of one document across every view of
// its database. A nil next removes the document from all views.
func reindex(tx *bolt.Tx, database string, defs []ViewDef, key string, prev, next Document) error {
	for _, def := range defs {
		index := tx.Bucket(viewBucket(database, def))
		if index == nil {
			continue
		}

		if prev != nil {
			if old, include := def.Map(prev); include {
				if err := index.Delete(indexKey(old, key)); err != nil {
					return err
				}
			}
		}

		if next != nil {
			if now, include := def.Map(next); include {
				if err := index.Put(indexKey(now, key), []byte(key)); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func readStored(docs *bolt.Bucket, key string) (Document, string, error) {
	raw := docs.Get([]byte(key))
	if raw == nil {
		return nil, "", nil
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", err
	}

	return doc, doc.Rev(), nil
}

func seekStart(cur *bolt.Cursor, opts QueryOptions) ([]byte, []byte) {
	if opts.Descending {
		if opts.StartKey == nil {
			return cur.Last()
		}

		// Position on the last entry at or before StartKey. Seek lands
		// on the first entry at or after it, so step back when overshot.
		k, v := cur.Seek(append(append([]byte(nil), opts.StartKey...), 0xff))
		if k == nil {
			return cur.Last()
		}

		if key, _ := splitIndexKey(k); bytes.Compare(key, opts.StartKey) > 0 {
			return cur.Prev()
		}

		return k, v
	}

	if opts.StartKey == nil {
		return cur.First()
	}

	return cur.Seek(opts.StartKey)
}

func step(cur *bolt.Cursor, descending bool) ([]byte, []byte) {
	if descending {
		return cur.Prev()
	}

	return cur.Next()
}

func outOfBounds(key []byte, opts QueryOptions) bool {
	if opts.Descending {
		return opts.EndKey != nil && bytes.Compare(key, opts.EndKey) < 0
	}

	return opts.EndKey != nil && bytes.Compare(key, opts.EndKey) > 0
}

// indexKey couples a view key to its document so that many documents can
// share one view key.
func indexKey(viewKey []byte, id string) []byte {
	out := make([]byte, 0, len(viewKey)+1+len(id))
	out = append(out, viewKey...)
	out = append(out, 0x00)
	out = append(out, id...)

	return out
}

func splitIndexKey(k []byte) (viewKey []byte, id string) {
	if i := bytes.LastIndexByte(k, 0x00); i >= 0 {
		return k[:i], string(k[i+1:])
	}

	return k, ""
}

// wrapUnavailable folds backend failures into ErrUnavailable while letting
// the package's own sentinels and context errors pass through untouched.
func wrapUnavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnknownView),
		errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func docBucket(database string) []byte {
	return []byte("doc:" + database)
}

func designBucket(database string) []byte {
	return []byte("design:" + database)
}

func viewBucket(database string, def ViewDef) []byte {
	return []byte("ix:" + database + ":" + def.Design + ":" + def.Name)
}
