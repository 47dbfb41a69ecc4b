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

// Package document provides the buffered, revision-checked document store
// that backs the cookie jar. Writes are staged in a buffer and discharged
// in batches, either when the buffer fills or when it has been quiet for
// the configured latency. Each batch prefetches the current revision of
// every touched document so that buffered writers never conflict with
// their own earlier writes.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// FieldID holds the document key.
	FieldID = "_id"

	// FieldRev holds the revision token checked on every write.
	FieldRev = "_rev"
)

// timeKeyLayout renders timestamps at a fixed width so that the
// lexicographic order of encoded keys matches chronological order.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z"

// Document is a schemaless JSON-style mapping. Top-level fields beginning
// with an underscore are reserved for the store itself.
type Document map[string]any

// ID returns the document key, or "" when the document was never stored.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Rev returns the revision token, or "" for a document not yet stored.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// Copy returns a shallow copy of the document. Batch writers copy before
// annotating revisions so callers never observe store bookkeeping mutating
// under them.
func (d Document) Copy() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}

// ValidateKeys rejects documents that use reserved top-level fields.
// FieldID and FieldRev are permitted so that fetched documents can be
// updated and written back.
func ValidateKeys(d Document) error {
	for k := range d {
		if !strings.HasPrefix(k, "_") {
			continue
		}

		if k == FieldID || k == FieldRev {
			continue
		}

		return fmt.Errorf("%w: %q", ErrReservedKey, k)
	}

	return nil
}

// NewKey generates a key for a document submitted without one.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// nextRev derives the revision token that succeeds current for the given
// document body. Tokens take the form "<generation>-<digest>" and compare
// unequal whenever either the generation or the content differs.
func nextRev(current string, body []byte) string {
	generation := 1

	if i := strings.IndexByte(current, '-'); i > 0 {
		if n, err := strconv.Atoi(current[:i]); err == nil {
			generation = n + 1
		}
	}

	return fmt.Sprintf("%d-%016x", generation, xxhash.Sum64(body))
}

// marshalBody serialises a document without its reserved fields. The body
// is what revision digests are computed over, so bookkeeping churn alone
// never advances a revision's digest.
func marshalBody(d Document) ([]byte, error) {
	body := make(Document, len(d))

	for k, v := range d {
		if k == FieldID || k == FieldRev {
			continue
		}

		body[k] = v
	}

	return json.Marshal(body)
}

// EncodeTimeKey renders t as a fixed-width UTC key for range scans over
// time-ordered views.
func EncodeTimeKey(t time.Time) []byte {
	return []byte(t.UTC().Format(timeKeyLayout))
}

// DecodeTimeKey parses a key previously produced by EncodeTimeKey.
func DecodeTimeKey(key []byte) (time.Time, error) {
	return time.Parse(timeKeyLayout, string(key))
}
