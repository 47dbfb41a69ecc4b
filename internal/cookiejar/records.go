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
	"fmt"

	"github.com/wtsi-hgi/cookiemonster/internal/document"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

const (
	designQueue     = "queue"
	viewReady       = "ready"
	viewInProgress  = "in_progress"
	designCookie    = "cookie"
	viewEnrichments = "enrichments"

	docTypeQueue      = "queue"
	docTypeEnrichment = "enrichment"

	fieldType       = "type"
	fieldIdentifier = "identifier"
	fieldDirty      = "dirty"
	fieldProcessing = "processing"
	fieldQueueFrom  = "queue_from"
	fieldReprocess  = "reprocess"
	fieldDeleted    = "deleted"
	fieldSource     = "source"
	fieldTimestamp  = "timestamp"
	fieldMetadata   = "metadata"

	// keySeparator joins an identifier to a timestamp in the enrichments
	// view key. Identifiers are paths and never contain control bytes.
	keySeparator = "\x1f"
)

// queueKey is the deterministic store key of an identifier's queue record.
// Determinism is what keeps the queue at one record per identifier even
// under concurrent enrichment of a brand-new cookie.
func queueKey(identifier string) string {
	return "queue:" + identifier
}

// queueRecord is a cookie's position in the processing queue. queueFrom is
// the encoded eligibility time, empty while the record is parked. deleted
// tombstones a record whose cookie was deleted mid-processing: it stays
// marked as processing, invisible to the ready view, until the worker
// holding the cookie finishes and the record is purged.
type queueRecord struct {
	identifier string
	dirty      bool
	processing bool
	queueFrom  string
	reprocess  bool
	deleted    bool
}

func (r queueRecord) document() document.Document {
	doc := document.Document{
		document.FieldID: queueKey(r.identifier),
		fieldType:        docTypeQueue,
		fieldIdentifier:  r.identifier,
		fieldDirty:       r.dirty,
		fieldProcessing:  r.processing,
		fieldReprocess:   r.reprocess,
	}

	if r.queueFrom != "" {
		doc[fieldQueueFrom] = r.queueFrom
	}

	if r.deleted {
		doc[fieldDeleted] = true
	}

	return doc
}

func queueRecordFrom(doc document.Document) queueRecord {
	rec := queueRecord{}
	rec.identifier, _ = doc[fieldIdentifier].(string)
	rec.dirty, _ = doc[fieldDirty].(bool)
	rec.processing, _ = doc[fieldProcessing].(bool)
	rec.queueFrom, _ = doc[fieldQueueFrom].(string)
	rec.reprocess, _ = doc[fieldReprocess].(bool)
	rec.deleted, _ = doc[fieldDeleted].(bool)

	return rec
}

func enrichmentDocument(identifier string, e types.Enrichment) document.Document {
	return document.Document{
		fieldType:       docTypeEnrichment,
		fieldIdentifier: identifier,
		fieldSource:     e.Source,
		fieldTimestamp:  string(document.EncodeTimeKey(e.Timestamp)),
		fieldMetadata:   map[string]any(e.Metadata),
	}
}

func enrichmentFrom(doc document.Document) (types.Enrichment, error) {
	encoded, _ := doc[fieldTimestamp].(string)

	timestamp, err := document.DecodeTimeKey([]byte(encoded))
	if err != nil {
		return types.Enrichment{}, fmt.Errorf("enrichment %q has unreadable timestamp: %w", doc.ID(), err)
	}

	e := types.Enrichment{Timestamp: timestamp}
	e.Source, _ = doc[fieldSource].(string)

	if metadata, ok := doc[fieldMetadata].(map[string]any); ok {
		e.Metadata = types.Metadata(metadata)
	}

	return e, nil
}

// enrichmentRange bounds a view scan to one identifier's enrichments.
func enrichmentRange(identifier string) (start, end []byte) {
	start = []byte(identifier + keySeparator)
	end = []byte(identifier + keySeparator + "\xff")

	return start, end
}

// queueViews declares the indexes BiscuitTin keeps on its database: the
// ready queue ordered by eligibility time, the in-progress set used for
// crash recovery, and each cookie's enrichments in chronological order.
func queueViews() []document.ViewDef {
	return []document.ViewDef{
		{
			Design:      designQueue,
			Name:        viewReady,
			Fingerprint: "1",
			Map: func(doc document.Document) ([]byte, bool) {
				if doc[fieldType] != docTypeQueue {
					return nil, false
				}

				rec := queueRecordFrom(doc)
				if !rec.dirty || rec.processing || rec.queueFrom == "" {
					return nil, false
				}

				return []byte(rec.queueFrom), true
			},
		},
		{
			Design:      designQueue,
			Name:        viewInProgress,
			Fingerprint: "1",
			Map: func(doc document.Document) ([]byte, bool) {
				if doc[fieldType] != docTypeQueue {
					return nil, false
				}

				rec := queueRecordFrom(doc)
				if !rec.processing {
					return nil, false
				}

				return []byte(rec.identifier), true
			},
		},
		{
			Design:      designCookie,
			Name:        viewEnrichments,
			Fingerprint: "1",
			Map: func(doc document.Document) ([]byte, bool) {
				if doc[fieldType] != docTypeEnrichment {
					return nil, false
				}

				identifier, _ := doc[fieldIdentifier].(string)
				timestamp, _ := doc[fieldTimestamp].(string)

				return []byte(identifier + keySeparator + timestamp), true
			},
		},
	}
}
