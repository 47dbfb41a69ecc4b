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
Package types defines the core data model: file updates arriving from an
external source, the enrichments accumulated for each file, and the cookie
(a file's full enrichment history) that the processor pipeline consumes.
*/
package types

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Update describes a single observed change to a file in the external
// storage system.
type Update struct {
	// Target is the location of the changed entity in the external store.
	Target string

	// Hash identifies the update content; two updates with equal hashes
	// carry the same information.
	Hash uint64

	// Timestamp is when the change happened, in UTC.
	Timestamp time.Time

	// Metadata holds the attributes reported for the change.
	Metadata Metadata
}

// NewUpdate creates an Update with its content hash precomputed.
func NewUpdate(target string, timestamp time.Time, metadata Metadata) Update {
	return Update{
		Target:    target,
		Hash:      hashUpdate(target, metadata),
		Timestamp: timestamp.UTC(),
		Metadata:  metadata,
	}
}

// AsEnrichment converts the update into an enrichment attributed to
// source, keeping the update's own timestamp so the cookie's history
// reflects when the change happened rather than when it was retrieved.
func (u Update) AsEnrichment(source string) Enrichment {
	return Enrichment{
		Source:    source,
		Timestamp: u.Timestamp,
		Metadata:  u.Metadata,
	}
}

// Enrichment is an immutable addition to a cookie's history, tagged by the
// source that produced it.
type Enrichment struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Before reports whether e was produced before other.
// Enrichments are totally ordered within a cookie by timestamp.
func (e Enrichment) Before(other Enrichment) bool {
	return e.Timestamp.Before(other.Timestamp)
}

// SortEnrichments orders enrichments by timestamp, preserving insertion
// order for equal timestamps.
func SortEnrichments(enrichments []Enrichment) {
	sort.SliceStable(enrichments, func(i, j int) bool {
		return enrichments[i].Timestamp.Before(enrichments[j].Timestamp)
	})
}

// Cookie is the accumulated metadata record for a single file.
type Cookie struct {
	// Identifier is opaque to the core; typically a path in the external
	// storage system.
	Identifier string `json:"identifier"`

	// Enrichments holds the history in chronological order.
	Enrichments []Enrichment `json:"enrichments"`
}

// NewCookie creates an empty cookie for the given identifier.
func NewCookie(identifier string) *Cookie {
	return &Cookie{Identifier: identifier}
}

// Enrich appends an enrichment to the history.
func (c *Cookie) Enrich(enrichment Enrichment) {
	c.Enrichments = append(c.Enrichments, enrichment)
}

// MetadataBySource returns the most recent value recorded for key by the
// given source. The history is chronological, so the scan runs newest first.
func (c *Cookie) MetadataBySource(source, key string) (any, bool) {
	for i := len(c.Enrichments) - 1; i >= 0; i-- {
		if c.Enrichments[i].Source != source {
			continue
		}
		if value, ok := c.Enrichments[i].Metadata[key]; ok {
			return value, true
		}
	}
	return nil, false
}

// MetadataSources returns the distinct sources that have enriched this
// cookie, in order of first appearance.
func (c *Cookie) MetadataSources() []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var sources []string
	for _, enrichment := range c.Enrichments {
		if seen.Add(enrichment.Source) {
			sources = append(sources, enrichment.Source)
		}
	}
	return sources
}

// Copy returns a deep copy of the cookie. Rule plug-ins evaluate against
// copies so they cannot mutate shared state.
func (c *Cookie) Copy() *Cookie {
	cp := &Cookie{Identifier: c.Identifier}
	if len(c.Enrichments) > 0 {
		cp.Enrichments = make([]Enrichment, len(c.Enrichments))
		for i, e := range c.Enrichments {
			cp.Enrichments[i] = Enrichment{
				Source:    e.Source,
				Timestamp: e.Timestamp,
				Metadata:  e.Metadata.Copy(),
			}
		}
	}
	return cp
}

// Notification is a message for external consumers about a cookie.
type Notification struct {
	// About identifies the cookie the notification concerns.
	About string `json:"about"`

	// Sender names the component that raised the notification.
	Sender string `json:"sender"`

	// Data is an optional payload.
	Data any `json:"data,omitempty"`
}

// RuleAction is the outcome of a matched rule.
type RuleAction struct {
	// Notifications to deliver to receivers.
	Notifications []Notification

	// Terminate stops further rule evaluation for this cookie.
	Terminate bool
}
