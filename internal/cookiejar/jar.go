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

// Package cookiejar holds cookies, their enrichment histories and the
// queue of cookies awaiting processing. The durable implementation is
// BiscuitTin; InMemoryJar offers the same contract without persistence.
package cookiejar

import (
	"context"
	"time"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// CookieJar is the shared contract of every jar implementation.
//
// A cookie's queue record moves between three observable states: ready
// (dirty, not processing, queue time reached), parked (processing) and
// clean (neither). Listeners hear the cookie's identifier whenever a
// record becomes ready, always after the change is acknowledged by the
// backing store, never before.
type CookieJar interface {
	// Fetch returns the cookie's full enrichment history in chronological
	// order, or nil when nothing is known about the identifier.
	Fetch(ctx context.Context, identifier string) (*types.Cookie, error)

	// Delete removes the cookie's enrichment history and queue record.
	// A cookie claimed by a worker at the time of the call has its record
	// deleted once that worker finishes, and nothing the worker does can
	// re-queue it. Upstream sources are untouched.
	Delete(ctx context.Context, identifier string) error

	// Enrich appends an enrichment and queues the cookie for processing.
	// When the cookie is mid-processing the enrichment is recorded and the
	// cookie is re-queued once its current run completes.
	Enrich(ctx context.Context, identifier string, enrichment types.Enrichment) error

	// MarkFailed returns an in-flight cookie to the queue, delaying its
	// eligibility by delay. The queue-change broadcast fires once the
	// delay has elapsed.
	MarkFailed(ctx context.Context, identifier string, delay time.Duration) error

	// MarkComplete finishes an in-flight cookie. A cookie enriched while
	// it was being processed goes straight back onto the queue.
	MarkComplete(ctx context.Context, identifier string) error

	// MarkForProcessing queues the cookie regardless of prior state.
	MarkForProcessing(ctx context.Context, identifier string) error

	// NextForProcessing atomically claims the ready cookie with the
	// oldest queue time and returns its history, which is empty for a
	// cookie queued before any enrichment arrived. Nil without error
	// means the queue is empty. Safe under concurrent callers; a record
	// is claimed by exactly one of them.
	NextForProcessing(ctx context.Context) (*types.Cookie, error)

	// QueueLength counts the cookies currently eligible for claiming.
	QueueLength(ctx context.Context) (int, error)

	// AddListener registers fn to hear the identifier of every record
	// that becomes ready.
	AddListener(fn func(identifier string))
}
