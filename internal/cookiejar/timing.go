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
	"time"

	"github.com/wtsi-hgi/cookiemonster/internal/measure"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// Measurement names follow the jar's operation vocabulary so dashboards
// keep working across implementations.
const (
	opFetch             = "fetch_cookie"
	opDelete            = "delete_cookie"
	opEnrich            = "enrich_cookie"
	opMarkFailed        = "mark_as_failed"
	opMarkComplete      = "mark_as_complete"
	opMarkForProcessing = "mark_for_processing"
	opNext              = "get_next_for_processing"
	opQueueLength       = "queue_length"
)

type timedJar struct {
	jar    CookieJar
	logger measure.Logger
}

// WithTiming wraps jar so the wall time of every operation is recorded as
// "<operation>_time" without changing the operation's behaviour.
func WithTiming(jar CookieJar, logger measure.Logger) CookieJar {
	return &timedJar{jar: jar, logger: logger}
}

func (t *timedJar) observe(op string, start time.Time) {
	t.logger.Record(measure.Scalar(op+"_time", time.Since(start).Seconds()))
}

func (t *timedJar) Fetch(ctx context.Context, identifier string) (*types.Cookie, error) {
	defer t.observe(opFetch, time.Now())
	return t.jar.Fetch(ctx, identifier)
}

func (t *timedJar) Delete(ctx context.Context, identifier string) error {
	defer t.observe(opDelete, time.Now())
	return t.jar.Delete(ctx, identifier)
}

func (t *timedJar) Enrich(ctx context.Context, identifier string, enrichment types.Enrichment) error {
	defer t.observe(opEnrich, time.Now())
	return t.jar.Enrich(ctx, identifier, enrichment)
}

func (t *timedJar) MarkFailed(ctx context.Context, identifier string, delay time.Duration) error {
	defer t.observe(opMarkFailed, time.Now())
	return t.jar.MarkFailed(ctx, identifier, delay)
}

func (t *timedJar) MarkComplete(ctx context.Context, identifier string) error {
	defer t.observe(opMarkComplete, time.Now())
	return t.jar.MarkComplete(ctx, identifier)
}

func (t *timedJar) MarkForProcessing(ctx context.Context, identifier string) error {
	defer t.observe(opMarkForProcessing, time.Now())
	return t.jar.MarkForProcessing(ctx, identifier)
}

func (t *timedJar) NextForProcessing(ctx context.Context) (*types.Cookie, error) {
	defer t.observe(opNext, time.Now())
	return t.jar.NextForProcessing(ctx)
}

func (t *timedJar) QueueLength(ctx context.Context) (int, error) {
	defer t.observe(opQueueLength, time.Now())
	return t.jar.QueueLength(ctx)
}

func (t *timedJar) AddListener(fn func(identifier string)) {
	t.jar.AddListener(fn)
}
