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

	"golang.org/x/time/rate"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

type rateLimitedJar struct {
	jar     CookieJar
	limiter *rate.Limiter
}

// WithRateLimit wraps jar so at most perSecond operations per second are
// admitted across all methods, via a token bucket of capacity perSecond
// refilled one token per 1/perSecond seconds. Callers over the budget
// block until a token frees up or their context ends.
func WithRateLimit(jar CookieJar, perSecond float64) CookieJar {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}

	return &rateLimitedJar{
		jar:     jar,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *rateLimitedJar) Fetch(ctx context.Context, identifier string) (*types.Cookie, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.jar.Fetch(ctx, identifier)
}

func (r *rateLimitedJar) Delete(ctx context.Context, identifier string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.jar.Delete(ctx, identifier)
}

func (r *rateLimitedJar) Enrich(ctx context.Context, identifier string, enrichment types.Enrichment) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.jar.Enrich(ctx, identifier, enrichment)
}

func (r *rateLimitedJar) MarkFailed(ctx context.Context, identifier string, delay time.Duration) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.jar.MarkFailed(ctx, identifier, delay)
}

func (r *rateLimitedJar) MarkComplete(ctx context.Context, identifier string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.jar.MarkComplete(ctx, identifier)
}

func (r *rateLimitedJar) MarkForProcessing(ctx context.Context, identifier string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.jar.MarkForProcessing(ctx, identifier)
}

func (r *rateLimitedJar) NextForProcessing(ctx context.Context) (*types.Cookie, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.jar.NextForProcessing(ctx)
}

func (r *rateLimitedJar) QueueLength(ctx context.Context) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return r.jar.QueueLength(ctx)
}

func (r *rateLimitedJar) AddListener(fn func(identifier string)) {
	r.jar.AddListener(fn)
}
