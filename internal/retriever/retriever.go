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
Package retriever polls an external storage system for file updates. A
PeriodicManager drives an UpdateSource on a fixed, anchored schedule, keeps
a watermark so no update is fetched twice, merges same-target updates and
hands the batch to listeners. Every cycle, successful or not, is appended
to a retrieval log.
*/
package retriever

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// UpdateSource yields updates observed in an external storage system.
type UpdateSource interface {
	// AllSince returns every update with a timestamp strictly newer than
	// since. Order is not significant; the caller merges and sorts.
	AllSince(ctx context.Context, since time.Time) (types.UpdateCollection, error)
}

// SourceFunc adapts a plain function to the UpdateSource interface.
type SourceFunc func(ctx context.Context, since time.Time) (types.UpdateCollection, error)

// AllSince implements UpdateSource.
func (f SourceFunc) AllSince(ctx context.Context, since time.Time) (types.UpdateCollection, error) {
	return f(ctx, since)
}

// CombinedSource presents several sources as one. Storage systems often
// report changes through separate feeds, such as one query for data
// modifications and another for metadata modifications; combining them
// yields a single per-target view. Sources are queried concurrently and
// the first failure cancels the rest and fails the whole retrieval.
type CombinedSource struct {
	log     logr.Logger
	sources []UpdateSource
}

// NewCombinedSource combines the given sources into one.
func NewCombinedSource(log logr.Logger, sources ...UpdateSource) *CombinedSource {
	return &CombinedSource{log: log, sources: sources}
}

// AllSince queries every source for the same window and merges the answers
// per target.
func (s *CombinedSource) AllSince(ctx context.Context, since time.Time) (types.UpdateCollection, error) {
	results := make([]types.UpdateCollection, len(s.sources))

	group, ctx := errgroup.WithContext(ctx)
	for i, source := range s.sources {
		group.Go(func() error {
			started := time.Now()
			updates, err := source.AllSince(ctx, since)
			if err != nil {
				return err
			}
			s.log.V(1).Info("source answered",
				"source", i, "count", len(updates), "duration", time.Since(started))
			results[i] = updates
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var combined types.UpdateCollection
	for _, updates := range results {
		combined = append(combined, updates...)
	}
	return combined.Merge(), nil
}
