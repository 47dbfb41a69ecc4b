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

package retriever

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

type sourceAnswer struct {
	updates types.UpdateCollection
	err     error
}

// scriptedSource pops one answer per call and records the since argument.
// Once the script runs out it answers with empty collections.
type scriptedSource struct {
	mu      sync.Mutex
	answers []sourceAnswer
	calls   []time.Time
}

func (s *scriptedSource) AllSince(_ context.Context, since time.Time) (types.UpdateCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, since)
	if len(s.answers) == 0 {
		return nil, nil
	}

	next := s.answers[0]
	s.answers = s.answers[1:]
	return next.updates, next.err
}

func (s *scriptedSource) sinceArgs() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

type captureLogStore struct {
	mu      sync.Mutex
	entries []RetrievalLog
}

func (c *captureLogStore) Add(_ context.Context, entry RetrievalLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureLogStore) Latest(context.Context) (*RetrievalLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil, nil
	}
	entry := c.entries[len(c.entries)-1]
	return &entry, nil
}

func (c *captureLogStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *captureLogStore) all() []RetrievalLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RetrievalLog(nil), c.entries...)
}

func (c *captureLogStore) lastEntry() RetrievalLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

type captureListener struct {
	mu      sync.Mutex
	batches []types.UpdateCollection
}

func (c *captureListener) hear(updates types.UpdateCollection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, updates)
}

func (c *captureListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureListener) last() types.UpdateCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func startedManager(t *testing.T, source UpdateSource, logStore LogStore, period time.Duration, since time.Time) *PeriodicManager {
	t.Helper()

	manager := NewPeriodicManager(source, logStore, period, logr.Discard())
	require.NoError(t, manager.Start(context.Background(), since))
	t.Cleanup(manager.Stop)
	return manager
}

func TestPeriodicManager_FirstCycleRunsImmediately(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := since.Add(time.Minute)
	source := &scriptedSource{answers: []sourceAnswer{
		{updates: types.UpdateCollection{
			types.NewUpdate("/data/a", updated, types.Metadata{"size": 12.0}),
		}},
	}}
	logStore := &captureLogStore{}
	heard := &captureListener{}

	manager := NewPeriodicManager(source, logStore, time.Hour, logr.Discard())
	manager.AddListener(heard.hear)
	require.NoError(t, manager.Start(context.Background(), since))
	t.Cleanup(manager.Stop)

	require.Eventually(t, func() bool { return logStore.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Listeners fire before the cycle is logged, so the batch must
	// already be here.
	require.Equal(t, 1, heard.count())
	assert.Equal(t, "/data/a", heard.last()[0].Target)
	assert.Equal(t, updated, manager.Watermark())

	entry := logStore.lastEntry()
	assert.Equal(t, since, entry.RetrievedSince)
	assert.Equal(t, 1, entry.Count)
	assert.False(t, entry.StartedAt.IsZero())
}

func TestPeriodicManager_WatermarkFeedsNextCycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := start.Add(time.Minute)
	second := start.Add(2 * time.Minute)
	source := &scriptedSource{answers: []sourceAnswer{
		{updates: types.UpdateCollection{types.NewUpdate("/data/a", first, nil)}},
		{updates: types.UpdateCollection{types.NewUpdate("/data/b", second, nil)}},
	}}
	logStore := &captureLogStore{}

	startedManager(t, source, logStore, 20*time.Millisecond, start)

	require.Eventually(t, func() bool { return len(source.sinceArgs()) >= 3 },
		2*time.Second, 5*time.Millisecond)

	calls := source.sinceArgs()
	assert.Equal(t, start, calls[0])
	assert.Equal(t, first, calls[1])
	assert.Equal(t, second, calls[2])
}

func TestPeriodicManager_SourceErrorKeepsWatermark(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := start.Add(time.Minute)
	source := &scriptedSource{answers: []sourceAnswer{
		{err: errors.New("storage unreachable")},
		{updates: types.UpdateCollection{types.NewUpdate("/data/a", updated, nil)}},
	}}
	logStore := &captureLogStore{}
	heard := &captureListener{}

	manager := NewPeriodicManager(source, logStore, 20*time.Millisecond, logr.Discard())
	manager.AddListener(heard.hear)
	require.NoError(t, manager.Start(context.Background(), start))
	t.Cleanup(manager.Stop)

	// The failed cycle is still logged, with nothing broadcast.
	require.Eventually(t, func() bool { return logStore.count() >= 1 },
		2*time.Second, 5*time.Millisecond)
	failed := logStore.all()[0]
	assert.Equal(t, 0, failed.Count)
	assert.Equal(t, start, failed.RetrievedSince)

	// The next scheduled cycle proceeds and retries the same window.
	require.Eventually(t, func() bool { return heard.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, updated, manager.Watermark())

	calls := source.sinceArgs()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, start, calls[0])
	assert.Equal(t, start, calls[1])
}

func TestPeriodicManager_EmptyCycleDoesNotBroadcast(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	source := &scriptedSource{}
	logStore := &captureLogStore{}
	heard := &captureListener{}

	manager := NewPeriodicManager(source, logStore, 20*time.Millisecond, logr.Discard())
	manager.AddListener(heard.hear)
	require.NoError(t, manager.Start(context.Background(), start))
	t.Cleanup(manager.Stop)

	require.Eventually(t, func() bool { return logStore.count() >= 2 },
		2*time.Second, 5*time.Millisecond)

	assert.Zero(t, heard.count())
	assert.Equal(t, start, manager.Watermark())
	for _, entry := range logStore.all() {
		assert.Equal(t, 0, entry.Count)
		assert.Equal(t, start, entry.RetrievedSince)
	}
}

func TestPeriodicManager_MergesSameTargetWithinBatch(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older := start.Add(time.Minute)
	newer := start.Add(2 * time.Minute)
	source := &scriptedSource{answers: []sourceAnswer{
		{updates: types.UpdateCollection{
			types.NewUpdate("/data/a", older, types.Metadata{
				"modified_metadata_attributes": mapset.NewThreadUnsafeSet("study"),
			}),
			types.NewUpdate("/data/a", newer, types.Metadata{
				"modified_metadata_attributes": mapset.NewThreadUnsafeSet("sample"),
			}),
		}},
	}}
	logStore := &captureLogStore{}
	heard := &captureListener{}

	manager := NewPeriodicManager(source, logStore, time.Hour, logr.Discard())
	manager.AddListener(heard.hear)
	require.NoError(t, manager.Start(context.Background(), start))
	t.Cleanup(manager.Stop)

	require.Eventually(t, func() bool { return heard.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	batch := heard.last()
	require.Len(t, batch, 1)
	assert.Equal(t, newer, batch[0].Timestamp)

	attributes, ok := batch[0].Metadata.GetSet("modified_metadata_attributes")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"study", "sample"}, attributes.ToSlice())

	assert.Equal(t, 1, logStore.lastEntry().Count)
	assert.Equal(t, newer, manager.Watermark())
}

func TestPeriodicManager_StopHaltsSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	source := &scriptedSource{}
	logStore := &captureLogStore{}

	manager := NewPeriodicManager(source, logStore, 20*time.Millisecond, logr.Discard())
	require.NoError(t, manager.Start(context.Background(), start))

	require.Eventually(t, func() bool { return logStore.count() >= 2 },
		2*time.Second, 5*time.Millisecond)
	manager.Stop()

	settled := logStore.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, logStore.count())
}

func TestPeriodicManager_StartTwiceFails(t *testing.T) {
	manager := NewPeriodicManager(&scriptedSource{}, &captureLogStore{}, time.Hour, logr.Discard())
	require.NoError(t, manager.Start(context.Background(), time.Time{}))
	t.Cleanup(manager.Stop)

	assert.Error(t, manager.Start(context.Background(), time.Time{}))
}

func TestCombinedSource_MergesAcrossSources(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := since.Add(time.Minute)

	dataChanges := SourceFunc(func(_ context.Context, _ time.Time) (types.UpdateCollection, error) {
		return types.UpdateCollection{
			types.NewUpdate("/data/a", updated, types.Metadata{
				"modified_replicas": mapset.NewThreadUnsafeSet("1"),
			}),
		}, nil
	})
	metadataChanges := SourceFunc(func(_ context.Context, _ time.Time) (types.UpdateCollection, error) {
		return types.UpdateCollection{
			types.NewUpdate("/data/a", updated, types.Metadata{
				"modified_replicas": mapset.NewThreadUnsafeSet("2"),
			}),
		}, nil
	})

	combined := NewCombinedSource(logr.Discard(), dataChanges, metadataChanges)
	updates, err := combined.AllSince(context.Background(), since)
	require.NoError(t, err)

	require.Len(t, updates, 1)
	replicas, ok := updates[0].Metadata.GetSet("modified_replicas")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"1", "2"}, replicas.ToSlice())
}

func TestCombinedSource_FailureCancelsSiblings(t *testing.T) {
	blocked := SourceFunc(func(ctx context.Context, _ time.Time) (types.UpdateCollection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	failing := SourceFunc(func(_ context.Context, _ time.Time) (types.UpdateCollection, error) {
		return nil, errors.New("query rejected")
	})

	combined := NewCombinedSource(logr.Discard(), blocked, failing)

	started := time.Now()
	updates, err := combined.AllSince(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query rejected")
	assert.Nil(t, updates)
	assert.Less(t, time.Since(started), 2*time.Second)
}
