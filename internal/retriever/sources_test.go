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
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

func TestRegisterSource_OpenBuildsAdapter(t *testing.T) {
	var gotOptions map[string]string

	RegisterSource("open-test", func(_ context.Context, options map[string]string,
		_ logr.Logger,
	) (UpdateSource, error) {
		gotOptions = options

		return SourceFunc(func(context.Context, time.Time) (types.UpdateCollection, error) {
			return types.UpdateCollection{
				types.NewUpdate("/seq/1.cram", time.Now(), types.Metadata{"state": "seen"}),
			}, nil
		}), nil
	})

	source, err := OpenSource(context.Background(), "open-test",
		map[string]string{"zone": "seq"}, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zone": "seq"}, gotOptions)

	updates, err := source.AllSince(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "/seq/1.cram", updates[0].Target)
}

func TestRegisterSource_DuplicatePanics(t *testing.T) {
	factory := func(context.Context, map[string]string, logr.Logger) (UpdateSource, error) {
		return nil, nil
	}

	RegisterSource("dup-test", factory)

	assert.Panics(t, func() { RegisterSource("dup-test", factory) })
}

func TestRegisterSource_NilFactoryPanics(t *testing.T) {
	assert.Panics(t, func() { RegisterSource("nil-test", nil) })
}

func TestOpenSource_UnknownName(t *testing.T) {
	_, err := OpenSource(context.Background(), "no-such-adapter", nil, logr.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-adapter")
}

func TestSourceNames_Sorted(t *testing.T) {
	factory := func(context.Context, map[string]string, logr.Logger) (UpdateSource, error) {
		return nil, nil
	}

	RegisterSource("names-test-b", factory)
	RegisterSource("names-test-a", factory)

	names := SourceNames()
	assert.True(t, sort.StringsAreSorted(names))
	assert.Subset(t, names, []string{"names-test-a", "names-test-b"})
}
