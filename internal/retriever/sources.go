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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// SourceFactory builds an UpdateSource from the options given in
// configuration. Factories are registered once at start-up, so the set
// of adapters a deployment can use is fixed at compile time.
type SourceFactory func(ctx context.Context, options map[string]string, log logr.Logger) (UpdateSource, error)

var (
	sourcesMu sync.RWMutex
	sources   = make(map[string]SourceFactory)
)

// RegisterSource makes an update source adapter available by name,
// typically from an adapter package's init function. It panics when
// factory is nil or the name is already taken.
func RegisterSource(name string, factory SourceFactory) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()

	if factory == nil {
		panic("retriever: RegisterSource with nil factory")
	}

	if _, taken := sources[name]; taken {
		panic("retriever: RegisterSource called twice for " + name)
	}

	sources[name] = factory
}

// OpenSource builds the named update source with the given options.
func OpenSource(ctx context.Context, name string, options map[string]string, log logr.Logger) (UpdateSource, error) {
	sourcesMu.RLock()
	factory, known := sources[name]
	sourcesMu.RUnlock()

	if !known {
		return nil, fmt.Errorf("unknown update source %q (registered: %s)",
			name, strings.Join(SourceNames(), ", "))
	}

	return factory(ctx, options, log.WithName(name))
}

// SourceNames lists the registered adapters in lexical order.
func SourceNames() []string {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
