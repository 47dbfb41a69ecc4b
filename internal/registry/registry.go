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
Package registry holds the pluggable behaviour of the pipeline: rules that
decide what happens to a cookie, enrichment loaders that fetch more
information about one, and receivers that deliver notifications.

Each kind lives in its own Registry, fed by a DirectoryWatcher that loads
JavaScript plug-in files and republishes a file's objects whenever it
changes on disk. Consumers only ever see immutable snapshots, ordered by
descending priority.
*/
package registry

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Registrable is the part every registered object has in common.
type Registrable interface {
	// ID names the object. Snapshot ordering uses it to break priority
	// ties, so it should be stable across reloads.
	ID() string

	// Priority ranks the object within its registry. Higher runs first.
	Priority() int
}

// Registry is a priority-ordered collection of one registrable kind. Each
// object belongs to an origin, typically the plug-in file that registered
// it; republishing an origin atomically replaces everything it contributed
// before. Safe for concurrent use.
type Registry[T Registrable] struct {
	name string
	log  logr.Logger

	mu      sync.RWMutex
	origins map[string][]T
	ordered []T
}

// NewRegistry creates an empty registry. The name appears in logs only.
func NewRegistry[T Registrable](name string, log logr.Logger) *Registry[T] {
	return &Registry[T]{
		name:    name,
		log:     log,
		origins: make(map[string][]T),
	}
}

// Replace publishes objects as the complete contribution of origin,
// discarding whatever the origin registered before.
func (r *Registry[T]) Replace(origin string, objects []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(objects) == 0 {
		delete(r.origins, origin)
	} else {
		r.origins[origin] = objects
	}
	r.rebuild()

	r.log.Info("registry updated",
		"registry", r.name, "origin", origin, "registered", len(objects), "total", len(r.ordered))
}

// Remove withdraws an origin's contribution.
func (r *Registry[T]) Remove(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.origins[origin]; !ok {
		return
	}
	delete(r.origins, origin)
	r.rebuild()

	r.log.Info("registry origin removed", "registry", r.name, "origin", origin, "total", len(r.ordered))
}

// Snapshot returns the registered objects ordered by descending priority,
// equal priorities by ascending ID. The returned slice is the caller's to
// keep; later registry changes do not affect it.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]T, len(r.ordered))
	copy(snapshot, r.ordered)
	return snapshot
}

// Len returns the number of registered objects.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// rebuild recomputes the ordered view. Caller holds the write lock.
func (r *Registry[T]) rebuild() {
	ordered := make([]T, 0, len(r.ordered))
	for _, objects := range r.origins {
		ordered = append(ordered, objects...)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority() != ordered[j].Priority() {
			return ordered[i].Priority() > ordered[j].Priority()
		}
		return ordered[i].ID() < ordered[j].ID()
	})
	r.ordered = ordered
}
