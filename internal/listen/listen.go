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

// Package listen provides a minimal broadcast helper shared by components
// that announce state changes to registered observers.
package listen

import "sync"

// Listenable fans one value out to every registered listener. Listeners
// are called synchronously on the broadcasting goroutine, in registration
// order, outside the internal lock, so a listener may re-enter the
// broadcaster.
type Listenable[T any] struct {
	mu        sync.RWMutex
	listeners []func(T)
}

// AddListener registers fn for all future broadcasts.
func (l *Listenable[T]) AddListener(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.listeners = append(l.listeners, fn)
}

// Notify delivers v to every listener registered at call time.
func (l *Listenable[T]) Notify(v T) {
	l.mu.RLock()
	snapshot := make([]func(T), len(l.listeners))
	copy(snapshot, l.listeners)
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len reports how many listeners are registered.
func (l *Listenable[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.listeners)
}
