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

package document

import "sync"

// LockPool hands out one mutex per name on demand and reclaims it once no
// goroutine holds or awaits it, so the pool stays proportional to the set
// of keys currently being written rather than every key ever seen.
type LockPool struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockPool returns an empty pool.
func NewLockPool() *LockPool {
	return &LockPool{locks: make(map[string]*refLock)}
}

// Lock acquires the named mutex, creating it on first use.
func (p *LockPool) Lock(name string) {
	p.mu.Lock()

	l, ok := p.locks[name]
	if !ok {
		l = &refLock{}
		p.locks[name] = l
	}

	l.refs++

	p.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the named mutex and discards it when this was the last
// reference. Unlocking a name that was never locked panics, matching the
// contract of sync.Mutex.
func (p *LockPool) Unlock(name string) {
	p.mu.Lock()

	l, ok := p.locks[name]
	if !ok {
		p.mu.Unlock()
		panic("document: unlock of unheld lock " + name)
	}

	l.refs--
	if l.refs == 0 {
		delete(p.locks, name)
	}

	p.mu.Unlock()

	l.mu.Unlock()
}

// Len reports how many named locks are currently live.
func (p *LockPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.locks)
}
