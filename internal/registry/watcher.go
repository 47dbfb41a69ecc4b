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

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
)

// Default plug-in file patterns, one per registrable kind.
const (
	DefaultRulePattern     = `\.rule\.js$`
	DefaultLoaderPattern   = `\.loader\.js$`
	DefaultReceiverPattern = `\.receiver\.js$`
)

// DefaultDebounce is how long a watcher waits after the last write event
// before loading a file. Editors and copies produce bursts of writes; the
// file is only worth evaluating once it has gone quiet.
const DefaultDebounce = 100 * time.Millisecond

// loadLocks serialises plug-in loads per registrable kind, however many
// watchers exist for that kind.
var loadLocks sync.Map

func loadLockFor(kind string) *sync.Mutex {
	lock, _ := loadLocks.LoadOrStore(kind, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// DirectoryWatcher feeds one registry from a directory of plug-in files.
// Files whose names match the pattern are loaded on startup and reloaded
// whenever they change; deleting a file withdraws its objects.
type DirectoryWatcher[T Registrable] struct {
	dir      string
	pattern  *regexp.Regexp
	registry *Registry[T]
	parse    func(path string) ([]T, error)
	loadLock *sync.Mutex
	log      logr.Logger
	debounce time.Duration

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewRuleWatcher watches dir for rule plug-ins. An empty pattern means
// DefaultRulePattern.
func NewRuleWatcher(dir, pattern string, reg *Registry[Rule], pluginCtx *Context, log logr.Logger) (*DirectoryWatcher[Rule], error) {
	if pattern == "" {
		pattern = DefaultRulePattern
	}
	return newDirectoryWatcher(dir, pattern, reg, loadLockFor("rules"), log,
		func(path string) ([]Rule, error) { return loadRules(path, pluginCtx, log) })
}

// NewLoaderWatcher watches dir for enrichment loader plug-ins. An empty
// pattern means DefaultLoaderPattern.
func NewLoaderWatcher(dir, pattern string, reg *Registry[EnrichmentLoader], pluginCtx *Context, log logr.Logger) (*DirectoryWatcher[EnrichmentLoader], error) {
	if pattern == "" {
		pattern = DefaultLoaderPattern
	}
	return newDirectoryWatcher(dir, pattern, reg, loadLockFor("loaders"), log,
		func(path string) ([]EnrichmentLoader, error) { return loadEnrichmentLoaders(path, pluginCtx, log) })
}

// NewReceiverWatcher watches dir for receiver plug-ins. An empty pattern
// means DefaultReceiverPattern.
func NewReceiverWatcher(dir, pattern string, reg *Registry[Receiver], pluginCtx *Context, log logr.Logger) (*DirectoryWatcher[Receiver], error) {
	if pattern == "" {
		pattern = DefaultReceiverPattern
	}
	return newDirectoryWatcher(dir, pattern, reg, loadLockFor("receivers"), log,
		func(path string) ([]Receiver, error) { return loadReceivers(path, pluginCtx, log) })
}

func newDirectoryWatcher[T Registrable](
	dir, pattern string,
	reg *Registry[T],
	loadLock *sync.Mutex,
	log logr.Logger,
	parse func(path string) ([]T, error),
) (*DirectoryWatcher[T], error) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling plug-in pattern %q: %w", pattern, err)
	}

	return &DirectoryWatcher[T]{
		dir:      dir,
		pattern:  compiled,
		registry: reg,
		parse:    parse,
		loadLock: loadLock,
		log:      log,
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start loads every matching file already in the directory, then watches
// for changes until Stop.
func (w *DirectoryWatcher[T]) Start(parentCtx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancelFunc = cancel
	w.started = true
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return fmt.Errorf("creating plug-in watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		cancel()
		return fmt.Errorf("watching plug-in directory %s: %w", w.dir, err)
	}

	// The sweep happens after the watch is in place so files arriving
	// meanwhile are not missed; their events queue until the loop runs.
	if err := w.sweep(); err != nil {
		watcher.Close()
		cancel()
		return err
	}

	w.log.Info("watching plug-in directory", "dir", w.dir, "pattern", w.pattern.String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, watcher)
	}()

	return nil
}

// Stop ends the watch. Pending debounced loads are dropped.
func (w *DirectoryWatcher[T]) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	cancel := w.cancelFunc
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// sweep loads the matching files already present.
func (w *DirectoryWatcher[T]) sweep() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading plug-in directory %s: %w", w.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !w.pattern.MatchString(entry.Name()) {
			continue
		}
		w.load(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *DirectoryWatcher[T]) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "plug-in watcher error", "dir", w.dir)
		}
	}
}

func (w *DirectoryWatcher[T]) handleEvent(event fsnotify.Event) {
	if !w.pattern.MatchString(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.cancelTimer(event.Name)
		w.registry.Remove(event.Name)
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		w.scheduleLoad(event.Name)
	}
}

// scheduleLoad arms, or re-arms, the debounce timer for one file.
func (w *DirectoryWatcher[T]) scheduleLoad(path string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()
		w.load(path)
	})
}

func (w *DirectoryWatcher[T]) cancelTimer(path string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *DirectoryWatcher[T]) cancelTimers() {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

// load evaluates one plug-in file and republishes its objects. A load
// error keeps the file's previous contribution in place.
func (w *DirectoryWatcher[T]) load(path string) {
	w.loadLock.Lock()
	defer w.loadLock.Unlock()

	objects, err := w.parse(path)
	if err != nil {
		w.log.Error(err, "skipping unloadable plug-in", "path", path)

		if metrics.PluginLoadFailuresTotal != nil {
			metrics.PluginLoadFailuresTotal.Add(context.Background(), 1)
		}

		return
	}
	if len(objects) == 0 {
		w.log.Info("plug-in registered nothing", "path", path)
	}
	w.registry.Replace(path, objects)

	if metrics.PluginLoadsTotal != nil {
		metrics.PluginLoadsTotal.Add(context.Background(), 1)
	}
}
