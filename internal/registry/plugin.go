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
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/robertkrimen/otto"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// Context is the read-only bag of core references exposed to plug-ins.
// Inside the interpreter it surfaces as the global functions queueLength()
// and fetchCookie(identifier); a nil field leaves the corresponding global
// undefined.
type Context struct {
	// QueueLength reports how many cookies are ready for processing.
	QueueLength func(ctx context.Context) (int, error)

	// FetchCookie reads a cookie's full enrichment history. Returns nil
	// for an unknown identifier.
	FetchCookie func(ctx context.Context, identifier string) (*types.Cookie, error)
}

// pluginVM owns one interpreter, holding every object a single plug-in
// file registered. otto is not safe for concurrent use, so all calls into
// the file's functions serialise on the lock.
type pluginVM struct {
	mu  sync.Mutex
	vm  *otto.Otto
	log logr.Logger
}

func newPluginVM(pluginCtx *Context, log logr.Logger) *pluginVM {
	p := &pluginVM{
		vm:  otto.New(),
		log: log,
	}
	p.injectContext(pluginCtx)
	return p
}

// injectContext installs the host functions plug-ins may call. They are
// available both while the file evaluates and later, inside the file's
// registered functions.
func (p *pluginVM) injectContext(pluginCtx *Context) {
	if pluginCtx == nil {
		return
	}

	if pluginCtx.QueueLength != nil {
		p.vm.Set("queueLength", func(otto.FunctionCall) otto.Value {
			length, err := pluginCtx.QueueLength(context.Background())
			if err != nil {
				p.log.Error(err, "plug-in queueLength call failed")
				return otto.NullValue()
			}
			return p.toValue(length)
		})
	}

	if pluginCtx.FetchCookie != nil {
		p.vm.Set("fetchCookie", func(call otto.FunctionCall) otto.Value {
			identifier := call.Argument(0).String()
			cookie, err := pluginCtx.FetchCookie(context.Background(), identifier)
			if err != nil {
				p.log.Error(err, "plug-in fetchCookie call failed", "identifier", identifier)
				return otto.NullValue()
			}
			if cookie == nil {
				return otto.NullValue()
			}
			return p.toValue(cookieToJS(cookie))
		})
	}
}

func (p *pluginVM) toValue(v any) otto.Value {
	value, err := p.vm.ToValue(v)
	if err != nil {
		return otto.NullValue()
	}
	return value
}

// evaluate runs the plug-in file and collects everything it passed to
// register(). The interpreter keeps the registered objects alive; their
// functions are called later through this pluginVM.
func (p *pluginVM) evaluate(path string) ([]*otto.Object, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plug-in %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var registered []*otto.Object
	p.vm.Set("register", func(call otto.FunctionCall) otto.Value {
		if obj := call.Argument(0).Object(); obj != nil {
			registered = append(registered, obj)
		}
		return otto.UndefinedValue()
	})

	if _, err := p.vm.Run(source); err != nil {
		return nil, fmt.Errorf("evaluating plug-in %s: %w", path, err)
	}
	return registered, nil
}

// call invokes a method on a registered object. Panics from the
// interpreter surface as errors so a broken plug-in cannot take a worker
// down with it.
func (p *pluginVM) call(obj *otto.Object, method string, args ...any) (value otto.Value, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if caught := recover(); caught != nil {
			err = fmt.Errorf("plug-in %s panicked: %v", method, caught)
		}
	}()

	value, err = obj.Call(method, args...)
	if err != nil {
		return otto.Value{}, fmt.Errorf("plug-in %s: %w", method, err)
	}
	return value, nil
}
