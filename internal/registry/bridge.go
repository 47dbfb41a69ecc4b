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
	"path/filepath"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"
	"github.com/robertkrimen/otto"

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// loadRules evaluates a rule plug-in file. Each registered object needs
// match and action functions; id and priority fields are optional.
func loadRules(path string, pluginCtx *Context, log logr.Logger) ([]Rule, error) {
	vm := newPluginVM(pluginCtx, log)
	objects, err := vm.evaluate(path)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(objects))
	for i, obj := range objects {
		if err := requireFunction(obj, "match", path); err != nil {
			return nil, err
		}
		if err := requireFunction(obj, "action", path); err != nil {
			return nil, err
		}
		id, priority := pluginHeader(obj, path, i)
		rules = append(rules, &jsRule{id: id, priority: priority, vm: vm, obj: obj})
	}
	return rules, nil
}

// loadEnrichmentLoaders evaluates a loader plug-in file. Each registered
// object needs canEnrich and load functions.
func loadEnrichmentLoaders(path string, pluginCtx *Context, log logr.Logger) ([]EnrichmentLoader, error) {
	vm := newPluginVM(pluginCtx, log)
	objects, err := vm.evaluate(path)
	if err != nil {
		return nil, err
	}

	loaders := make([]EnrichmentLoader, 0, len(objects))
	for i, obj := range objects {
		if err := requireFunction(obj, "canEnrich", path); err != nil {
			return nil, err
		}
		if err := requireFunction(obj, "load", path); err != nil {
			return nil, err
		}
		id, priority := pluginHeader(obj, path, i)
		loaders = append(loaders, &jsLoader{id: id, priority: priority, vm: vm, obj: obj})
	}
	return loaders, nil
}

// loadReceivers evaluates a receiver plug-in file. Each registered object
// needs a receive function.
func loadReceivers(path string, pluginCtx *Context, log logr.Logger) ([]Receiver, error) {
	vm := newPluginVM(pluginCtx, log)
	objects, err := vm.evaluate(path)
	if err != nil {
		return nil, err
	}

	receivers := make([]Receiver, 0, len(objects))
	for i, obj := range objects {
		if err := requireFunction(obj, "receive", path); err != nil {
			return nil, err
		}
		id, priority := pluginHeader(obj, path, i)
		receivers = append(receivers, &jsReceiver{id: id, priority: priority, vm: vm, obj: obj})
	}
	return receivers, nil
}

func requireFunction(obj *otto.Object, name, path string) error {
	value, err := obj.Get(name)
	if err != nil || !value.IsFunction() {
		return fmt.Errorf("plug-in object in %s needs a %s function", path, name)
	}
	return nil
}

// pluginHeader reads the optional id and priority fields of a registered
// object. Objects without an id get a stable one derived from their file
// and position, so reloading keeps snapshot ordering deterministic.
func pluginHeader(obj *otto.Object, path string, index int) (string, int) {
	id := fmt.Sprintf("%s#%d", filepath.Base(path), index)
	if value, err := obj.Get("id"); err == nil && value.IsString() {
		id = value.String()
	}

	priority := 0
	if value, err := obj.Get("priority"); err == nil && value.IsNumber() {
		if n, err := value.ToInteger(); err == nil {
			priority = int(n)
		}
	}
	return id, priority
}

type jsRule struct {
	id       string
	priority int
	vm       *pluginVM
	obj      *otto.Object
}

func (r *jsRule) ID() string    { return r.id }
func (r *jsRule) Priority() int { return r.priority }

func (r *jsRule) Matches(_ context.Context, cookie *types.Cookie) (bool, error) {
	value, err := r.vm.call(r.obj, "match", cookieToJS(cookie))
	if err != nil {
		return false, err
	}
	return value.ToBoolean()
}

func (r *jsRule) Action(_ context.Context, cookie *types.Cookie) (*types.RuleAction, error) {
	value, err := r.vm.call(r.obj, "action", cookieToJS(cookie))
	if err != nil {
		return nil, err
	}
	return actionFromJS(value)
}

type jsLoader struct {
	id       string
	priority int
	vm       *pluginVM
	obj      *otto.Object
}

func (l *jsLoader) ID() string    { return l.id }
func (l *jsLoader) Priority() int { return l.priority }

func (l *jsLoader) CanEnrich(_ context.Context, cookie *types.Cookie) (bool, error) {
	value, err := l.vm.call(l.obj, "canEnrich", cookieToJS(cookie))
	if err != nil {
		return false, err
	}
	return value.ToBoolean()
}

func (l *jsLoader) LoadEnrichment(_ context.Context, cookie *types.Cookie) (*types.Enrichment, error) {
	value, err := l.vm.call(l.obj, "load", cookieToJS(cookie))
	if err != nil {
		return nil, err
	}
	return enrichmentFromJS(value)
}

type jsReceiver struct {
	id       string
	priority int
	vm       *pluginVM
	obj      *otto.Object
}

func (r *jsReceiver) ID() string    { return r.id }
func (r *jsReceiver) Priority() int { return r.priority }

func (r *jsReceiver) Receive(_ context.Context, notification types.Notification) error {
	_, err := r.vm.call(r.obj, "receive", notificationToJS(notification))
	return err
}

// cookieToJS renders a cookie as plain maps and slices the interpreter can
// take. Set-valued metadata becomes a sorted array.
func cookieToJS(cookie *types.Cookie) map[string]any {
	enrichments := make([]map[string]any, len(cookie.Enrichments))
	for i, enrichment := range cookie.Enrichments {
		enrichments[i] = map[string]any{
			"source":    enrichment.Source,
			"timestamp": enrichment.Timestamp.UTC().Format(time.RFC3339Nano),
			"metadata":  metadataToJS(enrichment.Metadata),
		}
	}

	return map[string]any{
		"identifier":  cookie.Identifier,
		"enrichments": enrichments,
	}
}

func metadataToJS(metadata types.Metadata) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if set, ok := value.(mapset.Set[string]); ok {
			elements := set.ToSlice()
			sort.Strings(elements)
			out[key] = elements
			continue
		}
		out[key] = value
	}
	return out
}

func notificationToJS(notification types.Notification) map[string]any {
	fields := map[string]any{
		"about":  notification.About,
		"sender": notification.Sender,
	}
	if notification.Data != nil {
		fields["data"] = notification.Data
	}
	return fields
}

func actionFromJS(value otto.Value) (*types.RuleAction, error) {
	exported, err := value.Export()
	if err != nil {
		return nil, fmt.Errorf("exporting rule action: %w", err)
	}
	raw, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rule action must be an object, got %T", exported)
	}

	action := &types.RuleAction{}
	if terminate, ok := raw["terminate"].(bool); ok {
		action.Terminate = terminate
	}

	notifications, err := notificationsFromJS(raw["notifications"])
	if err != nil {
		return nil, err
	}
	action.Notifications = notifications
	return action, nil
}

func notificationsFromJS(raw any) ([]types.Notification, error) {
	var elements []any
	switch list := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		elements = list
	case []map[string]any:
		// The interpreter exports an array of objects in this shape.
		for _, fields := range list {
			elements = append(elements, fields)
		}
	default:
		return nil, fmt.Errorf("notifications must be an array, got %T", raw)
	}

	notifications := make([]types.Notification, 0, len(elements))
	for _, element := range elements {
		fields, ok := element.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("notification must be an object, got %T", element)
		}

		notification := types.Notification{}
		if about, ok := fields["about"].(string); ok {
			notification.About = about
		}
		if sender, ok := fields["sender"].(string); ok {
			notification.Sender = sender
		}
		notification.Data = normaliseExport(fields["data"])
		notifications = append(notifications, notification)
	}
	return notifications, nil
}

func enrichmentFromJS(value otto.Value) (*types.Enrichment, error) {
	exported, err := value.Export()
	if err != nil {
		return nil, fmt.Errorf("exporting enrichment: %w", err)
	}
	raw, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("enrichment must be an object, got %T", exported)
	}

	source, ok := raw["source"].(string)
	if !ok || source == "" {
		return nil, errors.New("enrichment needs a source")
	}

	enrichment := &types.Enrichment{
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	if stamp, ok := raw["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("parsing enrichment timestamp: %w", err)
		}
		enrichment.Timestamp = parsed.UTC()
	}

	metadata, err := metadataFromJS(raw["metadata"])
	if err != nil {
		return nil, err
	}
	enrichment.Metadata = metadata
	return enrichment, nil
}

func metadataFromJS(raw any) (types.Metadata, error) {
	if raw == nil {
		return types.Metadata{}, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("enrichment metadata must be an object, got %T", raw)
	}

	metadata := make(types.Metadata, len(fields))
	for key, value := range fields {
		metadata[key] = normaliseExport(value)
	}
	return metadata, nil
}

// normaliseExport lines interpreter exports up with the shapes the rest of
// the system stores: integral numbers arrive as int64 but metadata holds
// float64 everywhere else, and nested arrays and objects need the same
// treatment element-wise.
func normaliseExport(value any) any {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = normaliseExport(element)
		}
		return out
	case []string:
		// Homogeneous arrays export as typed slices; widen them back to
		// the shapes JSON round-trips produce.
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = element
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = element
		}
		return out
	case []int64:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = float64(element)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, element := range v {
			out[i] = normaliseExport(element)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, element := range v {
			out[key] = normaliseExport(element)
		}
		return out
	default:
		return v
	}
}
