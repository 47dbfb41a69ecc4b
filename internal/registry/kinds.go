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

	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// Rule decides whether a cookie is interesting and what to do about it.
// Both methods receive a private copy of the cookie and may not assume it
// outlives the call.
type Rule interface {
	Registrable

	// Matches reports whether the rule applies to the cookie.
	Matches(ctx context.Context, cookie *types.Cookie) (bool, error)

	// Action returns what to do for a cookie the rule matched.
	Action(ctx context.Context, cookie *types.Cookie) (*types.RuleAction, error)
}

// EnrichmentLoader fetches additional information about a cookie from an
// external system. Loaders are consulted in priority order; the first that
// can enrich wins the dispatch.
type EnrichmentLoader interface {
	Registrable

	// CanEnrich reports whether the loader has anything to add.
	CanEnrich(ctx context.Context, cookie *types.Cookie) (bool, error)

	// LoadEnrichment fetches the addition. Only called after CanEnrich
	// returned true.
	LoadEnrichment(ctx context.Context, cookie *types.Cookie) (*types.Enrichment, error)
}

// Receiver delivers notifications to an external consumer. Delivery is
// best-effort; an error is logged by the caller and otherwise ignored.
type Receiver interface {
	Registrable

	// Receive handles one notification.
	Receive(ctx context.Context, notification types.Notification) error
}

type funcRule struct {
	id       string
	priority int
	matches  func(ctx context.Context, cookie *types.Cookie) (bool, error)
	action   func(ctx context.Context, cookie *types.Cookie) (*types.RuleAction, error)
}

// NewRule builds a Rule from plain functions.
func NewRule(
	id string,
	priority int,
	matches func(ctx context.Context, cookie *types.Cookie) (bool, error),
	action func(ctx context.Context, cookie *types.Cookie) (*types.RuleAction, error),
) Rule {
	return &funcRule{id: id, priority: priority, matches: matches, action: action}
}

func (r *funcRule) ID() string    { return r.id }
func (r *funcRule) Priority() int { return r.priority }

func (r *funcRule) Matches(ctx context.Context, cookie *types.Cookie) (bool, error) {
	return r.matches(ctx, cookie)
}

func (r *funcRule) Action(ctx context.Context, cookie *types.Cookie) (*types.RuleAction, error) {
	return r.action(ctx, cookie)
}

type funcLoader struct {
	id        string
	priority  int
	canEnrich func(ctx context.Context, cookie *types.Cookie) (bool, error)
	load      func(ctx context.Context, cookie *types.Cookie) (*types.Enrichment, error)
}

// NewEnrichmentLoader builds an EnrichmentLoader from plain functions.
func NewEnrichmentLoader(
	id string,
	priority int,
	canEnrich func(ctx context.Context, cookie *types.Cookie) (bool, error),
	load func(ctx context.Context, cookie *types.Cookie) (*types.Enrichment, error),
) EnrichmentLoader {
	return &funcLoader{id: id, priority: priority, canEnrich: canEnrich, load: load}
}

func (l *funcLoader) ID() string    { return l.id }
func (l *funcLoader) Priority() int { return l.priority }

func (l *funcLoader) CanEnrich(ctx context.Context, cookie *types.Cookie) (bool, error) {
	return l.canEnrich(ctx, cookie)
}

func (l *funcLoader) LoadEnrichment(ctx context.Context, cookie *types.Cookie) (*types.Enrichment, error) {
	return l.load(ctx, cookie)
}

type funcReceiver struct {
	id       string
	priority int
	receive  func(ctx context.Context, notification types.Notification) error
}

// NewReceiver builds a Receiver from a plain function.
func NewReceiver(id string, receive func(ctx context.Context, notification types.Notification) error) Receiver {
	return &funcReceiver{id: id, receive: receive}
}

func (r *funcReceiver) ID() string    { return r.id }
func (r *funcReceiver) Priority() int { return r.priority }

func (r *funcReceiver) Receive(ctx context.Context, notification types.Notification) error {
	return r.receive(ctx, notification)
}
