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

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/wtsi-hgi/cookiemonster/internal/measure"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

// senderName identifies the pool in notifications it raises itself.
const senderName = "processor"

// work runs one claimed cookie to a settled outcome, then returns the
// worker to the idle set and triggers another dispatch pass.
func (p *Pool) work(ctx context.Context, cookie *types.Cookie) {
	defer p.wg.Done()
	defer func() {
		p.releaseWorker()
		p.measurements.Record(measure.Scalar(measurementProcessing, float64(p.Busy())))
		p.Prompt()
	}()

	p.measurements.Record(measure.Scalar(measurementProcessing, float64(p.Busy())))
	p.log.V(1).Info("processing cookie", "identifier", cookie.Identifier)

	startedAt := time.Now()

	if err := p.processCookie(ctx, cookie); err != nil {
		p.log.Error(err, "processing failed, returning cookie to the queue",
			"identifier", cookie.Identifier, "retryDelay", p.retryDelay)

		if failErr := p.jar.MarkFailed(ctx, cookie.Identifier, p.retryDelay); failErr != nil {
			p.log.Error(failErr, "marking cookie as failed", "identifier", cookie.Identifier)
		}

		if metrics.CookiesFailedTotal != nil {
			metrics.CookiesFailedTotal.Add(ctx, 1)
		}

		return
	}

	duration := time.Since(startedAt)
	p.measurements.Record(measure.Scalar(measurementTimeToProcess, duration.Seconds()))

	if metrics.CookiesProcessedTotal != nil {
		metrics.CookiesProcessedTotal.Add(ctx, 1)
		metrics.TimeToProcessSeconds.Record(ctx, duration.Seconds())
	}

	p.log.V(1).Info("cookie processed", "identifier", cookie.Identifier, "duration", duration)
}

// processCookie runs the rule pipeline and settles the outcome. A panic
// inside plug-in code is recovered into the returned error; any error
// leaves the cookie for the caller to mark as failed.
func (p *Pool) processCookie(ctx context.Context, cookie *types.Cookie) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cookie processing panicked: %v", r)
		}
	}()

	notifications, terminate := p.evaluateRules(ctx, cookie)

	if terminate || len(notifications) > 0 {
		p.deliver(ctx, notifications)
		return p.jar.MarkComplete(ctx, cookie.Identifier)
	}

	enrichment := p.nextEnrichment(ctx, cookie)
	if enrichment == nil {
		p.log.V(1).Info("cookie cannot be enriched further", "identifier", cookie.Identifier)
		p.deliver(ctx, []types.Notification{unknownNotification(cookie.Identifier)})

		return p.jar.MarkComplete(ctx, cookie.Identifier)
	}

	if err := p.jar.Enrich(ctx, cookie.Identifier, *enrichment); err != nil {
		return fmt.Errorf("applying enrichment from %s: %w", enrichment.Source, err)
	}

	// The enrichment landed while the cookie was claimed, so completing
	// the claim puts it straight back onto the queue.
	return p.jar.MarkComplete(ctx, cookie.Identifier)
}

// evaluateRules applies the rules snapshot in priority order, collecting
// notifications until a rule terminates the pipeline or the rules run
// out. Each rule sees its own copy of the cookie; a rule that fails is
// logged and skipped.
func (p *Pool) evaluateRules(ctx context.Context, cookie *types.Cookie) ([]types.Notification, bool) {
	var notifications []types.Notification

	for _, rule := range p.registries.Rules.Snapshot() {
		isolated := cookie.Copy()

		matched, err := rule.Matches(ctx, isolated)
		if err != nil {
			p.log.Error(err, "rule match failed, skipping rule",
				"rule", rule.ID(), "identifier", cookie.Identifier)

			continue
		}

		if !matched {
			continue
		}

		action, err := rule.Action(ctx, isolated)
		if err != nil {
			p.log.Error(err, "rule action failed, skipping rule",
				"rule", rule.ID(), "identifier", cookie.Identifier)

			continue
		}

		if action == nil {
			continue
		}

		notifications = append(notifications, action.Notifications...)

		if action.Terminate {
			return notifications, true
		}
	}

	return notifications, false
}

// nextEnrichment asks the loaders, highest priority first, for more
// information about the cookie. Loader failures are logged and the next
// loader consulted. Nil means nothing further can be loaded.
func (p *Pool) nextEnrichment(ctx context.Context, cookie *types.Cookie) *types.Enrichment {
	for _, loader := range p.registries.Loaders.Snapshot() {
		isolated := cookie.Copy()

		ok, err := loader.CanEnrich(ctx, isolated)
		if err != nil {
			p.log.Error(err, "enrichment check failed, skipping loader",
				"loader", loader.ID(), "identifier", cookie.Identifier)

			continue
		}

		if !ok {
			continue
		}

		enrichment, err := loader.LoadEnrichment(ctx, isolated)
		if err != nil {
			p.log.Error(err, "loading enrichment failed, skipping loader",
				"loader", loader.ID(), "identifier", cookie.Identifier)

			continue
		}

		if enrichment != nil {
			p.log.V(1).Info("enrichment loaded",
				"loader", loader.ID(), "source", enrichment.Source, "identifier", cookie.Identifier)

			return enrichment
		}
	}

	return nil
}

// deliver hands every notification to every registered receiver.
// Delivery is best-effort; a receiver that errors is logged and the rest
// still hear the notification.
func (p *Pool) deliver(ctx context.Context, notifications []types.Notification) {
	if len(notifications) == 0 {
		return
	}

	for _, receiver := range p.registries.Receivers.Snapshot() {
		for _, notification := range notifications {
			if err := receiver.Receive(ctx, notification); err != nil {
				p.log.Error(err, "receiver rejected notification",
					"receiver", receiver.ID(), "about", notification.About)

				continue
			}

			if metrics.NotificationsDeliveredTotal != nil {
				metrics.NotificationsDeliveredTotal.Add(ctx, 1)
			}
		}
	}
}

// unknownNotification is raised when no rule matched a cookie and no
// loader can add anything; the cookie cannot be classified.
func unknownNotification(identifier string) types.Notification {
	return types.Notification{
		About:  identifier,
		Sender: senderName,
		Data:   "unknown",
	}
}
