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
Package e2e drives the assembled service in process: a durable cookie jar
over bbolt, JavaScript rule plug-ins loaded from disk, the processor
pool, the periodic retriever and the admin API, with assertions against
the Prometheus registry the service exports.
*/
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // Ginkgo standard practice
	. "github.com/onsi/gomega"    //nolint:staticcheck // Ginkgo standard practice
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/document"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/retriever"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// testJarOptions keeps write batches small and prompt so specs settle
// quickly.
func testJarOptions() document.Options {
	return document.Options{MaxBufferSize: 16, BufferLatency: 5 * time.Millisecond}
}

// openJar builds a started BiscuitTin over a bolt store at path.
func openJar(path string) (*document.BoltStore, *cookiejar.BiscuitTin) {
	store, err := document.OpenBolt(path, GinkgoLogr)
	Expect(err).NotTo(HaveOccurred(), "Failed to open the bolt store")

	tin, err := cookiejar.NewBiscuitTin(store, "e2e", testJarOptions(), GinkgoLogr)
	Expect(err).NotTo(HaveOccurred(), "Failed to create the cookie jar")
	Expect(tin.Start(context.Background())).To(Succeed(), "Failed to start the cookie jar")

	return store, tin
}

// seenAt builds the enrichment the specs record against cookies.
func seenAt(source string, at time.Time) types.Enrichment {
	return types.Enrichment{
		Source:    source,
		Timestamp: at,
		Metadata:  types.Metadata{"state": "seen"},
	}
}

// queueLength reads the jar's queue length, failing the spec on error.
func queueLength(jar cookiejar.CookieJar) int {
	length, err := jar.QueueLength(context.Background())
	Expect(err).NotTo(HaveOccurred(), "Failed to read the queue length")

	return length
}

// claimNext waits for the queue to yield a cookie and claims it.
func claimNext(jar cookiejar.CookieJar) *types.Cookie {
	var claimed *types.Cookie

	Eventually(func() *types.Cookie {
		next, err := jar.NextForProcessing(context.Background())
		Expect(err).NotTo(HaveOccurred(), "Failed to claim from the queue")
		if next != nil {
			claimed = next
		}

		return claimed
	}, waitFor, tick).ShouldNot(BeNil(), "the queue never yielded a cookie")

	return claimed
}

// writeRulePlugins drops the suite's two rule files into dir: a low
// priority rule that never matches and a high priority rule that matches
// one identifier, terminates the pipeline and raises a notification.
func writeRulePlugins(dir string) {
	low := `
register({
	id: "never-matches",
	priority: 1,
	match: function (cookie) { return false; },
	action: function (cookie) { return { terminate: false }; }
});
`

	high := `
register({
	id: "matches-cookie",
	priority: 10,
	match: function (cookie) { return cookie.identifier === "/cookie/matches"; },
	action: function (cookie) {
		return {
			terminate: true,
			notifications: [{ about: cookie.identifier, sender: "matches-cookie", data: "N" }]
		};
	}
});
`

	Expect(os.WriteFile(filepath.Join(dir, "low.rule.js"), []byte(low), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "high.rule.js"), []byte(high), 0o600)).To(Succeed())
}

// httpGetJSON fetches url, decoding the body into out when the response
// is OK and out is non-nil. Returns the status code.
func httpGetJSON(url string, out any) int {
	resp, err := http.Get(url) //nolint:noctx // spec-local request
	Expect(err).NotTo(HaveOccurred(), "Failed to reach the admin API")

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed(), "Failed to decode the response")
	}

	return resp.StatusCode
}

// httpPostJSON posts body to url, decoding the response like httpGetJSON.
func httpPostJSON(url, body string, out any) int {
	resp, err := http.Post(url, "application/json", //nolint:noctx // spec-local request
		bytes.NewBufferString(body))
	Expect(err).NotTo(HaveOccurred(), "Failed to reach the admin API")

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed(), "Failed to decode the response")
	}

	return resp.StatusCode
}

// httpDelete issues a DELETE, decoding the response like httpGetJSON.
func httpDelete(url string, out any) int {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodDelete, url, nil)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred(), "Failed to reach the admin API")

	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed(), "Failed to decode the response")
	}

	return resp.StatusCode
}

// scrapeSamples renders the service's Prometheus registry and flattens
// every family into samples.
func scrapeSamples() model.Vector {
	handler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	Expect(rec.Code).To(Equal(http.StatusOK), "Failed to scrape the metrics endpoint")

	parser := expfmt.NewTextParser(model.UTF8Validation)

	families, err := parser.TextToMetricFamilies(rec.Body)
	Expect(err).NotTo(HaveOccurred(), "Failed to parse the metrics exposition")

	var samples model.Vector

	for _, family := range families {
		extracted, err := expfmt.ExtractSamples(&expfmt.DecodeOptions{Timestamp: model.Now()}, family)
		Expect(err).NotTo(HaveOccurred(), "Failed to flatten metric family")

		samples = append(samples, extracted...)
	}

	return samples
}

// metricValue sums every sample of the named metric across label sets.
func metricValue(samples model.Vector, name string) float64 {
	var sum float64

	for _, sample := range samples {
		if sample.Metric[model.MetricNameLabel] == model.LabelValue(name) {
			sum += float64(sample.Value)
		}
	}

	return sum
}

// captureReceiver records every notification it is handed.
type captureReceiver struct {
	mu    sync.Mutex
	heard []types.Notification
}

func (c *captureReceiver) receive(_ context.Context, notification types.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heard = append(c.heard, notification)

	return nil
}

// about returns the notifications recorded for one cookie.
func (c *captureReceiver) about(identifier string) []types.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []types.Notification

	for _, notification := range c.heard {
		if notification.About == identifier {
			matched = append(matched, notification)
		}
	}

	return matched
}

// captureLogStore is an in-memory retrieval log.
type captureLogStore struct {
	mu      sync.Mutex
	entries []retriever.RetrievalLog
}

func (c *captureLogStore) Add(_ context.Context, entry retriever.RetrievalLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, entry)

	return nil
}

func (c *captureLogStore) Latest(context.Context) (*retriever.RetrievalLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return nil, nil
	}

	latest := c.entries[len(c.entries)-1]

	return &latest, nil
}

func (c *captureLogStore) logged() []retriever.RetrievalLog {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]retriever.RetrievalLog(nil), c.entries...)
}

// scriptedSource pops one answer per retrieval cycle, then answers with
// empty collections.
type scriptedSource struct {
	mu      sync.Mutex
	answers []types.UpdateCollection
}

func (s *scriptedSource) load(answers ...types.UpdateCollection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.answers = append([]types.UpdateCollection(nil), answers...)
}

func (s *scriptedSource) AllSince(context.Context, time.Time) (types.UpdateCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.answers) == 0 {
		return nil, nil
	}

	next := s.answers[0]
	s.answers = s.answers[1:]

	return next, nil
}
