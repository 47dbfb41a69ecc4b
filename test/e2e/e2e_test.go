package e2e

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtsi-hgi/cookiemonster/internal/api"
	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/document"
	"github.com/wtsi-hgi/cookiemonster/internal/measure"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/processor"
	"github.com/wtsi-hgi/cookiemonster/internal/registry"
	"github.com/wtsi-hgi/cookiemonster/internal/retriever"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

var _ = Describe("The durable cookie jar", Ordered, func() {
	var (
		store *document.BoltStore
		tin   *cookiejar.BiscuitTin

		broadcastMu sync.Mutex
		broadcasts  []string
	)

	ctx := context.Background()
	baseTime := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	BeforeAll(func() {
		store, tin = openJar(filepath.Join(GinkgoT().TempDir(), "jar.db"))

		tin.AddListener(func(identifier string) {
			broadcastMu.Lock()
			defer broadcastMu.Unlock()
			broadcasts = append(broadcasts, identifier)
		})
	})

	AfterAll(func() {
		tin.Stop()
		Expect(store.Close()).To(Succeed())
	})

	It("starts empty", func() {
		Expect(queueLength(tin)).To(BeZero())

		next, err := tin.NextForProcessing(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(next).To(BeNil())

		Consistently(func() int {
			broadcastMu.Lock()
			defer broadcastMu.Unlock()
			return len(broadcasts)
		}, 150*time.Millisecond, tick).Should(BeZero(), "an empty jar must not broadcast")
	})

	It("queues and returns a single enriched cookie", func() {
		enrichment := seenAt("sequencer", baseTime)

		By("recording one enrichment")
		Expect(tin.Enrich(ctx, "/foo", enrichment)).To(Succeed())
		Expect(queueLength(tin)).To(Equal(1))

		By("claiming the cookie")
		next := claimNext(tin)
		Expect(next.Identifier).To(Equal("/foo"))
		Expect(next.Enrichments).To(HaveLen(1))
		Expect(next.Enrichments[0].Source).To(Equal("sequencer"))
		Expect(next.Enrichments[0].Timestamp.Equal(baseTime)).To(BeTrue())

		Expect(queueLength(tin)).To(BeZero(), "a claimed cookie leaves the queue")

		Eventually(func() []string {
			broadcastMu.Lock()
			defer broadcastMu.Unlock()
			return append([]string(nil), broadcasts...)
		}, waitFor, tick).Should(ContainElement("/foo"))

		Expect(tin.MarkComplete(ctx, "/foo")).To(Succeed())
	})

	It("returns cookies oldest first", func() {
		Expect(tin.Enrich(ctx, "/a", seenAt("sequencer", baseTime))).To(Succeed())
		Expect(tin.Enrich(ctx, "/b", seenAt("sequencer", baseTime.Add(time.Second)))).To(Succeed())

		first := claimNext(tin)
		Expect(first.Identifier).To(Equal("/a"))

		second := claimNext(tin)
		Expect(second.Identifier).To(Equal("/b"))

		Expect(tin.MarkComplete(ctx, "/a")).To(Succeed())
		Expect(tin.MarkComplete(ctx, "/b")).To(Succeed())
	})

	It("delays a failed cookie's return to the queue", func() {
		Expect(tin.Enrich(ctx, "/fail", seenAt("sequencer", baseTime))).To(Succeed())

		claimed := claimNext(tin)
		Expect(claimed.Identifier).To(Equal("/fail"))

		By("failing the cookie with a delay")
		Expect(tin.MarkFailed(ctx, "/fail", 700*time.Millisecond)).To(Succeed())

		Consistently(func() int { return queueLength(tin) },
			300*time.Millisecond, 50*time.Millisecond).Should(BeZero(),
			"the cookie must stay off the queue until the delay elapses")

		Eventually(func() int { return queueLength(tin) },
			2*time.Second, tick).Should(Equal(1))

		Expect(claimNext(tin).Identifier).To(Equal("/fail"))
		Expect(tin.MarkComplete(ctx, "/fail")).To(Succeed())
	})

	It("keeps enrichments that arrive mid-processing", func() {
		first := seenAt("sequencer", baseTime)
		second := seenAt("irods", baseTime.Add(time.Second))

		Expect(tin.Enrich(ctx, "/multi", first)).To(Succeed())
		Expect(claimNext(tin).Identifier).To(Equal("/multi"))

		By("enriching the cookie while it is claimed")
		Expect(tin.Enrich(ctx, "/multi", second)).To(Succeed())
		Expect(queueLength(tin)).To(BeZero(), "a claimed cookie stays claimed")

		By("completing the claim")
		Expect(tin.MarkComplete(ctx, "/multi")).To(Succeed())

		requeued := claimNext(tin)
		Expect(requeued.Identifier).To(Equal("/multi"))
		Expect(requeued.Enrichments).To(HaveLen(2))
		Expect(requeued.Enrichments[0].Source).To(Equal("sequencer"))
		Expect(requeued.Enrichments[1].Source).To(Equal("irods"))

		Expect(tin.MarkComplete(ctx, "/multi")).To(Succeed())
	})
})

var _ = Describe("Restart recovery", func() {
	It("returns in-flight cookies to the queue after a restart", func() {
		ctx := context.Background()
		path := filepath.Join(GinkgoT().TempDir(), "jar.db")

		By("claiming a cookie and stopping mid-processing")
		store, tin := openJar(path)
		Expect(tin.Enrich(ctx, "/crash", seenAt("sequencer", time.Now().UTC()))).To(Succeed())
		Expect(claimNext(tin).Identifier).To(Equal("/crash"))
		tin.Stop()
		Expect(store.Close()).To(Succeed())

		By("reopening the same store")
		store, tin = openJar(path)
		defer func() {
			tin.Stop()
			Expect(store.Close()).To(Succeed())
		}()

		Eventually(func() int { return queueLength(tin) }, waitFor, tick).Should(Equal(1),
			"recovery must requeue the orphaned claim")

		recovered := claimNext(tin)
		Expect(recovered.Identifier).To(Equal("/crash"))
		Expect(recovered.Enrichments).To(HaveLen(1))
		Expect(tin.MarkComplete(ctx, "/crash")).To(Succeed())
	})
})

var _ = Describe("The assembled pipeline", Ordered, func() {
	var (
		store        *document.BoltStore
		tin          *cookiejar.BiscuitTin
		jar          cookiejar.CookieJar
		measurements *measure.BufferingLogger
		ruleWatcher  *registry.DirectoryWatcher[registry.Rule]
		pool         *processor.Pool
		apiServer    *api.Server
		manager      *retriever.PeriodicManager
		logStore     *captureLogStore
		baseURL      string

		received       = &captureReceiver{}
		loaderConsults atomic.Int64
	)

	ctx := context.Background()

	BeforeAll(func() {
		store, tin = openJar(filepath.Join(GinkgoT().TempDir(), "jar.db"))

		measurements = measure.NewBufferingLogger(measure.NewLogrSink(GinkgoLogr),
			100, 200*time.Millisecond, GinkgoLogr)
		jar = cookiejar.WithRateLimit(cookiejar.WithTiming(tin, measurements), 200)

		pluginCtx := &registry.Context{
			QueueLength: jar.QueueLength,
			FetchCookie: jar.Fetch,
		}

		By("loading the rule plug-ins from disk")
		rulesDir := GinkgoT().TempDir()
		writeRulePlugins(rulesDir)

		rules := registry.NewRegistry[registry.Rule]("rules", GinkgoLogr)

		var err error
		ruleWatcher, err = registry.NewRuleWatcher(rulesDir, "", rules, pluginCtx, GinkgoLogr)
		Expect(err).NotTo(HaveOccurred(), "Failed to create the rule watcher")
		Expect(ruleWatcher.Start(ctx)).To(Succeed(), "Failed to start the rule watcher")

		Eventually(rules.Len, waitFor, tick).Should(Equal(2), "both rule files should load")

		loaders := registry.NewRegistry[registry.EnrichmentLoader]("enrichments", GinkgoLogr)
		loaders.Replace("e2e", []registry.EnrichmentLoader{
			registry.NewEnrichmentLoader("counter", 1,
				func(context.Context, *types.Cookie) (bool, error) {
					loaderConsults.Add(1)
					return false, nil
				},
				func(context.Context, *types.Cookie) (*types.Enrichment, error) {
					return nil, nil
				}),
		})

		receivers := registry.NewRegistry[registry.Receiver]("receivers", GinkgoLogr)
		receivers.Replace("e2e", []registry.Receiver{
			registry.NewReceiver("capture", received.receive),
		})

		By("starting the processor pool")
		pool = processor.NewPool(jar, processor.Registries{
			Rules:     rules,
			Loaders:   loaders,
			Receivers: receivers,
		}, processor.Options{
			Workers:      3,
			RetryDelay:   50 * time.Millisecond,
			Measurements: measurements,
		}, GinkgoLogr)
		Expect(pool.Start(ctx)).To(Succeed(), "Failed to start the pool")

		Expect(metrics.RegisterQueueDepth(jar.QueueLength)).To(Succeed())
		Expect(metrics.RegisterActiveWorkers(pool.Busy)).To(Succeed())

		By("starting the admin API")
		apiServer = api.NewServer(jar, 0, GinkgoLogr)
		Expect(apiServer.Start(ctx)).To(Succeed(), "Failed to start the admin API")
		baseURL = "http://" + apiServer.Addr()
	})

	AfterAll(func() {
		apiServer.Stop()

		if manager != nil {
			manager.Stop()
		}

		pool.Stop()
		ruleWatcher.Stop()
		tin.Stop()
		measurements.Close()
		Expect(store.Close()).To(Succeed())
	})

	It("runs a matching cookie through the rule pipeline", func() {
		By("enriching the cookie the high priority rule matches")
		Expect(jar.Enrich(ctx, "/cookie/matches",
			seenAt("sequencer", time.Now().UTC()))).To(Succeed())

		By("waiting for the rule's notification to reach the receiver")
		Eventually(func() []types.Notification {
			return received.about("/cookie/matches")
		}, waitFor, tick).Should(HaveLen(1))

		notification := received.about("/cookie/matches")[0]
		Expect(notification.Sender).To(Equal("matches-cookie"))
		Expect(notification.Data).To(Equal("N"))

		By("confirming the pipeline settled the cookie")
		Eventually(func() int { return queueLength(jar) }, waitFor, tick).Should(BeZero())
		Expect(loaderConsults.Load()).To(BeZero(),
			"a terminating rule match must not consult the loaders")

		cookie, err := jar.Fetch(ctx, "/cookie/matches")
		Expect(err).NotTo(HaveOccurred())
		Expect(cookie).NotTo(BeNil(), "completion keeps the cookie's history")
	})

	It("pipes retrieved updates through to the processor", func() {
		updateTime := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
		startFrom := updateTime.Add(-time.Hour)

		pipelineSource.load(types.UpdateCollection{
			types.NewUpdate("/x", updateTime, types.Metadata{"k": 1}),
		})

		By("opening the scripted source through the adapter registry")
		source, err := retriever.OpenSource(ctx, scriptedSourceName,
			map[string]string{"zone": "e2e"}, GinkgoLogr)
		Expect(err).NotTo(HaveOccurred(), "Failed to open the scripted source")
		Expect(scriptedOptions).To(HaveKeyWithValue("zone", "e2e"),
			"adapter options should reach the factory")

		By("starting the periodic retriever")
		logStore = &captureLogStore{}
		manager = retriever.NewPeriodicManager(source, logStore, 150*time.Millisecond, GinkgoLogr)
		manager.AddListener(func(updates types.UpdateCollection) {
			defer GinkgoRecover()

			for _, update := range updates {
				Expect(jar.Enrich(ctx, update.Target,
					update.AsEnrichment(scriptedSourceName))).To(Succeed())
			}
		})
		Expect(manager.Start(ctx, startFrom)).To(Succeed(), "Failed to start the retriever")

		By("waiting for the update to become a processed cookie")
		Eventually(func() []types.Notification {
			return received.about("/x")
		}, waitFor, tick).Should(HaveLen(1), "the unmatched cookie should settle once")
		Expect(received.about("/x")[0].Sender).To(Equal("processor"))

		Consistently(func() []types.Notification {
			return received.about("/x")
		}, 500*time.Millisecond, tick).Should(HaveLen(1),
			"later empty cycles must not redispatch the cookie")

		By("checking the jar holds exactly the one retrieved enrichment")
		cookie, err := jar.Fetch(ctx, "/x")
		Expect(err).NotTo(HaveOccurred())
		Expect(cookie).NotTo(BeNil())
		Expect(cookie.Enrichments).To(HaveLen(1))
		Expect(cookie.Enrichments[0].Source).To(Equal(scriptedSourceName))
		Expect(cookie.Enrichments[0].Timestamp.Equal(updateTime)).To(BeTrue())

		By("checking the retrieval log")
		Eventually(logStore.logged, waitFor, tick).ShouldNot(BeEmpty())
		entries := logStore.logged()
		Expect(entries[0].Count).To(Equal(1))
		Expect(entries[0].RetrievedSince.Equal(startFrom)).To(BeTrue(),
			"the first cycle logs the configured start watermark")

		for _, entry := range entries[1:] {
			Expect(entry.Count).To(BeZero(), "empty cycles still log, with a zero count")
		}

		Expect(loaderConsults.Load()).To(Equal(int64(1)),
			"the unmatched cookie consults the loaders exactly once")
	})

	It("serves the admin API against live state", func() {
		By("reading the queue length")
		Eventually(func(g Gomega) {
			var length struct {
				QueueLength int `json:"queue_length"`
			}
			g.Expect(httpGetJSON(baseURL+"/queue", &length)).To(Equal(http.StatusOK))
			g.Expect(length.QueueLength).To(BeZero())
		}, waitFor, tick).Should(Succeed())

		By("requeueing the matched cookie through reprocess")
		var reprocessed struct {
			Path string `json:"path"`
		}
		status := httpPostJSON(baseURL+"/queue/reprocess", `{"path": "/cookie/matches"}`, &reprocessed)
		Expect(status).To(Equal(http.StatusOK))
		Expect(reprocessed.Path).To(Equal("/cookie/matches"))

		Eventually(func() []types.Notification {
			return received.about("/cookie/matches")
		}, waitFor, tick).Should(HaveLen(2), "reprocessing runs the rule again")

		By("fetching the cookie's history over HTTP")
		var fetched types.Cookie
		Expect(httpGetJSON(baseURL+"/cookiejar//cookie/matches", &fetched)).To(Equal(http.StatusOK))
		Expect(fetched.Identifier).To(Equal("/cookie/matches"))
		Expect(fetched.Enrichments).NotTo(BeEmpty())

		By("deleting the cookie")
		var deleted struct {
			Deleted string `json:"deleted"`
		}
		Expect(httpDelete(baseURL+"/cookiejar//cookie/matches", &deleted)).To(Equal(http.StatusOK))
		Expect(deleted.Deleted).To(Equal("/cookie/matches"))
		Expect(httpGetJSON(baseURL+"/cookiejar//cookie/matches", nil)).To(Equal(http.StatusNotFound))
	})

	It("exposes the pipeline's counters", func() {
		samples := scrapeSamples()

		for name, minimum := range map[string]float64{
			"cookiemonster_cookies_processed_total":       3, // /cookie/matches twice, /x once
			"cookiemonster_notifications_delivered_total": 3,
			"cookiemonster_enrichments_applied_total":     2,
			"cookiemonster_retrieval_cycles_total":        1,
			"cookiemonster_updates_retrieved_total":       1,
			"cookiemonster_plugin_loads_total":            2,
			"cookiemonster_api_requests_total":            1,
			"cookiemonster_time_to_process_seconds_count": 3,
		} {
			Expect(metricValue(samples, name)).To(BeNumerically(">=", minimum),
				fmt.Sprintf("%s should have reached %v", name, minimum))
		}

		Expect(metricValue(samples, "cookiemonster_queue_depth")).To(BeZero())
		Expect(metricValue(samples, "cookiemonster_active_workers")).To(BeZero())
	})
})
