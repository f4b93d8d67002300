// Package telemetry provides process-level Prometheus counters for the
// proxy. It is safe to call from hot paths: collectors are registered
// once and the optional /metrics endpoint only starts when configured.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayback_proxy_requests_total",
		Help: "Total client requests accepted by the proxy pipeline",
	})
	responsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wayback_proxy_responses_total",
		Help: "Responses emitted to clients, by status code",
	}, []string{"code"})
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wayback_proxy_cache_hits_total",
		Help: "Cache lookups answered, by tier (curated or hot)",
	}, []string{"tier"})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayback_proxy_cache_misses_total",
		Help: "Cache lookups that fell through both tiers",
	})
	upstreamFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wayback_proxy_upstream_fetches_total",
		Help: "Fetch attempts against live archive sources, by backend name",
	}, []string{"backend"})
	throttledBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayback_proxy_throttled_bytes_total",
		Help: "Body bytes emitted through the throttled writer",
	})
	crawlerPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayback_proxy_crawler_pages_total",
		Help: "Pages stored in the curated tier by the crawler",
	})
	crawlerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wayback_proxy_crawler_errors_total",
		Help: "Crawler fetch attempts that ended in a miss or error",
	})
)

func init() {
	// Register eagerly; harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(
		requestsTotal, responsesTotal, cacheHitsTotal, cacheMissesTotal,
		upstreamFetchesTotal, throttledBytesTotal,
		crawlerPagesTotal, crawlerErrorsTotal,
	)
}

// RecordRequest counts one accepted client request.
func RecordRequest() { requestsTotal.Inc() }

// RecordResponse counts one emitted response by status code.
func RecordResponse(code string) { responsesTotal.WithLabelValues(code).Inc() }

// RecordCacheHit counts a tier hit ("curated" or "hot").
func RecordCacheHit(tier string) { cacheHitsTotal.WithLabelValues(tier).Inc() }

// RecordCacheMiss counts a two-tier miss.
func RecordCacheMiss() { cacheMissesTotal.Inc() }

// RecordUpstreamFetch counts a live fetch attempt per backend.
func RecordUpstreamFetch(backend string) { upstreamFetchesTotal.WithLabelValues(backend).Inc() }

// RecordThrottledBytes counts body bytes written to clients.
func RecordThrottledBytes(n int) {
	if n > 0 {
		throttledBytesTotal.Add(float64(n))
	}
}

// RecordCrawlerPage counts one curated store by the crawler.
func RecordCrawlerPage() { crawlerPagesTotal.Inc() }

// RecordCrawlerError counts one crawler miss/error.
func RecordCrawlerError() { crawlerErrorsTotal.Inc() }

// StartEndpoint exposes /metrics on addr in a background goroutine.
// No-op when addr is empty.
func StartEndpoint(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
