// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: July 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crawler implements the prefetch spider: a bounded-concurrency
// BFS over operator-supplied seed URLs that fills the curated cache
// tier through the live backend chain.
package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/wayback"
)

// Store is the cache surface the crawler needs.
type Store interface {
	Get(ctx context.Context, url string) (*cache.CachedResponse, error)
	SetCurated(ctx context.Context, url string, resp *cache.CachedResponse) error
	GetSeeds(ctx context.Context) ([]cache.Seed, error)
	GetCrawlStatus(ctx context.Context) (cache.Status, error)
	SetCrawlStatus(ctx context.Context, state string, progress cache.Progress) error
	SetCrawlProgress(ctx context.Context, progress cache.Progress) error
	AppendCrawlLog(ctx context.Context, line string) error
}

// item is one queued crawl unit.
type item struct {
	url        string
	level      int
	maxDepth   int
	seedDomain string
}

// Crawler runs BFS crawls. The backend must be a live-only chain so the
// crawl never reads the cache it is writing.
type Crawler struct {
	store          Store
	backend        wayback.Backend
	transformer    *wayback.Transformer
	concurrency    int
	sameDomainOnly bool
	maxURLs        int

	mu      sync.Mutex // guards fetched/errors and progress writes
	fetched int
	errors  int

	// totalQueued is mutated only on the main crawl goroutine, between
	// worker batches.
	totalQueued int
}

// New builds a crawler.
func New(store Store, backend wayback.Backend, transformer *wayback.Transformer, cfg config.CrawlerSettings) *Crawler {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Crawler{
		store:          store,
		backend:        backend,
		transformer:    transformer,
		concurrency:    concurrency,
		sameDomainOnly: cfg.SameDomainOnly,
		maxURLs:        cfg.MaxURLs,
	}
}

// Run executes one crawl to completion or until the store-driven stop
// signal. It always leaves crawl:status in state idle.
func (c *Crawler) Run(ctx context.Context) error {
	seeds, err := c.store.GetSeeds(ctx)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		c.log(ctx, "No seeds configured, nothing to crawl.")
		return nil
	}

	c.mu.Lock()
	c.fetched, c.errors = 0, 0
	c.totalQueued = 0
	c.mu.Unlock()

	if err := c.store.SetCrawlStatus(ctx, cache.StateRunning, cache.Progress{}); err != nil {
		return err
	}
	c.log(ctx, fmt.Sprintf("Crawl started with %d seed(s)", len(seeds)))

	visited := make(map[string]bool)
	var queue []item
	for _, seed := range seeds {
		queue = append(queue, item{
			url:        seed.URL,
			level:      0,
			maxDepth:   seed.Depth,
			seedDomain: hostOf(seed.URL),
		})
		c.totalQueued++
	}

	for len(queue) > 0 {
		if c.shouldStop(ctx) {
			c.log(ctx, "Crawl stopped by user.")
			break
		}

		// Drain a batch, resolving curated-cache shortcuts inline.
		var batch []item
		for len(queue) > 0 && len(batch) < c.concurrency*2 {
			it := queue[0]
			queue = queue[1:]

			normalized := cache.Normalize(it.url)
			if visited[normalized] {
				continue
			}
			visited[normalized] = true

			if c.maxURLs > 0 && len(visited) > c.maxURLs {
				c.log(ctx, fmt.Sprintf("Reached max_urls limit (%d), stopping.", c.maxURLs))
				queue = nil
				break
			}

			// Already curated: spider its links without re-fetching.
			existing, err := c.store.Get(ctx, normalized)
			if err == nil && existing != nil {
				if it.level < it.maxDepth && strings.Contains(existing.ContentType, "text/html") {
					for _, link := range extractLinks(existing.Content, normalized, it.seedDomain, c.sameDomainOnly) {
						if !visited[cache.Normalize(link)] {
							queue = append(queue, item{link, it.level + 1, it.maxDepth, it.seedDomain})
							c.totalQueued++
						}
					}
				}
				continue
			}

			batch = append(batch, item{normalized, it.level, it.maxDepth, it.seedDomain})
		}

		if len(batch) == 0 {
			continue
		}

		// One worker per batch item, gated by the concurrency semaphore.
		results := make([][]string, len(batch))
		sem := make(chan struct{}, c.concurrency)
		var wg sync.WaitGroup
		for i, it := range batch {
			wg.Add(1)
			go func(i int, it item) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = c.process(ctx, it)
			}(i, it)
		}
		wg.Wait()

		for i, links := range results {
			if links == nil {
				continue
			}
			it := batch[i]
			for _, link := range links {
				if !visited[cache.Normalize(link)] {
					queue = append(queue, item{link, it.level + 1, it.maxDepth, it.seedDomain})
					c.totalQueued++
				}
			}
		}
	}

	c.mu.Lock()
	final := cache.Progress{Fetched: c.fetched, Total: c.totalQueued, Errors: c.errors}
	c.mu.Unlock()
	if err := c.store.SetCrawlStatus(ctx, cache.StateIdle, final); err != nil {
		return err
	}
	c.log(ctx, fmt.Sprintf(
		"Crawl finished: %d fetched, %d errors, %d total URLs seen.",
		final.Fetched, final.Errors, final.Total))
	return nil
}

// process fetches one URL, stores it in the curated tier, and returns
// discovered child links for HTML within depth (nil otherwise).
func (c *Crawler) process(ctx context.Context, it item) []string {
	if c.shouldStop(ctx) {
		return nil
	}

	c.updateProgress(ctx, 0, 0, it.url)

	resp, err := c.backend.Fetch(ctx, it.url)
	if err != nil {
		c.updateProgress(ctx, 0, 1, it.url)
		telemetry.RecordCrawlerError()
		c.log(ctx, fmt.Sprintf("ERR   %s: %v", it.url, err))
		return nil
	}
	if resp == nil {
		c.updateProgress(ctx, 0, 1, it.url)
		telemetry.RecordCrawlerError()
		c.log(ctx, fmt.Sprintf("MISS  %s", it.url))
		return nil
	}

	// Redirects are logged, not stored.
	if resp.IsRedirect() {
		c.log(ctx, fmt.Sprintf("REDIR %s -> %s", it.url, resp.Location()))
		return nil
	}

	content := resp.Content
	if resp.NeedsTransform {
		content = c.transformer.Transform(content, resp.ContentType)
	}

	cached := &cache.CachedResponse{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Headers,
		Content:     content,
		ContentType: resp.ContentType,
		ArchivedURL: resp.ArchivedURL,
		Timestamp:   resp.Timestamp,
	}
	if err := c.store.SetCurated(ctx, it.url, cached); err != nil {
		c.updateProgress(ctx, 0, 1, it.url)
		telemetry.RecordCrawlerError()
		c.log(ctx, fmt.Sprintf("ERR   %s: %v", it.url, err))
		return nil
	}

	c.updateProgress(ctx, 1, 0, it.url)
	telemetry.RecordCrawlerPage()
	c.log(ctx, fmt.Sprintf("OK    %s", it.url))

	if it.level < it.maxDepth && strings.Contains(resp.ContentType, "text/html") {
		return extractLinks(content, it.url, it.seedDomain, c.sameDomainOnly)
	}
	return nil
}

// updateProgress mutates the counters and mirrors them into the store
// under the lock, so external readers see consistent triples.
func (c *Crawler) updateProgress(ctx context.Context, deltaFetched, deltaErrors int, currentURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched += deltaFetched
	c.errors += deltaErrors
	_ = c.store.SetCrawlProgress(ctx, cache.Progress{
		Fetched:    c.fetched,
		Total:      c.totalQueued,
		Errors:     c.errors,
		CurrentURL: currentURL,
	})
}

// shouldStop polls the store for an externally requested stop.
func (c *Crawler) shouldStop(ctx context.Context) bool {
	status, err := c.store.GetCrawlStatus(ctx)
	if err != nil {
		return false
	}
	return status.State == cache.StateStopping
}

// log prints the message and appends a timestamped line to crawl:log.
func (c *Crawler) log(ctx context.Context, message string) {
	fmt.Printf("[CRAWLER] %s\n", message)
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), message)
	_ = c.store.AppendCrawlLog(ctx, line)
}
