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

// Package cache implements the two-tier Redis store shared with the
// admin tooling: a permanent curated tier written by the crawler and a
// TTL-bounded hot tier written by the serving path, plus the allowlist,
// view counter, and crawl seed/status/log state.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
)

// Store keys shared with external collaborators.
const (
	ViewsKey       = "views:urls"
	CrawlSeedsKey  = "crawl:seeds"
	CrawlStatusKey = "crawl:status"
	CrawlLogKey    = "crawl:log"
	CrawlLogMax    = 200

	ReloadChannel = "wayback:config_reload"
)

// Crawl states stored in crawl:status.
const (
	StateIdle         = "idle"
	StatePendingStart = "pending_start"
	StateRunning      = "running"
	StateStopping     = "stopping"
)

// CachedResponse is a stored archival response. Content holds the body
// verbatim; the base-64 form only ever exists inside the JSON envelope
// (encoding/json encodes []byte as base64, matching the store schema).
type CachedResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Content     []byte            `json:"content"`
	ContentType string            `json:"content_type"`
	ArchivedURL string            `json:"archived_url"`
	Timestamp   string            `json:"timestamp"` // YYYYMMDDhhmmss
}

// Header returns the named header, case-insensitively. Headers are
// stored with whatever casing the backend produced.
func (r *CachedResponse) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Progress mirrors the progress record inside crawl:status.
type Progress struct {
	Fetched    int    `json:"fetched"`
	Total      int    `json:"total"`
	Errors     int    `json:"errors"`
	CurrentURL string `json:"current_url"`
}

// Status is the crawl:status record.
type Status struct {
	State    string
	Progress Progress
}

// Stats summarizes store occupancy for the admin dashboard.
type Stats struct {
	CuratedCount   int
	HotCount       int
	AllowlistCount int
}

// ViewCount pairs a hostname with its view-counter score.
type ViewCount struct {
	Host  string
	Views int
}

// Seed pairs a crawl seed URL with its maximum traversal depth.
type Seed struct {
	URL   string
	Depth int
}

// Cache is the Redis-backed two-tier store. All operations take a
// context and return transient errors on connection failure; callers
// decide whether that is a 500 (serving path) or a logged skip
// (crawler).
type Cache struct {
	client        *redis.Client
	redisURL      string
	hotTTL        time.Duration
	curatedPrefix string
	hotPrefix     string
	allowlistKey  string
}

// New builds a Cache for the given redis:// URL. Connect must be called
// before use.
func New(redisURL string, hotTTLSeconds int, curatedPrefix, hotPrefix, allowlistKey string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &Cache{
		client:        redis.NewClient(opt),
		redisURL:      redisURL,
		hotTTL:        time.Duration(hotTTLSeconds) * time.Second,
		curatedPrefix: curatedPrefix,
		hotPrefix:     hotPrefix,
		allowlistKey:  allowlistKey,
	}, nil
}

// Connect verifies the Redis connection.
func (c *Cache) Connect(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: connect %s: %w", c.redisURL, err)
	}
	fmt.Printf("[CACHE] Connected to Redis: %s\n", c.redisURL)
	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Subscribe opens a pub/sub subscription on the given channel using the
// cache's connection options. The caller owns the returned PubSub.
func (c *Cache) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.client.Subscribe(ctx, channel)
}

func (c *Cache) curatedKey(url string) string { return c.curatedPrefix + Key(url) }
func (c *Cache) hotKey(url string) string     { return c.hotPrefix + Key(url) }

// Get looks a URL up in the curated tier, then the hot tier. A miss is
// (nil, nil); a non-nil error is a store failure.
func (c *Cache) Get(ctx context.Context, url string) (*CachedResponse, error) {
	data, err := c.client.Get(ctx, c.curatedKey(url)).Bytes()
	if err == nil {
		fmt.Printf("[CACHE] HIT (curated): %s\n", url)
		telemetry.RecordCacheHit("curated")
		return decodeResponse(data)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache: get curated: %w", err)
	}

	data, err = c.client.Get(ctx, c.hotKey(url)).Bytes()
	if err == nil {
		fmt.Printf("[CACHE] HIT (hot): %s\n", url)
		telemetry.RecordCacheHit("hot")
		return decodeResponse(data)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache: get hot: %w", err)
	}

	fmt.Printf("[CACHE] MISS: %s\n", url)
	telemetry.RecordCacheMiss()
	return nil, nil
}

// SetHot stores a response in the hot tier with the configured TTL.
func (c *Cache) SetHot(ctx context.Context, url string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := c.client.Set(ctx, c.hotKey(url), data, c.hotTTL).Err(); err != nil {
		return fmt.Errorf("cache: set hot: %w", err)
	}
	fmt.Printf("[CACHE] SET (hot, TTL=%ds): %s\n", int(c.hotTTL.Seconds()), url)
	return nil
}

// SetCurated stores a response in the curated tier with no TTL. An
// existing hot entry for the same URL is left alone; staleness is
// bounded by the hot TTL.
func (c *Cache) SetCurated(ctx context.Context, url string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	if err := c.client.Set(ctx, c.curatedKey(url), data, 0).Err(); err != nil {
		return fmt.Errorf("cache: set curated: %w", err)
	}
	fmt.Printf("[CACHE] SET (curated): %s\n", url)
	return nil
}

// Tier selectors for Delete.
const (
	TierHot     = "hot"
	TierCurated = "curated"
	TierBoth    = "both"
)

// Delete removes a URL from the selected tier(s). Idempotent.
func (c *Cache) Delete(ctx context.Context, url, tier string) error {
	if tier == TierHot || tier == TierBoth {
		if err := c.client.Del(ctx, c.hotKey(url)).Err(); err != nil {
			return fmt.Errorf("cache: delete hot: %w", err)
		}
	}
	if tier == TierCurated || tier == TierBoth {
		if err := c.client.Del(ctx, c.curatedKey(url)).Err(); err != nil {
			return fmt.Errorf("cache: delete curated: %w", err)
		}
	}
	return nil
}

// ClearHot deletes every hot-tier entry, iterating the SCAN cursor to
// completion before returning.
func (c *Cache) ClearHot(ctx context.Context) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.hotPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache: scan hot: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("cache: clear hot: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	fmt.Printf("[CACHE] Cleared %d hot entries\n", deleted)
	return deleted, nil
}

// IsAllowed reports whether the full URL string is in the allowlist.
func (c *Cache) IsAllowed(ctx context.Context, url string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.allowlistKey, url).Result()
	if err != nil {
		return false, fmt.Errorf("cache: allowlist check: %w", err)
	}
	return ok, nil
}

// AddToAllowlist adds a full URL string to the allowlist.
func (c *Cache) AddToAllowlist(ctx context.Context, url string) error {
	return c.client.SAdd(ctx, c.allowlistKey, url).Err()
}

// RemoveFromAllowlist removes a URL from the allowlist.
func (c *Cache) RemoveFromAllowlist(ctx context.Context, url string) error {
	return c.client.SRem(ctx, c.allowlistKey, url).Err()
}

// GetAllowlist returns every allowed URL.
func (c *Cache) GetAllowlist(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.allowlistKey).Result()
}

// ClearAllowlist removes the allowlist entirely.
func (c *Cache) ClearAllowlist(ctx context.Context) error {
	return c.client.Del(ctx, c.allowlistKey).Err()
}

// TrackView increments the view counter for a hostname. Fire-and-forget:
// callers ignore the error.
func (c *Cache) TrackView(ctx context.Context, host string) error {
	return c.client.ZIncrBy(ctx, ViewsKey, 1, host).Err()
}

// MostViewed returns the top-n hosts by view count, descending.
func (c *Cache) MostViewed(ctx context.Context, n int) ([]ViewCount, error) {
	zs, err := c.client.ZRevRangeWithScores(ctx, ViewsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: most viewed: %w", err)
	}
	out := make([]ViewCount, 0, len(zs))
	for _, z := range zs {
		host, _ := z.Member.(string)
		out = append(out, ViewCount{Host: host, Views: int(z.Score)})
	}
	return out, nil
}

// AddSeed registers a crawl seed with its maximum depth.
func (c *Cache) AddSeed(ctx context.Context, url string, depth int) error {
	return c.client.HSet(ctx, CrawlSeedsKey, url, strconv.Itoa(depth)).Err()
}

// RemoveSeed unregisters a crawl seed.
func (c *Cache) RemoveSeed(ctx context.Context, url string) error {
	return c.client.HDel(ctx, CrawlSeedsKey, url).Err()
}

// GetSeeds returns all crawl seeds.
func (c *Cache) GetSeeds(ctx context.Context) ([]Seed, error) {
	data, err := c.client.HGetAll(ctx, CrawlSeedsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get seeds: %w", err)
	}
	seeds := make([]Seed, 0, len(data))
	for url, depthStr := range data {
		depth, err := strconv.Atoi(depthStr)
		if err != nil {
			depth = 0
		}
		seeds = append(seeds, Seed{URL: url, Depth: depth})
	}
	return seeds, nil
}

// ClearSeeds removes every crawl seed.
func (c *Cache) ClearSeeds(ctx context.Context) error {
	return c.client.Del(ctx, CrawlSeedsKey).Err()
}

// SetCrawlStatus writes both the state and progress fields.
func (c *Cache) SetCrawlStatus(ctx context.Context, state string, progress Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("cache: encode progress: %w", err)
	}
	err = c.client.HSet(ctx, CrawlStatusKey, map[string]interface{}{
		"state":    state,
		"progress": string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("cache: set crawl status: %w", err)
	}
	return nil
}

// SetCrawlProgress updates only the progress field, leaving state
// untouched so an external stop request is never clobbered.
func (c *Cache) SetCrawlProgress(ctx context.Context, progress Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("cache: encode progress: %w", err)
	}
	if err := c.client.HSet(ctx, CrawlStatusKey, "progress", string(data)).Err(); err != nil {
		return fmt.Errorf("cache: set crawl progress: %w", err)
	}
	return nil
}

// GetCrawlStatus reads crawl:status, defaulting to idle when unset.
func (c *Cache) GetCrawlStatus(ctx context.Context) (Status, error) {
	data, err := c.client.HGetAll(ctx, CrawlStatusKey).Result()
	if err != nil {
		return Status{}, fmt.Errorf("cache: get crawl status: %w", err)
	}
	st := Status{State: StateIdle}
	if s, ok := data["state"]; ok && s != "" {
		st.State = s
	}
	if p, ok := data["progress"]; ok && p != "" {
		// Tolerate partial records from external writers.
		_ = json.Unmarshal([]byte(p), &st.Progress)
	}
	return st, nil
}

// AppendCrawlLog pushes a line to the head of crawl:log and trims the
// list to the cap.
func (c *Cache) AppendCrawlLog(ctx context.Context, line string) error {
	if err := c.client.LPush(ctx, CrawlLogKey, line).Err(); err != nil {
		return fmt.Errorf("cache: append crawl log: %w", err)
	}
	return c.client.LTrim(ctx, CrawlLogKey, 0, CrawlLogMax-1).Err()
}

// GetCrawlLog returns the newest n log lines, newest first.
func (c *Cache) GetCrawlLog(ctx context.Context, n int) ([]string, error) {
	return c.client.LRange(ctx, CrawlLogKey, 0, int64(n-1)).Result()
}

// ClearCrawlLog removes the crawl log.
func (c *Cache) ClearCrawlLog(ctx context.Context) error {
	return c.client.Del(ctx, CrawlLogKey).Err()
}

// GetStats counts entries per tier plus the allowlist size.
func (c *Cache) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.CuratedCount, err = c.countKeys(ctx, c.curatedPrefix+"*"); err != nil {
		return st, err
	}
	if st.HotCount, err = c.countKeys(ctx, c.hotPrefix+"*"); err != nil {
		return st, err
	}
	n, err := c.client.SCard(ctx, c.allowlistKey).Result()
	if err != nil {
		return st, fmt.Errorf("cache: allowlist card: %w", err)
	}
	st.AllowlistCount = int(n)
	return st, nil
}

func (c *Cache) countKeys(ctx context.Context, pattern string) (int, error) {
	count := 0
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return count, fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func decodeResponse(data []byte) (*CachedResponse, error) {
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cache: decode envelope: %w", err)
	}
	return &resp, nil
}
