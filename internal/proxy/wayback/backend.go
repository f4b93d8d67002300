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

// Package wayback implements the archival backends: the live Wayback
// Machine client, the pywb replay-instance client, the read-only cache
// backend, the ordered fallback chain over them, and the content
// transformer that strips the replay layer.
package wayback

import (
	"context"
	"fmt"
	"strings"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
)

// Response is what a backend produces for a URL. Content is the body
// verbatim; ArchivedURL is the original URL (never a replay-prefixed
// form); Timestamp is YYYYMMDDhhmmss. Header names are lowercase.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Content     []byte
	ContentType string
	ArchivedURL string
	Timestamp   string

	// NeedsTransform is false when the producer already emitted clean
	// content (cache hits, pywb hits).
	NeedsTransform bool
	// Cacheable is false when storing would be redundant (cache hits)
	// or unsafe (pywb hits, which cannot re-derive modifiers).
	Cacheable bool
}

// IsRedirect reports whether the response carries a client-visible
// redirect status.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// Location returns the redirect target, if any.
func (r *Response) Location() string {
	return r.Headers["location"]
}

// Backend is a single source of archived content. Fetch returns
// (nil, nil) on a miss; a non-nil error is a store failure that the
// serving path surfaces as a 500.
type Backend interface {
	Name() string
	// IsLive is true for backends that hit the live internet; the
	// crawler restricts its chain to live members so it never consults
	// the cache it is populating.
	IsLive() bool
	Fetch(ctx context.Context, url string) (*Response, error)
	Close() error
	UpdateDateConfig(targetDate string, toleranceDays int)
}

// Chain tries backends in order; the first non-miss response wins.
type Chain struct {
	backends []Backend
}

// NewChain builds a chain over the given backends.
func NewChain(backends []Backend) *Chain {
	return &Chain{backends: backends}
}

// Name joins the member names.
func (c *Chain) Name() string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return strings.Join(names, " -> ")
}

// IsLive is true when any member is live.
func (c *Chain) IsLive() bool {
	for _, b := range c.backends {
		if b.IsLive() {
			return true
		}
	}
	return false
}

// Fetch returns the first member's non-miss response, preserving its
// NeedsTransform/Cacheable flags. Member errors propagate immediately.
func (c *Chain) Fetch(ctx context.Context, url string) (*Response, error) {
	for _, b := range c.backends {
		resp, err := b.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			fmt.Printf("[CHAIN] HIT %s: %s\n", b.Name(), url)
			return resp, nil
		}
		fmt.Printf("[CHAIN] MISS %s: %s\n", b.Name(), url)
	}
	return nil, nil
}

// Close closes every member.
func (c *Chain) Close() error {
	var first error
	for _, b := range c.backends {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UpdateDateConfig fans the new date and tolerance to every member.
func (c *Chain) UpdateDateConfig(targetDate string, toleranceDays int) {
	for _, b := range c.backends {
		b.UpdateDateConfig(targetDate, toleranceDays)
	}
}

// LiveOnly returns a chain containing only the live members.
func (c *Chain) LiveOnly() *Chain {
	var live []Backend
	for _, b := range c.backends {
		if b.IsLive() {
			live = append(live, b)
		}
	}
	return NewChain(live)
}

// ResponseStore is the cache surface the CacheBackend reads through.
type ResponseStore interface {
	Get(ctx context.Context, url string) (*cache.CachedResponse, error)
}

// CacheBackend exposes the store as a read-only member of the chain.
type CacheBackend struct {
	store ResponseStore
}

// NewCacheBackend wraps a store.
func NewCacheBackend(store ResponseStore) *CacheBackend {
	return &CacheBackend{store: store}
}

func (b *CacheBackend) Name() string { return "cache" }

func (b *CacheBackend) IsLive() bool { return false }

// Fetch returns the cached response, flagged as already clean and not
// re-cacheable.
func (b *CacheBackend) Fetch(ctx context.Context, url string) (*Response, error) {
	cached, err := b.store.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	return &Response{
		StatusCode:     cached.StatusCode,
		Headers:        cached.Headers,
		Content:        cached.Content,
		ContentType:    cached.ContentType,
		ArchivedURL:    cached.ArchivedURL,
		Timestamp:      cached.Timestamp,
		NeedsTransform: false,
		Cacheable:      false,
	}, nil
}

func (b *CacheBackend) Close() error { return nil } // store lifecycle owned by the server

func (b *CacheBackend) UpdateDateConfig(string, int) {}

// Build assembles the backend chain from configuration. An empty or
// unusable chain config falls back to the default cache -> wayback.
func Build(s *config.Settings, store ResponseStore) *Chain {
	defaultChain := func() *Chain {
		return NewChain([]Backend{
			NewCacheBackend(store),
			NewClient(s.Wayback),
		})
	}

	if len(s.Backends) == 0 {
		return defaultChain()
	}

	var backends []Backend
	for _, entry := range s.Backends {
		switch entry.Type {
		case "cache":
			backends = append(backends, NewCacheBackend(store))
		case "wayback":
			wb := s.Wayback
			if entry.BaseURL != "" {
				wb.BaseURL = entry.BaseURL
			}
			backends = append(backends, NewClient(wb))
		case "pywb":
			baseURL := entry.BaseURL
			if baseURL == "" {
				baseURL = "http://localhost:8080"
			}
			collection := entry.Collection
			if collection == "" {
				collection = "web"
			}
			backends = append(backends, NewPywbClient(baseURL, collection, s.Wayback.TargetDate, s.Wayback.DateToleranceDays))
		default:
			fmt.Printf("[CHAIN] Unknown backend type: %q, skipping\n", entry.Type)
		}
	}

	if len(backends) == 0 {
		fmt.Println("[CHAIN] Empty chain after config, using default (cache -> wayback)")
		return defaultChain()
	}
	return NewChain(backends)
}
