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

// Package config holds the runtime configuration for the wayback cache
// proxy. Settings is an immutable snapshot; Config publishes snapshots
// through an atomic pointer so the reload listener can hot-swap fields
// while request handlers read a consistent view.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// ProxySettings configures the listening socket and error templates.
type ProxySettings struct {
	Host          string
	Port          int
	ErrorPagesDir string
}

// WaybackSettings configures the live archive source.
type WaybackSettings struct {
	TargetDate        string // YYYYMMDD
	DateToleranceDays int
	BaseURL           string
	GeocitiesFix      bool
}

// CacheSettings configures the Redis store and tier prefixes.
type CacheSettings struct {
	RedisURL      string
	HotTTLSeconds int
	CuratedPrefix string
	HotPrefix     string
	AllowlistKey  string
}

// TransformSettings toggles the individual content-transformer passes.
type TransformSettings struct {
	RemoveToolbar  bool
	RemoveScripts  bool
	FixBaseTags    bool
	FixAssetURLs   bool
	NormalizeLinks bool
}

// ThrottleSettings configures bandwidth pacing.
type ThrottleSettings struct {
	DefaultSpeed      string // tier name from throttle.SpeedTiers
	AllowUserOverride bool
	CookieName        string
}

// LandingPageSettings configures the proxy's own landing page.
type LandingPageSettings struct {
	Enabled         bool
	TemplateDir     string
	MostViewedCount int
}

// HeaderBarSettings configures the injected header bar overlay.
type HeaderBarSettings struct {
	Enabled           bool
	Position          string // top | bottom
	CustomText        string
	CustomCSS         string
	ShowSpeedSelector bool
}

// AccessSettings configures access control.
type AccessSettings struct {
	Mode string // open | allowlist
}

// AdminSettings configures the /_admin/ interface.
type AdminSettings struct {
	Enabled  bool
	Password string // empty = no auth required
}

// CrawlerSettings configures the prefetch crawler.
type CrawlerSettings struct {
	Concurrency    int
	SameDomainOnly bool // applies to <a> links; assets are always cross-domain
	MaxURLs        int  // 0 = unlimited
}

// BackendEntry names one member of a configured backend chain.
type BackendEntry struct {
	Type       string // cache | wayback | pywb
	BaseURL    string
	Collection string
}

// Settings is one immutable configuration snapshot.
type Settings struct {
	Proxy       ProxySettings
	Wayback     WaybackSettings
	Cache       CacheSettings
	Transform   TransformSettings
	Access      AccessSettings
	Throttle    ThrottleSettings
	LandingPage LandingPageSettings
	HeaderBar   HeaderBarSettings
	Admin       AdminSettings
	Crawler     CrawlerSettings
	Backends    []BackendEntry

	MetricsAddr string
}

// Defaults returns a Settings with the stock configuration.
func Defaults() *Settings {
	return &Settings{
		Proxy: ProxySettings{Host: "0.0.0.0", Port: 8888},
		Wayback: WaybackSettings{
			TargetDate:        "20010101",
			DateToleranceDays: 365,
			BaseURL:           "https://web.archive.org",
			GeocitiesFix:      true,
		},
		Cache: CacheSettings{
			RedisURL:      "redis://localhost:6379/0",
			HotTTLSeconds: 604800, // 7 days
			CuratedPrefix: "curated:",
			HotPrefix:     "hot:",
			AllowlistKey:  "allowlist:urls",
		},
		Transform: TransformSettings{
			RemoveToolbar:  true,
			RemoveScripts:  true,
			FixBaseTags:    true,
			FixAssetURLs:   true,
			NormalizeLinks: true,
		},
		Access:      AccessSettings{Mode: "open"},
		Throttle:    ThrottleSettings{DefaultSpeed: "none", CookieName: "wayback_speed"},
		LandingPage: LandingPageSettings{Enabled: true, MostViewedCount: 10},
		HeaderBar:   HeaderBarSettings{Position: "top", ShowSpeedSelector: true},
		Crawler:     CrawlerSettings{Concurrency: 3, SameDomainOnly: true, MaxURLs: 10000},
	}
}

// FromEnv returns Defaults overridden by environment variables.
func FromEnv() *Settings {
	s := Defaults()

	setString(&s.Proxy.Host, "PROXY_HOST")
	setInt(&s.Proxy.Port, "PROXY_PORT")
	setString(&s.Proxy.ErrorPagesDir, "ERROR_PAGES_DIR")

	setString(&s.Wayback.TargetDate, "TARGET_DATE")
	setInt(&s.Wayback.DateToleranceDays, "DATE_TOLERANCE_DAYS")
	setString(&s.Wayback.BaseURL, "WAYBACK_BASE_URL")

	setString(&s.Cache.RedisURL, "REDIS_URL")
	setInt(&s.Cache.HotTTLSeconds, "HOT_TTL_SECONDS")

	setString(&s.Access.Mode, "ACCESS_MODE")

	setString(&s.Throttle.DefaultSpeed, "THROTTLE_SPEED")
	setBool(&s.Throttle.AllowUserOverride, "THROTTLE_USER_OVERRIDE")
	setString(&s.Throttle.CookieName, "THROTTLE_COOKIE")

	setBool(&s.LandingPage.Enabled, "LANDING_PAGE_ENABLED")
	setString(&s.LandingPage.TemplateDir, "LANDING_PAGE_DIR")
	setInt(&s.LandingPage.MostViewedCount, "LANDING_MOST_VIEWED_COUNT")

	setBool(&s.HeaderBar.Enabled, "HEADER_BAR_ENABLED")
	setString(&s.HeaderBar.Position, "HEADER_BAR_POSITION")
	setString(&s.HeaderBar.CustomText, "HEADER_BAR_TEXT")
	setString(&s.HeaderBar.CustomCSS, "HEADER_BAR_CSS")

	setBool(&s.Admin.Enabled, "ADMIN_ENABLED")
	setString(&s.Admin.Password, "ADMIN_PASSWORD")

	setInt(&s.Crawler.Concurrency, "CRAWL_CONCURRENCY")
	setInt(&s.Crawler.MaxURLs, "CRAWL_MAX_URLS")

	setString(&s.MetricsAddr, "METRICS_ADDR")

	return s
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			*dst = true
		case "0", "false", "no":
			*dst = false
		}
	}
}

// Loader re-reads the configuration source. External collaborators
// (YAML loaders, the admin service) supply one; the reload listener
// calls it on each wayback:config_reload message.
type Loader func() (*Settings, error)

// Config publishes Settings snapshots. Readers call Snapshot per
// operation; the reload listener calls ApplyReload. Host/port and the
// Redis URL are never swapped at runtime.
type Config struct {
	cur atomic.Pointer[Settings]
}

// New wraps an initial snapshot.
func New(s *Settings) *Config {
	c := &Config{}
	c.cur.Store(s)
	return c
}

// Snapshot returns the current immutable settings.
func (c *Config) Snapshot() *Settings {
	return c.cur.Load()
}

// ApplyReload merges the hot-swappable fields of next into the current
// snapshot and publishes the result. It reports whether the target date
// changed, so the caller can fan the new date to the backend chain.
func (c *Config) ApplyReload(next *Settings) (dateChanged bool) {
	old := c.cur.Load()
	merged := *old

	dateChanged = old.Wayback.TargetDate != next.Wayback.TargetDate
	merged.Wayback.TargetDate = next.Wayback.TargetDate
	merged.Wayback.DateToleranceDays = next.Wayback.DateToleranceDays

	merged.Throttle = next.Throttle
	merged.HeaderBar = next.HeaderBar
	merged.LandingPage.Enabled = next.LandingPage.Enabled
	merged.Access.Mode = next.Access.Mode
	merged.Admin.Password = next.Admin.Password

	c.cur.Store(&merged)
	return dateChanged
}
