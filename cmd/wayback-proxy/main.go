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

// Package main is the wayback-proxy entry point. It wires the Redis
// store, the backend chain, the crawler, and the proxy server, then
// serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/crawler"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/server"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/throttle"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/wayback"
)

var version = "1.0.0"

func main() {
	settings := config.FromEnv()
	var noLandingPage, allowlistMode bool

	rootCmd := &cobra.Command{
		Use:   "wayback-proxy",
		Short: "Period-accurate HTTP proxy over the Wayback Machine",
		Long: `wayback-proxy serves a period-accurate view of the web: pages are
fetched from an archival source, stripped of replay-layer artifacts,
cached in a two-tier Redis store, and streamed to the client at an
optionally throttled bandwidth. A background crawler pre-populates the
cache from operator-supplied seed URLs.`,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noLandingPage {
				settings.LandingPage.Enabled = false
			}
			if allowlistMode {
				settings.Access.Mode = "allowlist"
			}
			return run(settings)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&settings.Proxy.Host, "host", settings.Proxy.Host, "Host to bind to")
	flags.IntVar(&settings.Proxy.Port, "port", settings.Proxy.Port, "Port to listen on")
	flags.StringVar(&settings.Proxy.ErrorPagesDir, "error-pages", settings.Proxy.ErrorPagesDir, "Path to custom error page templates directory")
	flags.StringVar(&settings.Wayback.TargetDate, "date", settings.Wayback.TargetDate, "Target date YYYYMMDD")
	flags.StringVar(&settings.Cache.RedisURL, "redis", settings.Cache.RedisURL, "Redis URL")
	flags.StringVar(&settings.Throttle.DefaultSpeed, "speed", settings.Throttle.DefaultSpeed, "Default throttle speed tier (14.4k, 28.8k, 56k, isdn, dsl, none)")
	flags.BoolVar(&settings.Throttle.AllowUserOverride, "speed-selector", settings.Throttle.AllowUserOverride, "Allow users to pick speed via the header bar dropdown")
	flags.BoolVar(&settings.HeaderBar.Enabled, "header-bar", settings.HeaderBar.Enabled, "Enable the header bar overlay")
	flags.StringVar(&settings.HeaderBar.Position, "header-bar-position", settings.HeaderBar.Position, "Header bar position (top or bottom)")
	flags.StringVar(&settings.HeaderBar.CustomText, "header-bar-text", settings.HeaderBar.CustomText, "Custom branding text in the header bar")
	flags.StringVar(&settings.LandingPage.TemplateDir, "landing-page-dir", settings.LandingPage.TemplateDir, "Path to landing page template directory")
	flags.BoolVar(&settings.Admin.Enabled, "admin", settings.Admin.Enabled, "Enable the admin interface at /_admin/")
	flags.StringVar(&settings.Admin.Password, "admin-password", settings.Admin.Password, "Password for admin Basic Auth (empty = no auth)")
	flags.IntVar(&settings.Crawler.Concurrency, "crawl-concurrency", settings.Crawler.Concurrency, "Max parallel fetches during a crawl")
	flags.IntVar(&settings.Crawler.MaxURLs, "crawl-max-urls", settings.Crawler.MaxURLs, "Cap on crawled URLs per run (0 = unlimited)")
	flags.StringVar(&settings.MetricsAddr, "metrics-addr", settings.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address")

	flags.BoolVar(&noLandingPage, "no-landing-page", false, "Disable the landing page")
	flags.BoolVar(&allowlistMode, "allowlist", false, "Enable allowlist access mode")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(settings *config.Settings) error {
	if !throttle.IsTier(settings.Throttle.DefaultSpeed) {
		return fmt.Errorf("unknown speed tier %q", settings.Throttle.DefaultSpeed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartEndpoint(settings.MetricsAddr)

	store, err := cache.New(
		settings.Cache.RedisURL,
		settings.Cache.HotTTLSeconds,
		settings.Cache.CuratedPrefix,
		settings.Cache.HotPrefix,
		settings.Cache.AllowlistKey,
	)
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Close()

	cfg := config.New(settings)

	transformer := &wayback.Transformer{
		RemoveToolbar:  settings.Transform.RemoveToolbar,
		RemoveScripts:  settings.Transform.RemoveScripts,
		FixBaseTags:    settings.Transform.FixBaseTags,
		FixAssetURLs:   settings.Transform.FixAssetURLs,
		NormalizeLinks: settings.Transform.NormalizeLinks,
	}

	backend := wayback.Build(settings, store)
	defer backend.Close()

	// The crawler gets a live-only projection of the chain so it never
	// reads the cache tier it is populating.
	var crawlRunner server.CrawlRunner
	if settings.Admin.Enabled {
		crawlRunner = crawler.New(store, backend.LiveOnly(), transformer, settings.Crawler)
	}

	// The environment is the config source: the reload listener
	// re-reads it when something publishes on wayback:config_reload.
	loader := func() (*config.Settings, error) {
		return config.FromEnv(), nil
	}

	srv := server.New(cfg, store, backend, transformer, crawlRunner, loader)
	if err := srv.ListenAndServe(ctx, store); err != nil {
		return err
	}

	fmt.Println("\n[PROXY] Shutting down...")
	return nil
}
