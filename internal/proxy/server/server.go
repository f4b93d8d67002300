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

// Package server implements the proxy request pipeline: a hand-rolled
// HTTP/1.x reader over raw connections, backend dispatch, content
// transformation, header-bar injection, and throttled emission. It also
// hosts the admin handler and the config reload listener.
package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/throttle"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/wayback"
)

// httpReasons is the fixed status-line reason table.
var httpReasons = map[int]string{
	200: "OK", 201: "Created", 204: "No Content",
	301: "Moved Permanently", 302: "Found", 303: "See Other", 304: "Not Modified",
	400: "Bad Request", 403: "Forbidden", 404: "Not Found",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable",
}

func reasonFor(code int) string {
	if reason, ok := httpReasons[code]; ok {
		return reason
	}
	return "OK"
}

// Store is the cache surface the pipeline and admin handler need.
type Store interface {
	SetHot(ctx context.Context, url string, resp *cache.CachedResponse) error
	ClearHot(ctx context.Context) (int, error)
	Delete(ctx context.Context, url, tier string) error
	IsAllowed(ctx context.Context, url string) (bool, error)
	TrackView(ctx context.Context, host string) error
	MostViewed(ctx context.Context, n int) ([]cache.ViewCount, error)
	GetSeeds(ctx context.Context) ([]cache.Seed, error)
	AddSeed(ctx context.Context, url string, depth int) error
	RemoveSeed(ctx context.Context, url string) error
	GetCrawlStatus(ctx context.Context) (cache.Status, error)
	SetCrawlStatus(ctx context.Context, state string, progress cache.Progress) error
	GetCrawlLog(ctx context.Context, n int) ([]string, error)
	ClearCrawlLog(ctx context.Context) error
	GetStats(ctx context.Context) (cache.Stats, error)
}

// Subscriber opens pub/sub subscriptions for the reload listener.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// CrawlRunner runs one crawl to completion.
type CrawlRunner interface {
	Run(ctx context.Context) error
}

// Server owns the accept loop and the per-connection pipeline.
type Server struct {
	cfg         *config.Config
	store       Store
	backend     *wayback.Chain
	transformer *wayback.Transformer
	admin       *AdminHandler
	crawler     CrawlRunner   // nil when admin is disabled
	loader      config.Loader // nil disables the reload listener
	templates   *templateSet

	ln net.Listener

	crawlMu      sync.Mutex
	crawlRunning bool
}

// New wires a Server. The crawler must be built over a live-only chain;
// pass nil when the admin interface is disabled.
func New(cfg *config.Config, store Store, backend *wayback.Chain, transformer *wayback.Transformer, crawlRunner CrawlRunner, loader config.Loader) *Server {
	snap := cfg.Snapshot()
	s := &Server{
		cfg:         cfg,
		store:       store,
		backend:     backend,
		transformer: transformer,
		crawler:     crawlRunner,
		loader:      loader,
		templates:   loadTemplates(snap),
	}
	if snap.Admin.Enabled {
		s.admin = NewAdminHandler(store)
	}
	return s
}

// ListenAndServe binds the socket and serves until ctx is canceled.
// sub, when non-nil, feeds the config reload listener.
func (s *Server) ListenAndServe(ctx context.Context, sub Subscriber) error {
	snap := s.cfg.Snapshot()

	// A crawl interrupted by a previous shutdown must not wedge the
	// status record.
	if s.crawler != nil {
		if status, err := s.store.GetCrawlStatus(ctx); err == nil {
			if status.State == cache.StateRunning || status.State == cache.StateStopping {
				_ = s.store.SetCrawlStatus(ctx, cache.StateIdle, status.Progress)
				fmt.Println("[PROXY] Reset stale crawl state to idle")
			}
		}
	}

	if s.loader != nil && sub != nil {
		go s.runReloadListener(ctx, sub)
	}

	addr := net.JoinHostPort(snap.Proxy.Host, strconv.Itoa(snap.Proxy.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.ln = ln

	fmt.Printf("[PROXY] Listening on %s\n", ln.Addr())
	fmt.Printf("[PROXY] Backend: %s\n", s.backend.Name())
	fmt.Printf("[PROXY] Target date: %s\n", snap.Wayback.TargetDate)
	fmt.Printf("[PROXY] Access mode: %s\n", snap.Access.Mode)
	if snap.Throttle.DefaultSpeed != "none" {
		fmt.Printf("[PROXY] Throttle: %s\n", snap.Throttle.DefaultSpeed)
	}
	if snap.HeaderBar.Enabled {
		fmt.Printf("[PROXY] Header bar: %s\n", snap.HeaderBar.Position)
	}
	if snap.LandingPage.Enabled {
		fmt.Println("[PROXY] Landing page: enabled")
	}
	if snap.Admin.Enabled {
		authMode := "open"
		if snap.Admin.Password != "" {
			authMode = "password"
		}
		fmt.Printf("[PROXY] Admin: enabled (auth: %s)\n", authMode)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts the listener; in-flight connections finish on their own.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// handleConn serves exactly one request and closes. Every failure path
// funnels into a best-effort 500.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var requestURL string
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[PROXY] Error: %v\n", r)
			s.sendError(ctx, conn, 500, "Internal Server Error", requestURL, "")
		}
	}()

	if err := s.serveRequest(ctx, conn, &requestURL); err != nil {
		fmt.Printf("[PROXY] Error: %v\n", err)
		s.sendError(ctx, conn, 500, "Internal Server Error", requestURL, "")
	}
}

// serveRequest parses one request and walks it through classification,
// backend dispatch, transformation, caching, and emission.
func (s *Server) serveRequest(ctx context.Context, conn net.Conn, requestURL *string) error {
	reader := bufio.NewReader(conn)

	requestLine, err := reader.ReadString('\n')
	if err != nil && requestLine == "" {
		return nil // client went away before sending anything
	}

	parts := strings.Fields(strings.TrimSpace(requestLine))
	if len(parts) < 2 {
		s.sendError(ctx, conn, 400, "Bad Request", "", "")
		return nil
	}
	method := strings.ToUpper(parts[0])
	target := parts[1]

	headers := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	telemetry.RecordRequest()
	snap := s.cfg.Snapshot()

	// HTTPS tunneling is not implemented.
	if method == "CONNECT" {
		s.sendError(ctx, conn, 501, "CONNECT not implemented yet", "", "")
		return nil
	}

	// Admin interface. Dispatch happens before the access-mode check:
	// an authenticated operator is never subject to the allowlist.
	if s.admin != nil && strings.HasPrefix(target, "/_admin") {
		return s.serveAdmin(ctx, conn, reader, method, target, headers, snap)
	}

	if s.isLandingPageRequest(target, headers, snap) {
		return s.sendLandingPage(ctx, conn, snap)
	}

	if strings.HasPrefix(target, "/") {
		// Transparent proxy mode needs the Host header.
		host := headers["host"]
		if host == "" {
			s.sendError(ctx, conn, 400, "Host header required", "", "")
			return nil
		}
		*requestURL = "http://" + host + target
	} else {
		*requestURL = target
	}
	reqURL := *requestURL

	fmt.Printf("[PROXY] %s %s\n", method, reqURL)

	speed := effectiveSpeed(headers, snap)

	if snap.Access.Mode == "allowlist" {
		allowed, err := s.store.IsAllowed(ctx, reqURL)
		if err != nil {
			return err
		}
		if !allowed {
			fmt.Printf("[PROXY] BLOCKED (not in allowlist): %s\n", reqURL)
			s.sendError(ctx, conn, 403, "Forbidden", reqURL,
				"This URL is not in the allowlist. Contact the proxy administrator to request access.")
			return nil
		}
	}

	resp, err := s.backend.Fetch(ctx, reqURL)
	if err != nil {
		return err
	}
	if resp == nil {
		s.sendError(ctx, conn, 404, "Not Found", reqURL, "")
		return nil
	}

	// Redirects bypass transform and cache.
	if resp.IsRedirect() {
		if location := resp.Location(); location != "" {
			return s.sendRedirect(conn, resp.StatusCode, location)
		}
	}

	content := resp.Content
	if resp.NeedsTransform {
		content = s.transformer.Transform(content, resp.ContentType)
	}

	cached := &cache.CachedResponse{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Headers,
		Content:     content,
		ContentType: resp.ContentType,
		ArchivedURL: resp.ArchivedURL,
		Timestamp:   resp.Timestamp,
	}

	if resp.Cacheable {
		if err := s.store.SetHot(ctx, reqURL, cached); err != nil {
			return err
		}
	}

	if err := s.sendResponse(ctx, conn, cached, speed, snap); err != nil {
		return err
	}

	// HTML views feed the landing page's most-viewed ranking.
	if strings.Contains(resp.ContentType, "text/html") {
		go s.trackView(reqURL)
	}
	return nil
}

// serveAdmin authenticates, reads the form body, and dispatches to the
// admin handler, acting on crawl-control signals.
func (s *Server) serveAdmin(ctx context.Context, conn net.Conn, reader *bufio.Reader, method, target string, headers map[string]string, snap *config.Settings) error {
	if !checkAdminAuth(headers, snap.Admin.Password) {
		_, err := io.WriteString(conn,
			"HTTP/1.1 401 Unauthorized\r\n"+
				"WWW-Authenticate: Basic realm=\"Wayback Proxy Admin\"\r\n"+
				"Content-Length: 0\r\n"+
				"Connection: close\r\n\r\n")
		return err
	}

	form := url.Values{}
	if cl, err := strconv.Atoi(headers["content-length"]); err == nil && cl > 0 {
		body := make([]byte, cl)
		n, _ := io.ReadFull(reader, body)
		if parsed, err := url.ParseQuery(string(body[:n])); err == nil {
			form = parsed
		}
	}

	result := s.admin.Handle(ctx, method, target, form)

	switch result.signal {
	case signalStartCrawl:
		s.startCrawl()
		result = redirectResult("/_admin/")
	case signalRecrawl:
		if _, err := s.store.ClearHot(ctx); err != nil {
			return err
		}
		s.startCrawl()
		result = redirectResult("/_admin/")
	}

	if result.status == 303 {
		_, err := fmt.Fprintf(conn,
			"HTTP/1.1 303 See Other\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
			result.location)
		telemetry.RecordResponse("303")
		return err
	}

	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		result.status, reasonFor(result.status), result.contentType, len(result.body))
	if err != nil {
		return err
	}
	_, err = conn.Write(result.body)
	telemetry.RecordResponse(strconv.Itoa(result.status))
	return err
}

// startCrawl launches the crawler as a background task; at most one
// crawl runs at a time.
func (s *Server) startCrawl() {
	if s.crawler == nil {
		return
	}
	s.crawlMu.Lock()
	defer s.crawlMu.Unlock()
	if s.crawlRunning {
		return
	}
	s.crawlRunning = true

	go func() {
		defer func() {
			s.crawlMu.Lock()
			s.crawlRunning = false
			s.crawlMu.Unlock()
		}()
		if err := s.crawler.Run(context.Background()); err != nil {
			fmt.Printf("[CRAWLER] Unhandled error: %v\n", err)
			_ = s.store.SetCrawlStatus(context.Background(), cache.StateIdle, cache.Progress{})
		}
	}()
}

// trackView increments the view counter for the request host,
// fire-and-forget.
func (s *Server) trackView(rawURL string) {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	_ = s.store.TrackView(context.Background(), host)
}

// isLandingPageRequest matches requests for the proxy's own landing
// page, in both direct and explicit-proxy form.
func (s *Server) isLandingPageRequest(target string, headers map[string]string, snap *config.Settings) bool {
	if !snap.LandingPage.Enabled {
		return false
	}

	localNames := map[string]bool{
		"localhost":     true,
		"127.0.0.1":     true,
		snap.Proxy.Host: true,
	}

	// Direct access: GET / with Host pointing at the proxy. Any port
	// matches, since the proxy may be exposed on a different one.
	if target == "/" {
		hostName := headers["host"]
		if idx := strings.IndexByte(hostName, ':'); idx >= 0 {
			hostName = hostName[:idx]
		}
		if localNames[hostName] {
			return true
		}
	}

	// Explicit proxy: target URL points at the proxy itself.
	if strings.HasPrefix(target, "http") {
		if u, err := url.Parse(target); err == nil {
			if localNames[u.Hostname()] && (u.Path == "/" || u.Path == "") {
				return true
			}
		}
	}

	return false
}

// effectiveSpeed resolves the throttle tier from the override cookie,
// falling back to the configured default.
func effectiveSpeed(headers map[string]string, snap *config.Settings) string {
	if snap.Throttle.AllowUserOverride {
		prefix := snap.Throttle.CookieName + "="
		for _, part := range strings.Split(headers["cookie"], ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, prefix) {
				if value := part[len(prefix):]; throttle.IsTier(value) {
					return value
				}
			}
		}
	}
	return snap.Throttle.DefaultSpeed
}

// checkAdminAuth validates HTTP Basic credentials. An empty configured
// password disables auth.
func checkAdminAuth(headers map[string]string, password string) bool {
	if password == "" {
		return true
	}
	auth := headers["authorization"]
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len("Basic "):])
	if err != nil {
		return false
	}
	_, pw, _ := strings.Cut(string(decoded), ":")
	return pw == password
}

// sendResponse emits a stored response: header bar injected for HTML
// (post-cache, so stored bodies stay bar-free), then the throttled body.
func (s *Server) sendResponse(ctx context.Context, conn net.Conn, resp *cache.CachedResponse, speed string, snap *config.Settings) error {
	content := resp.Content

	if snap.HeaderBar.Enabled && strings.Contains(resp.ContentType, "text/html") {
		bar := s.templates.renderHeaderBar(snap, resp.ArchivedURL, resp.Timestamp, speed)
		content = s.transformer.InjectHeaderBar(content, bar)
	}

	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n"+
			"X-Wayback-Timestamp: %s\r\nX-Wayback-URL: %s\r\n\r\n",
		resp.StatusCode, reasonFor(resp.StatusCode),
		resp.ContentType, len(content), resp.Timestamp, resp.ArchivedURL)
	if _, err := io.WriteString(conn, head); err != nil {
		return err
	}
	telemetry.RecordResponse(strconv.Itoa(resp.StatusCode))

	return throttle.Write(ctx, conn, content, speed)
}

// sendLandingPage renders the landing page with the most-viewed list.
func (s *Server) sendLandingPage(ctx context.Context, conn net.Conn, snap *config.Settings) error {
	mostViewed, err := s.store.MostViewed(ctx, snap.LandingPage.MostViewedCount)
	if err != nil {
		return err
	}

	mostViewedHTML := `<p class="empty">No pages viewed yet.</p>`
	if len(mostViewed) > 0 {
		var items strings.Builder
		for _, v := range mostViewed {
			fmt.Fprintf(&items, "<li>%s <span class=\"count\">(%d views)</span></li>\n", v.Host, v.Views)
		}
		mostViewedHTML = "<ol>\n" + items.String() + "</ol>"
	}

	body := s.templates.renderLandingPage(snap, mostViewedHTML)

	_, err = fmt.Fprintf(conn,
		"HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		len(body))
	if err != nil {
		return err
	}
	_, err = conn.Write(body)
	telemetry.RecordResponse("200")
	return err
}

// sendRedirect emits a small HTML redirect body with the status preserved.
func (s *Server) sendRedirect(conn net.Conn, code int, location string) error {
	body := fmt.Sprintf(
		`<html><body><p>Redirecting to <a href="%s">%s</a></p></body></html>`,
		location, location)

	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nLocation: %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reasonFor(code), location, len(body), body)
	telemetry.RecordResponse(strconv.Itoa(code))
	return err
}

// sendError emits a templated error page. Failures here are swallowed:
// the connection is closing anyway.
func (s *Server) sendError(ctx context.Context, conn net.Conn, code int, message, url, description string) {
	snap := s.cfg.Snapshot()
	body := s.templates.renderErrorPage(code, message, url, description, snap.Wayback.TargetDate)

	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		code, reasonFor(code), len(body))
	if err != nil {
		return
	}
	_, _ = conn.Write(body)
	telemetry.RecordResponse(strconv.Itoa(code))
}

// runReloadListener re-reads the config source on every message to the
// reload channel and hot-swaps the runtime fields. Host/port and the
// store URL require a restart.
func (s *Server) runReloadListener(ctx context.Context, sub Subscriber) {
	pubsub := sub.Subscribe(ctx, cache.ReloadChannel)
	defer pubsub.Close()
	fmt.Printf("[PROXY] Subscribed to %s\n", cache.ReloadChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			fmt.Println("[PROXY] Config reload signal received")
			s.applyConfigReload()
		}
	}
}

// applyConfigReload loads fresh settings and publishes the
// hot-swappable fields. Failures are logged, never fatal.
func (s *Server) applyConfigReload() {
	next, err := s.loader()
	if err != nil {
		fmt.Printf("[PROXY] Config reload failed: %v\n", err)
		return
	}

	oldDate := s.cfg.Snapshot().Wayback.TargetDate
	dateChanged := s.cfg.ApplyReload(next)
	snap := s.cfg.Snapshot()

	s.backend.UpdateDateConfig(snap.Wayback.TargetDate, snap.Wayback.DateToleranceDays)
	if dateChanged {
		fmt.Printf("[PROXY] Reloaded target_date: %s -> %s\n", oldDate, snap.Wayback.TargetDate)
	}
	fmt.Println("[PROXY] Config reloaded successfully")
}
