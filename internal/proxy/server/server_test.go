package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/wayback"
)

// fakeServerStore is an in-memory Store fake for pipeline tests.
type fakeServerStore struct {
	mu         sync.Mutex
	hot        map[string]*cache.CachedResponse
	allowed    map[string]bool
	seeds      []cache.Seed
	status     cache.Status
	viewed     chan string
	mostViewed []cache.ViewCount
	setHotErr  error
	clearedHot int
}

func newFakeServerStore() *fakeServerStore {
	return &fakeServerStore{
		hot:     make(map[string]*cache.CachedResponse),
		allowed: make(map[string]bool),
		status:  cache.Status{State: cache.StateIdle},
		viewed:  make(chan string, 8),
	}
}

func (f *fakeServerStore) SetHot(ctx context.Context, url string, resp *cache.CachedResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setHotErr != nil {
		return f.setHotErr
	}
	f.hot[url] = resp
	return nil
}

func (f *fakeServerStore) ClearHot(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.hot)
	f.hot = make(map[string]*cache.CachedResponse)
	f.clearedHot++
	return n, nil
}

func (f *fakeServerStore) Delete(ctx context.Context, url, tier string) error { return nil }

func (f *fakeServerStore) IsAllowed(ctx context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed[url], nil
}

func (f *fakeServerStore) TrackView(ctx context.Context, host string) error {
	f.viewed <- host
	return nil
}

func (f *fakeServerStore) MostViewed(ctx context.Context, n int) ([]cache.ViewCount, error) {
	return f.mostViewed, nil
}

func (f *fakeServerStore) GetSeeds(ctx context.Context) ([]cache.Seed, error) {
	return f.seeds, nil
}

func (f *fakeServerStore) AddSeed(ctx context.Context, url string, depth int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds = append(f.seeds, cache.Seed{URL: url, Depth: depth})
	return nil
}

func (f *fakeServerStore) RemoveSeed(ctx context.Context, url string) error { return nil }

func (f *fakeServerStore) GetCrawlStatus(ctx context.Context) (cache.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeServerStore) SetCrawlStatus(ctx context.Context, state string, progress cache.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = cache.Status{State: state, Progress: progress}
	return nil
}

func (f *fakeServerStore) GetCrawlLog(ctx context.Context, n int) ([]string, error) {
	return nil, nil
}

func (f *fakeServerStore) ClearCrawlLog(ctx context.Context) error { return nil }

func (f *fakeServerStore) GetStats(ctx context.Context) (cache.Stats, error) {
	return cache.Stats{}, nil
}

// fakeSource is a scriptable backend-chain member.
type fakeSource struct {
	resp *wayback.Response
	err  error
}

func (f *fakeSource) Name() string { return "fake" }
func (f *fakeSource) IsLive() bool { return true }
func (f *fakeSource) Fetch(ctx context.Context, url string) (*wayback.Response, error) {
	return f.resp, f.err
}
func (f *fakeSource) Close() error                 { return nil }
func (f *fakeSource) UpdateDateConfig(string, int) {}

// fakeCrawlRunner records crawl launches.
type fakeCrawlRunner struct {
	ran chan struct{}
}

func (f *fakeCrawlRunner) Run(ctx context.Context) error {
	f.ran <- struct{}{}
	return nil
}

func newTestServer(settings *config.Settings, store *fakeServerStore, source wayback.Backend) *Server {
	s := &Server{
		cfg:         config.New(settings),
		store:       store,
		backend:     wayback.NewChain([]wayback.Backend{source}),
		transformer: wayback.NewTransformer(),
		templates:   loadTemplates(settings),
	}
	if settings.Admin.Enabled {
		s.admin = NewAdminHandler(store)
	}
	return s
}

// roundTrip feeds one raw request through the pipeline and returns the
// raw response.
func roundTrip(t *testing.T, s *Server, request string) string {
	t.Helper()
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), srv)
		close(done)
	}()

	if _, err := client.Write([]byte(request)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	<-done
	client.Close()
	return string(resp)
}

func htmlBackendResponse(url, body string) *wayback.Response {
	return &wayback.Response{
		StatusCode:     200,
		Headers:        map[string]string{"content-type": "text/html"},
		Content:        []byte(body),
		ContentType:    "text/html",
		ArchivedURL:    url,
		Timestamp:      "20010101000000",
		NeedsTransform: true,
		Cacheable:      true,
	}
}

func TestPipelineBasicServe(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	store := newFakeServerStore()
	source := &fakeSource{resp: htmlBackendResponse("http://example.com/",
		`<!-- BEGIN WAYBACK TOOLBAR INSERT -->X<!-- END WAYBACK TOOLBAR INSERT --><body>hi</body>`)}
	s := newTestServer(settings, store, source)

	resp := roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "Content-Type: text/html\r\n") {
		t.Fatalf("missing content type: %q", resp)
	}
	if !strings.Contains(resp, "X-Wayback-URL: http://example.com/\r\n") {
		t.Fatalf("missing X-Wayback-URL: %q", resp)
	}
	if !strings.Contains(resp, "X-Wayback-Timestamp: 20010101000000\r\n") {
		t.Fatalf("missing X-Wayback-Timestamp: %q", resp)
	}
	if !strings.Contains(resp, "Connection: close\r\n") {
		t.Fatalf("missing Connection header: %q", resp)
	}
	if !strings.HasSuffix(resp, "<body>hi</body>") {
		t.Fatalf("toolbar not stripped from body: %q", resp)
	}

	// Cacheable response lands in the hot tier, bar-free.
	stored := store.hot["http://example.com/"]
	if stored == nil {
		t.Fatal("hot tier not written")
	}
	if string(stored.Content) != "<body>hi</body>" {
		t.Fatalf("stored body: %q", stored.Content)
	}

	// HTML responses feed the view counter with the request host.
	select {
	case host := <-store.viewed:
		if host != "example.com" {
			t.Fatalf("tracked host: %q", host)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("view not tracked")
	}
}

func TestPipelineRedirectSkipsTransformAndCache(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	store := newFakeServerStore()
	source := &fakeSource{resp: &wayback.Response{
		StatusCode:     302,
		Headers:        map[string]string{"location": "http://other.example/"},
		ContentType:    "text/html",
		ArchivedURL:    "http://example.com/",
		Timestamp:      "20010101000000",
		NeedsTransform: true,
		Cacheable:      true,
	}}
	s := newTestServer(settings, store, source)

	resp := roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")

	if !strings.HasPrefix(resp, "HTTP/1.1 302 Found\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "Location: http://other.example/\r\n") {
		t.Fatalf("missing location: %q", resp)
	}
	if len(store.hot) != 0 {
		t.Fatal("redirect was cached")
	}
}

func TestPipelineMissIs404(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	resp := roundTrip(t, s, "GET http://example.com/gone HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "404") || !strings.Contains(resp, "http://example.com/gone") {
		t.Fatalf("error body: %q", resp)
	}
}

func TestPipelineConnectIs501(t *testing.T) {
	settings := config.Defaults()
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	resp := roundTrip(t, s, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 501 Not Implemented\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
}

func TestPipelineBadRequestLine(t *testing.T) {
	settings := config.Defaults()
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	resp := roundTrip(t, s, "GARBAGE\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
}

func TestPipelinePathOnlyNeedsHost(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	resp := roundTrip(t, s, "GET /page.html HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
}

func TestPipelineAllowlistBlocks(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	settings.Access.Mode = "allowlist"
	store := newFakeServerStore()
	source := &fakeSource{resp: htmlBackendResponse("http://example.com/", "<body>x</body>")}
	s := newTestServer(settings, store, source)

	resp := roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 403 Forbidden\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}

	// Allowlisted URLs pass through.
	store.allowed["http://example.com/"] = true
	resp = roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
}

func TestPipelineStoreFailureIs500(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	store := newFakeServerStore()
	store.setHotErr = errors.New("redis down")
	source := &fakeSource{resp: htmlBackendResponse("http://example.com/", "<body>x</body>")}
	s := newTestServer(settings, store, source)

	resp := roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
}

func TestPipelineLandingPage(t *testing.T) {
	settings := config.Defaults()
	store := newFakeServerStore()
	store.mostViewed = []cache.ViewCount{{Host: "example.com", Views: 3}}
	s := newTestServer(settings, store, &fakeSource{})

	resp := roundTrip(t, s, "GET / HTTP/1.1\r\nHost: localhost:8888\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "Wayback Proxy") {
		t.Fatalf("landing body: %q", resp)
	}
	if !strings.Contains(resp, "example.com") || !strings.Contains(resp, "(3 views)") {
		t.Fatalf("most-viewed missing: %q", resp)
	}
}

func TestPipelineHeaderBarInjection(t *testing.T) {
	settings := config.Defaults()
	settings.LandingPage.Enabled = false
	settings.HeaderBar.Enabled = true
	store := newFakeServerStore()
	source := &fakeSource{resp: htmlBackendResponse("http://example.com/", "<body>hi</body>")}
	s := newTestServer(settings, store, source)

	resp := roundTrip(t, s, "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if !strings.Contains(resp, "wbHeaderBar") {
		t.Fatalf("header bar not injected: %q", resp)
	}
	// The cached copy stays bar-free: injection is post-cache.
	if strings.Contains(string(store.hot["http://example.com/"].Content), "wbHeaderBar") {
		t.Fatal("header bar leaked into the cache")
	}
}

func TestPipelineAdminAuth(t *testing.T) {
	settings := config.Defaults()
	settings.Admin.Enabled = true
	settings.Admin.Password = "secret"
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	resp := roundTrip(t, s, "GET /_admin/ HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 401 Unauthorized\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "WWW-Authenticate: Basic") {
		t.Fatalf("missing auth challenge: %q", resp)
	}

	// "user:secret" base64-encoded.
	resp = roundTrip(t, s,
		"GET /_admin/ HTTP/1.1\r\nHost: localhost\r\nAuthorization: Basic dXNlcjpzZWNyZXQ=\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "Wayback Proxy Admin") {
		t.Fatalf("dashboard body: %q", resp)
	}
}

func TestPipelineAdminStartCrawl(t *testing.T) {
	settings := config.Defaults()
	settings.Admin.Enabled = true
	store := newFakeServerStore()
	s := newTestServer(settings, store, &fakeSource{})
	runner := &fakeCrawlRunner{ran: make(chan struct{}, 1)}
	s.crawler = runner

	resp := roundTrip(t, s,
		"POST /_admin/crawl/start HTTP/1.1\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 303 See Other\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if !strings.Contains(resp, "Location: /_admin/\r\n") {
		t.Fatalf("missing redirect: %q", resp)
	}

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("crawler was not launched")
	}
}

func TestPipelineAdminRecrawlClearsHot(t *testing.T) {
	settings := config.Defaults()
	settings.Admin.Enabled = true
	store := newFakeServerStore()
	store.hot["http://x/"] = &cache.CachedResponse{}
	s := newTestServer(settings, store, &fakeSource{})
	runner := &fakeCrawlRunner{ran: make(chan struct{}, 1)}
	s.crawler = runner

	resp := roundTrip(t, s,
		"POST /_admin/crawl/recrawl HTTP/1.1\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n")
	if !strings.HasPrefix(resp, "HTTP/1.1 303 See Other\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if store.clearedHot != 1 {
		t.Fatalf("hot tier not cleared: %d", store.clearedHot)
	}

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("crawler was not launched")
	}
}

func TestPipelineAdminAddSeedForm(t *testing.T) {
	settings := config.Defaults()
	settings.Admin.Enabled = true
	store := newFakeServerStore()
	s := newTestServer(settings, store, &fakeSource{})

	body := "url=http%3A%2F%2Fexample.com%7C3"
	resp := roundTrip(t, s,
		"POST /_admin/crawl/add HTTP/1.1\r\nHost: localhost\r\nContent-Length: "+
			strconv.Itoa(len(body))+"\r\n\r\n"+body)
	if !strings.HasPrefix(resp, "HTTP/1.1 303 See Other\r\n") {
		t.Fatalf("status line: %q", firstLine(resp))
	}
	if len(store.seeds) != 1 || store.seeds[0].URL != "http://example.com" || store.seeds[0].Depth != 3 {
		t.Fatalf("seeds: %+v", store.seeds)
	}
}

func TestEffectiveSpeed(t *testing.T) {
	settings := config.Defaults()
	settings.Throttle.DefaultSpeed = "56k"
	settings.Throttle.AllowUserOverride = true

	headers := map[string]string{"cookie": "foo=bar; wayback_speed=14.4k; other=1"}
	if got := effectiveSpeed(headers, settings); got != "14.4k" {
		t.Fatalf("got %q", got)
	}

	// Unknown tier names fall back to the default.
	headers = map[string]string{"cookie": "wayback_speed=warp"}
	if got := effectiveSpeed(headers, settings); got != "56k" {
		t.Fatalf("got %q", got)
	}

	// Override disabled ignores the cookie entirely.
	settings.Throttle.AllowUserOverride = false
	headers = map[string]string{"cookie": "wayback_speed=14.4k"}
	if got := effectiveSpeed(headers, settings); got != "56k" {
		t.Fatalf("got %q", got)
	}
}

func TestCheckAdminAuth(t *testing.T) {
	if !checkAdminAuth(map[string]string{}, "") {
		t.Fatal("empty password must disable auth")
	}
	if checkAdminAuth(map[string]string{}, "pw") {
		t.Fatal("missing header accepted")
	}
	// "user:pw"
	if !checkAdminAuth(map[string]string{"authorization": "Basic dXNlcjpwdw=="}, "pw") {
		t.Fatal("valid credentials rejected")
	}
	if checkAdminAuth(map[string]string{"authorization": "Basic dXNlcjp3cm9uZw=="}, "pw") {
		t.Fatal("wrong password accepted")
	}
	if checkAdminAuth(map[string]string{"authorization": "Bearer xyz"}, "pw") {
		t.Fatal("non-basic scheme accepted")
	}
}

func TestIsLandingPageRequest(t *testing.T) {
	settings := config.Defaults()
	s := newTestServer(settings, newFakeServerStore(), &fakeSource{})

	cases := []struct {
		target string
		host   string
		want   bool
	}{
		{"/", "localhost:8888", true},
		{"/", "127.0.0.1", true},
		{"/", "example.com", false},
		{"http://localhost:9000/", "", true},
		{"http://localhost:9000", "", true},
		{"http://example.com/", "", false},
		{"/page", "localhost", false},
	}
	for _, c := range cases {
		got := s.isLandingPageRequest(c.target, map[string]string{"host": c.host}, settings)
		if got != c.want {
			t.Fatalf("target=%q host=%q: got %v want %v", c.target, c.host, got, c.want)
		}
	}

	settings.LandingPage.Enabled = false
	if s.isLandingPageRequest("/", map[string]string{"host": "localhost"}, settings) {
		t.Fatal("disabled landing page still matched")
	}
}

func TestReasonFor(t *testing.T) {
	if got := reasonFor(404); got != "Not Found" {
		t.Fatalf("got %q", got)
	}
	if got := reasonFor(418); got != "OK" {
		t.Fatalf("unknown code: got %q", got)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\r\n")
	return line
}
