package config

import "testing"

func TestDefaults(t *testing.T) {
	s := Defaults()
	if s.Proxy.Port != 8888 {
		t.Fatalf("port: %d", s.Proxy.Port)
	}
	if s.Wayback.TargetDate != "20010101" {
		t.Fatalf("target date: %q", s.Wayback.TargetDate)
	}
	if s.Cache.HotTTLSeconds != 604800 {
		t.Fatalf("hot ttl: %d", s.Cache.HotTTLSeconds)
	}
	if s.Throttle.CookieName != "wayback_speed" {
		t.Fatalf("cookie name: %q", s.Throttle.CookieName)
	}
	if s.Access.Mode != "open" {
		t.Fatalf("access mode: %q", s.Access.Mode)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PROXY_PORT", "9999")
	t.Setenv("TARGET_DATE", "19991231")
	t.Setenv("THROTTLE_USER_OVERRIDE", "true")
	t.Setenv("HEADER_BAR_ENABLED", "1")
	t.Setenv("LANDING_PAGE_ENABLED", "no")
	t.Setenv("CRAWL_CONCURRENCY", "7")

	s := FromEnv()
	if s.Proxy.Port != 9999 {
		t.Fatalf("port: %d", s.Proxy.Port)
	}
	if s.Wayback.TargetDate != "19991231" {
		t.Fatalf("target date: %q", s.Wayback.TargetDate)
	}
	if !s.Throttle.AllowUserOverride {
		t.Fatal("override not set")
	}
	if !s.HeaderBar.Enabled {
		t.Fatal("header bar not enabled")
	}
	if s.LandingPage.Enabled {
		t.Fatal("landing page not disabled")
	}
	if s.Crawler.Concurrency != 7 {
		t.Fatalf("concurrency: %d", s.Crawler.Concurrency)
	}
}

func TestSnapshotIsStable(t *testing.T) {
	cfg := New(Defaults())
	snap := cfg.Snapshot()

	next := Defaults()
	next.Throttle.DefaultSpeed = "14.4k"
	cfg.ApplyReload(next)

	// The old snapshot must not change under a reader's feet.
	if snap.Throttle.DefaultSpeed != "none" {
		t.Fatalf("old snapshot mutated: %q", snap.Throttle.DefaultSpeed)
	}
	if cfg.Snapshot().Throttle.DefaultSpeed != "14.4k" {
		t.Fatal("new snapshot not published")
	}
}

func TestApplyReloadSwapsHotFieldsOnly(t *testing.T) {
	base := Defaults()
	base.Proxy.Port = 8888
	base.Cache.RedisURL = "redis://original:6379/0"
	cfg := New(base)

	next := Defaults()
	// Host/port and the store URL are not hot-swappable.
	next.Proxy.Port = 1234
	next.Cache.RedisURL = "redis://other:6379/0"
	next.Wayback.TargetDate = "19991231"
	next.Wayback.DateToleranceDays = 30
	next.Throttle.DefaultSpeed = "56k"
	next.HeaderBar.Enabled = true
	next.HeaderBar.CustomText = "hello"
	next.LandingPage.Enabled = false
	next.Access.Mode = "allowlist"
	next.Admin.Password = "newpw"

	dateChanged := cfg.ApplyReload(next)
	if !dateChanged {
		t.Fatal("date change not reported")
	}

	snap := cfg.Snapshot()
	if snap.Proxy.Port != 8888 {
		t.Fatalf("port hot-swapped: %d", snap.Proxy.Port)
	}
	if snap.Cache.RedisURL != "redis://original:6379/0" {
		t.Fatalf("redis url hot-swapped: %q", snap.Cache.RedisURL)
	}
	if snap.Wayback.TargetDate != "19991231" || snap.Wayback.DateToleranceDays != 30 {
		t.Fatalf("wayback not swapped: %+v", snap.Wayback)
	}
	if snap.Throttle.DefaultSpeed != "56k" {
		t.Fatalf("throttle not swapped: %+v", snap.Throttle)
	}
	if !snap.HeaderBar.Enabled || snap.HeaderBar.CustomText != "hello" {
		t.Fatalf("header bar not swapped: %+v", snap.HeaderBar)
	}
	if snap.LandingPage.Enabled {
		t.Fatal("landing page toggle not swapped")
	}
	if snap.Access.Mode != "allowlist" {
		t.Fatalf("access mode not swapped: %q", snap.Access.Mode)
	}
	if snap.Admin.Password != "newpw" {
		t.Fatalf("admin password not swapped: %q", snap.Admin.Password)
	}

	// Same date on a second reload reports no change.
	if cfg.ApplyReload(next) {
		t.Fatal("unchanged date reported as changed")
	}
}
