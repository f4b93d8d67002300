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

package wayback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
)

const (
	maxRedirects   = 10
	requestTimeout = 30 * time.Second
	userAgent      = "WaybackProxy/1.0"
)

// Replay-layer page markers and URL shapes.
var (
	rePlaybackIframe = regexp.MustCompile(
		`<iframe id="playback" src="((?:(?:https?:)?//web\.archive\.org)?/web/[^"]+)"`)
	reImpatientLink = regexp.MustCompile(
		`<p class="impatient"><a href="(?:(?:https?:)?//web\.archive\.org)?/web/([^/]+)/([^"]+)">Impatient\?</a></p>`)
	reRedirectCode = regexp.MustCompile(
		`<p class="code shift red">Got an HTTP ([0-9]+)`)
	reWaybackRedirect = regexp.MustCompile(
		`(?:(?:https?:)?//web\.archive\.org)?/web/([^/]+/)(.+)`)
	rePort80 = regexp.MustCompile(
		`^([^/]*//[^/:]+):80/`)
	reReplayURL = regexp.MustCompile(
		`(https?://web\.archive\.org/web/[0-9]+)([^/]*)(/.+)`)
)

// GeoCities hosts rerouted through the OoCities mirror.
var geocitiesHosts = map[string]bool{
	"www.geocities.com": true,
	"geocities.com":     true,
}

const oocitiesHost = "www.oocities.org"

var (
	titleWayback   = []byte("<title>Wayback Machine</title>")
	titleEmpty     = []byte("<title></title>")
	markerWayback  = []byte("Wayback Machine")
	markerExcluded = []byte("This URL has been excluded from the Wayback Machine")
)

// Client fetches archived pages from the Wayback Machine, resolving
// replay redirects, special pages, and content-mode modifiers.
type Client struct {
	targetDate    string
	toleranceDays int
	baseURL       string
	geocitiesFix  bool
	httpClient    *http.Client
}

// NewClient builds a live archive client from the wayback settings.
func NewClient(s config.WaybackSettings) *Client {
	return &Client{
		targetDate:    s.TargetDate,
		toleranceDays: s.DateToleranceDays,
		baseURL:       strings.TrimRight(s.BaseURL, "/"),
		geocitiesFix:  s.GeocitiesFix,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse // redirects are handled manually
			},
		},
	}
}

func (c *Client) Name() string { return "wayback" }

func (c *Client) IsLive() bool { return true }

// Close releases idle upstream connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// UpdateDateConfig swaps the target date and tolerance.
func (c *Client) UpdateDateConfig(targetDate string, toleranceDays int) {
	c.targetDate = targetDate
	c.toleranceDays = toleranceDays
}

func (c *Client) buildReplayURL(target, modifier string) string {
	return fmt.Sprintf("%s/web/%s%s/%s", c.baseURL, c.targetDate, modifier, target)
}

// applyGeocitiesFix routes GeoCities URLs through the OoCities mirror.
func (c *Client) applyGeocitiesFix(raw string) string {
	if !c.geocitiesFix {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || !geocitiesHosts[strings.ToLower(u.Host)] {
		return raw
	}
	u.Host = oocitiesHost
	fixed := u.String()
	fmt.Printf("[GEOCITIES] Rerouted to %s\n", fixed)
	return fixed
}

// Fetch retrieves a URL through the replay layer. A miss — 4xx without
// a memento Link header, an exclusion notice, a network failure, or
// redirect-hop exhaustion — is (nil, nil).
func (c *Client) Fetch(ctx context.Context, target string) (*Response, error) {
	telemetry.RecordUpstreamFetch(c.Name())

	fetchURL := c.applyGeocitiesFix(target)
	replayURL := c.buildReplayURL(fetchURL, "if_")

	for hops := 0; hops < maxRedirects; hops++ {
		status, headers, body, err := c.get(ctx, replayURL)
		if err != nil {
			fmt.Printf("[WAYBACK] Failed to fetch %s: %v\n", target, err)
			return nil, nil
		}

		if isRedirectStatus(status) {
			location := headers["location"]
			if location == "" {
				break
			}

			// A redirect to a different archived URL is surfaced to the
			// caller rather than followed.
			if m := reWaybackRedirect.FindStringSubmatch(location); m != nil {
				archivedDest := rePort80.ReplaceAllString(m[2], "${1}/")
				if archivedDest != fetchURL && archivedDest != target {
					fmt.Printf("[REDIRECT] %s -> %s\n", target, archivedDest)
					return &Response{
						StatusCode:     status,
						Headers:        map[string]string{"location": archivedDest},
						Content:        nil,
						ContentType:    "text/html",
						ArchivedURL:    target,
						Timestamp:      c.extractTimestamp(location),
						NeedsTransform: true,
						Cacheable:      true,
					}, nil
				}
			}

			// Same-site redirect (different date or modifier): follow.
			if strings.HasPrefix(location, "/") {
				replayURL = c.baseURL + location
			} else {
				replayURL = location
			}
			continue
		}

		// 4xx/5xx without a memento Link header is a replay-layer miss;
		// with one it is a preserved site-origin error.
		if status >= 400 {
			if _, ok := headers["link"]; !ok {
				fmt.Printf("[WAYBACK] %d for %s\n", status, target)
				return nil, nil
			}
		}

		contentType := headers["content-type"]
		if contentType == "" {
			contentType = "text/html"
		}
		guessedType := headers["x-archive-guessed-content-type"]
		if guessedType == "" {
			guessedType = contentType
		}

		// The replay layer injects its own JS into anything it thinks is
		// JavaScript; re-fetch with the im_ modifier for clean content.
		if strings.Contains(guessedType, "javascript") {
			if m := reReplayURL.FindStringSubmatch(replayURL); m != nil && m[2] != "im_" {
				replayURL = m[1] + "im_" + m[3]
				fmt.Printf("[JS-BYPASS] Re-fetching with im_ modifier: %s\n", target)
				continue
			}
		}

		if strings.Contains(guessedType, "text/html") {
			switch page := c.detectSpecialPage(body, target); {
			case page == nil:
				// normal content
			case page.excluded:
				fmt.Printf("[WAYBACK] URL excluded: %s\n", target)
				return nil, nil
			case page.refetchURL != "":
				replayURL = page.refetchURL
				fmt.Printf("[IFRAME] Extracting content from iframe: %s\n", target)
				continue
			case page.redirect != nil:
				return page.redirect, nil
			}
		}

		return &Response{
			StatusCode:     status,
			Headers:        headers,
			Content:        body,
			ContentType:    contentType,
			ArchivedURL:    target,
			Timestamp:      c.extractTimestamp(replayURL),
			NeedsTransform: true,
			Cacheable:      true,
		}, nil
	}

	fmt.Printf("[WAYBACK] Too many redirects for %s\n", target)
	return nil, nil
}

// FetchRaw retrieves unmodified content with the id_ modifier,
// bypassing the special-page logic entirely.
func (c *Client) FetchRaw(ctx context.Context, target string) (*Response, error) {
	replayURL := c.buildReplayURL(target, "id_")

	status, headers, body, err := c.get(ctx, replayURL)
	if err != nil {
		fmt.Printf("[WAYBACK] Failed to fetch raw %s: %v\n", target, err)
		return nil, nil
	}

	contentType := headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Response{
		StatusCode:     status,
		Headers:        headers,
		Content:        body,
		ContentType:    contentType,
		ArchivedURL:    target,
		Timestamp:      padTimestamp(c.targetDate),
		NeedsTransform: true,
		Cacheable:      true,
	}, nil
}

// get performs one GET without following redirects. Header names come
// back lowercased.
func (c *Client) get(ctx context.Context, rawURL string) (int, map[string]string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return resp.StatusCode, headers, body, nil
}

// specialPage is the outcome of the special-page detector. A nil
// *specialPage means normal content.
type specialPage struct {
	excluded   bool
	refetchURL string
	redirect   *Response
}

// detectSpecialPage recognizes replay-layer pages that are not archived
// content: exclusion notices, playback iframes, and "Impatient?"
// redirect pages.
func (c *Client) detectSpecialPage(body []byte, target string) *specialPage {
	if !bytes.Contains(body, titleWayback) {
		if !bytes.Contains(body, titleEmpty) || !bytes.Contains(body, markerWayback) {
			return nil
		}
	}

	if bytes.Contains(body, markerExcluded) {
		return &specialPage{excluded: true}
	}

	if m := rePlaybackIframe.FindSubmatch(body); m != nil {
		iframeURL := string(m[1])
		if strings.HasPrefix(iframeURL, "/") {
			iframeURL = c.baseURL + iframeURL
		}
		return &specialPage{refetchURL: iframeURL}
	}

	if m := reImpatientLink.FindSubmatch(body); m != nil {
		dateCode := string(m[1])
		archivedURL := string(m[2])

		// Ensure a scheme, and downgrade https for period-accurate clients.
		if !strings.Contains(archivedURL, "://") && !strings.HasPrefix(archivedURL, "/") {
			archivedURL = "http://" + archivedURL
		} else if strings.HasPrefix(archivedURL, "https://") {
			archivedURL = "http://" + archivedURL[len("https://"):]
		}

		code := 302
		if cm := reRedirectCode.FindSubmatch(body); cm != nil {
			if n, err := strconv.Atoi(string(cm[1])); err == nil {
				code = n
			}
		}

		fmt.Printf("[REDIRECT] Wayback redirect page: %s -> %s\n", target, archivedURL)
		return &specialPage{redirect: &Response{
			StatusCode:     code,
			Headers:        map[string]string{"location": archivedURL},
			Content:        nil,
			ContentType:    "text/html",
			ArchivedURL:    target,
			Timestamp:      padTimestamp(digitsOnly(dateCode)),
			NeedsTransform: true,
			Cacheable:      true,
		}}
	}

	return nil
}

// extractTimestamp pulls the timestamp component out of a replay URL,
// falling back to the target date. The result is padded to 14 digits.
func (c *Client) extractTimestamp(replayURL string) string {
	if _, rest, ok := strings.Cut(replayURL, "/web/"); ok {
		seg, _, _ := strings.Cut(rest, "/")
		if ts := digitsOnly(seg); ts != "" {
			return padTimestamp(ts)
		}
	}
	return padTimestamp(c.targetDate)
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() > 14 {
		return b.String()[:14]
	}
	return b.String()
}

// padTimestamp right-pads a timestamp with zeros to YYYYMMDDhhmmss.
func padTimestamp(ts string) string {
	if len(ts) >= 14 {
		return ts[:14]
	}
	return ts + strings.Repeat("0", 14-len(ts))
}
