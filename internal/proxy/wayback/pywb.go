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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/telemetry"
)

// PywbClient fetches archived pages from a pywb replay instance. It
// serves pre-cleaned content: responses are flagged neither for
// transformation nor for re-caching, because pywb cannot re-derive the
// delivery modifiers the hot tier would need.
type PywbClient struct {
	baseURL       string
	collection    string
	targetDate    string
	toleranceDays int
	httpClient    *http.Client

	reTimestamp *regexp.Regexp
	reOriginal  *regexp.Regexp
}

// NewPywbClient builds a replay-instance client.
func NewPywbClient(baseURL, collection, targetDate string, toleranceDays int) *PywbClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &PywbClient{
		baseURL:       baseURL,
		collection:    collection,
		targetDate:    targetDate,
		toleranceDays: toleranceDays,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		reTimestamp: regexp.MustCompile(`/` + regexp.QuoteMeta(collection) + `/(\d+)`),
		reOriginal: regexp.MustCompile(
			`^https?://[^/]+/` + regexp.QuoteMeta(collection) + `/\d+[a-z_]*/(.+)`),
	}
}

func (p *PywbClient) Name() string {
	return fmt.Sprintf("pywb(%s/%s)", p.baseURL, p.collection)
}

func (p *PywbClient) IsLive() bool { return false }

// Close releases idle connections.
func (p *PywbClient) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// UpdateDateConfig swaps the target date and tolerance.
func (p *PywbClient) UpdateDateConfig(targetDate string, toleranceDays int) {
	p.targetDate = targetDate
	p.toleranceDays = toleranceDays
}

func (p *PywbClient) buildURL(target string) string {
	// id_ requests identity (unmodified) replay.
	return fmt.Sprintf("%s/%s/%sid_/%s", p.baseURL, p.collection, p.targetDate, target)
}

// Fetch retrieves a URL from the replay instance. Same-host redirects
// are internal and followed; different-host redirects are returned to
// the caller with the original URL extracted from the replay prefix.
func (p *PywbClient) Fetch(ctx context.Context, target string) (*Response, error) {
	telemetry.RecordUpstreamFetch("pywb")

	pywbURL := p.buildURL(target)
	baseHost := hostOf(p.baseURL)

	for hops := 0; hops < maxRedirects; hops++ {
		status, headers, body, err := p.get(ctx, pywbURL)
		if err != nil {
			fmt.Printf("[PYWB] Failed to fetch %s: %v\n", target, err)
			return nil, nil
		}

		if isRedirectStatus(status) {
			location := headers["location"]
			if location == "" {
				break
			}
			if strings.HasPrefix(location, "/") {
				location = p.baseURL + location
			}

			if hostOf(location) == baseHost {
				pywbURL = location
				continue
			}

			if archivedURL := p.extractOriginalURL(location); archivedURL != "" {
				fmt.Printf("[PYWB] Redirect %s -> %s\n", target, archivedURL)
				return &Response{
					StatusCode:     status,
					Headers:        map[string]string{"location": archivedURL},
					Content:        nil,
					ContentType:    "text/html",
					ArchivedURL:    target,
					Timestamp:      padTimestamp(p.targetDate),
					NeedsTransform: false,
					Cacheable:      false,
				}, nil
			}
			break
		}

		if status == http.StatusNotFound {
			return nil, nil
		}
		if status >= 400 && len(body) == 0 {
			fmt.Printf("[PYWB] %d for %s\n", status, target)
			return nil, nil
		}

		contentType := headers["content-type"]
		if contentType == "" {
			contentType = "text/html"
		}

		return &Response{
			StatusCode:     status,
			Headers:        headers,
			Content:        body,
			ContentType:    contentType,
			ArchivedURL:    target,
			Timestamp:      p.extractTimestamp(pywbURL),
			NeedsTransform: false,
			Cacheable:      false,
		}, nil
	}

	fmt.Printf("[PYWB] Too many redirects for %s\n", target)
	return nil, nil
}

func (p *PywbClient) get(ctx context.Context, rawURL string) (int, map[string]string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
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

func (p *PywbClient) extractTimestamp(pywbURL string) string {
	if m := p.reTimestamp.FindStringSubmatch(pywbURL); m != nil {
		return padTimestamp(m[1])
	}
	return padTimestamp(p.targetDate)
}

func (p *PywbClient) extractOriginalURL(redirectURL string) string {
	if m := p.reOriginal.FindStringSubmatch(redirectURL); m != nil {
		return m[1]
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
