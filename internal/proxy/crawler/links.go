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

package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// extractLinks walks the HTML token stream and collects child URLs.
// Anchor targets are kept only when they resolve to seedDomain (if
// sameDomainOnly); asset references (img/script src, link href) are
// kept regardless of domain.
func extractLinks(content []byte, baseURL, seedDomain string, sameDomainOnly bool) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []string
	z := html.NewTokenizer(bytes.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := z.TagName()
		if !hasAttr {
			continue
		}

		var ref string
		var isAnchor bool
		switch string(name) {
		case "a":
			ref, isAnchor = attrValue(z, "href"), true
		case "img", "script":
			ref = attrValue(z, "src")
		case "link":
			ref = attrValue(z, "href")
		default:
			continue
		}

		resolved := resolveURL(base, ref)
		if resolved == "" {
			continue
		}
		if isAnchor && sameDomainOnly && hostOf(resolved) != seedDomain {
			continue
		}
		links = append(links, resolved)
	}
}

// attrValue scans the current tag's attributes for the named one.
func attrValue(z *html.Tokenizer, name string) string {
	for {
		key, val, more := z.TagAttr()
		if string(key) == name {
			return strings.TrimSpace(string(val))
		}
		if !more {
			return ""
		}
	}
}

// resolveURL joins a raw reference against the base, filtering anchors,
// non-web schemes, and fragments.
func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "#") ||
		strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "data:") {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
