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
	"regexp"
	"strings"
)

// Patterns that strip the replay layer out of archived content. The
// archive host is fixed: replay URLs always point at web.archive.org
// regardless of which mirror served them.
var (
	reToolbar = regexp.MustCompile(
		`(?is)<!-- BEGIN WAYBACK TOOLBAR INSERT -->.*?<!-- END WAYBACK TOOLBAR INSERT -->`)
	reArchiveFooter = regexp.MustCompile(
		`(?s)<!--\s*FILE ARCHIVED ON.*$`)

	// The whole rewrite preamble in one block: script includes, inline
	// __wm config, and the closing comment.
	reRewriteBlock = regexp.MustCompile(
		`(?s)(?:<!-- is_embed=True -->\r?\n?)?<script (?:type="text/javascript" )?src="[^"]*/_static/js/.*?<!-- End Wayback Rewrite JS Include -->\r?\n?`)

	reStaticScript = regexp.MustCompile(
		`(?is)<script[^>]*src="[^"]*/_static/js/[^"]*"[^>]*>.*?</script>`)
	reInlineWM = regexp.MustCompile(
		`(?is)<script[^>]*>.*?__wm\..*?</script>`)
	reWombatScript = regexp.MustCompile(
		`(?is)<script[^>]*src="[^"]*wombat\.js[^"]*"[^>]*>.*?</script>`)
	reWebStaticLink = regexp.MustCompile(
		`(?i)<link[^>]*href="[^"]*web-static\.archive\.org[^"]*"[^>]*/?\s*>`)
	reRewriteComment = regexp.MustCompile(
		`(?i)<!--\s*End Wayback Rewrite JS Include\s*-->\r?\n?`)

	reBaseTag = regexp.MustCompile(
		`(?i)(<base\s+[^>]*href=["']?)(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/(?:https?://)?`)
	reAbsolutePrefix = regexp.MustCompile(
		`(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/`)
	reRelativePrefix = regexp.MustCompile(
		`/web/\d+[a-z_]*/(?:https?://)?`)

	reDoubleHTTP  = regexp.MustCompile(`http://https?://`)
	reDoubleHTTPS = regexp.MustCompile(`https://https?://`)

	reCSSURL = regexp.MustCompile(
		`url\(["']?(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/([^)"']+)["']?\)`)
	reCSSImport = regexp.MustCompile(
		`@import\s+(?:url\s*\()?\s*["']?(?:https?:)?//web\.archive\.org/web/\d+[a-z_]*/([^"')\s]+)["']?\s*\)?`)
	reCSSRelURL = regexp.MustCompile(
		`url\(["']?/web/\d+[a-z_]*/(?:https?://)?([^)"']+)["']?\)`)

	reBodyTag = regexp.MustCompile(`(?i)<body[^>]*>`)
)

// Transformer strips replay-layer artifacts from fetched content. Each
// pass can be toggled independently; the zero value disables all of
// them.
type Transformer struct {
	RemoveToolbar  bool
	RemoveScripts  bool
	FixBaseTags    bool
	FixAssetURLs   bool
	NormalizeLinks bool
}

// NewTransformer returns a Transformer with every pass enabled.
func NewTransformer() *Transformer {
	return &Transformer{
		RemoveToolbar:  true,
		RemoveScripts:  true,
		FixBaseTags:    true,
		FixAssetURLs:   true,
		NormalizeLinks: true,
	}
}

// Transform rewrites content according to its MIME class. HTML and CSS
// are cleaned; everything else passes through untouched.
func (t *Transformer) Transform(content []byte, contentType string) []byte {
	switch {
	case strings.Contains(contentType, "text/html"):
		return t.transformHTML(content)
	case strings.Contains(contentType, "text/css"):
		return t.transformCSS(content)
	default:
		return content
	}
}

func (t *Transformer) transformHTML(content []byte) []byte {
	html := string(content)

	if t.RemoveToolbar {
		html = reToolbar.ReplaceAllString(html, "")
		html = reArchiveFooter.ReplaceAllString(html, "")
	}

	if t.RemoveScripts {
		html = stripFirst(reRewriteBlock, html)
		html = reStaticScript.ReplaceAllString(html, "")
		html = reInlineWM.ReplaceAllString(html, "")
		html = reWombatScript.ReplaceAllString(html, "")
		html = reWebStaticLink.ReplaceAllString(html, "")
		html = reRewriteComment.ReplaceAllString(html, "")
	}

	if t.FixBaseTags {
		html = reBaseTag.ReplaceAllString(html, "${1}http://")
	}

	if t.FixAssetURLs {
		html = reAbsolutePrefix.ReplaceAllString(html, "")
		html = reRelativePrefix.ReplaceAllString(html, "http://")
	}

	if t.NormalizeLinks {
		html = reDoubleHTTP.ReplaceAllString(html, "http://")
		html = reDoubleHTTPS.ReplaceAllString(html, "https://")
	}

	return []byte(html)
}

func (t *Transformer) transformCSS(content []byte) []byte {
	if !t.FixAssetURLs {
		return content
	}
	css := string(content)
	css = reCSSURL.ReplaceAllString(css, `url("${1}")`)
	css = reCSSImport.ReplaceAllString(css, `@import url("${1}")`)
	css = reCSSRelURL.ReplaceAllString(css, `url("${1}")`)
	return []byte(css)
}

// InjectHeaderBar inserts the rendered bar HTML immediately after the
// first <body…> tag, or prepends it when no body tag exists. Injection
// runs after caching so stored bodies stay bar-free.
func (t *Transformer) InjectHeaderBar(content []byte, barHTML string) []byte {
	if barHTML == "" {
		return content
	}
	html := string(content)
	if loc := reBodyTag.FindStringIndex(html); loc != nil {
		return []byte(html[:loc[1]] + "\n" + barHTML + "\n" + html[loc[1]:])
	}
	return []byte(barHTML + "\n" + html)
}

// stripFirst removes only the first match, mirroring a count=1
// substitution.
func stripFirst(re *regexp.Regexp, s string) string {
	if loc := re.FindStringIndex(s); loc != nil {
		return s[:loc[0]] + s[loc[1]:]
	}
	return s
}
