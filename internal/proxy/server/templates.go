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

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/config"
	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/throttle"
)

// errorDescriptions are the default per-code descriptions.
var errorDescriptions = map[int]string{
	400: "The request could not be understood by the proxy.",
	403: "This URL is not in the allowlist.",
	404: "This page was not found in the Wayback Machine's archive.",
	500: "An unexpected error occurred in the proxy.",
	501: "This feature is not yet implemented.",
	502: "The Wayback Machine could not be reached.",
	503: "The proxy is temporarily unable to serve this request.",
}

// Fallback templates used when no template files are available. The
// $name placeholders match the operator-supplied template files.
const fallbackErrorTemplate = "<html><body><h1>$code $message</h1><p>$description</p>" +
	"<hr><small>$url &middot; $date</small></body></html>"

const fallbackLandingTemplate = "<html><body><h1>Wayback Proxy</h1>" +
	"<p>Target date: $date</p>$most_viewed</body></html>"

// defaultHeaderBarSnippet renders the overlay bar. Styling is inline so
// the bar survives period stylesheets untouched.
const defaultHeaderBarSnippet = `<div id="wbHeaderBar" style="position:fixed;left:0;right:0;$position_css;z-index:99999;
background:#0e0e1a;color:#e0e0e0;border-$border_edge:1px solid #505070;
font-family:Courier New,monospace;font-size:11px;padding:3px 8px;$custom_css">
<span style="color:#c0c0ff">$wayback_date</span>
&nbsp;<span>$wayback_url</span>
&nbsp;<span style="float:right">$speed_display&nbsp;$custom_text</span>
</div>
<script>
<!--
if(document.body)document.body.style.$padding_prop="22px";
$speed_selector
// -->
</script>`

// renderTemplate substitutes $name placeholders. Longer names are
// replaced first so $speed never clips $speed_info.
func renderTemplate(tpl string, vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	pairs := make([]string, 0, len(vars)*2)
	for _, name := range names {
		pairs = append(pairs, "$"+name, vars[name])
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// templateSet holds the loaded page templates.
type templateSet struct {
	errorPages   map[int]string // per-code overrides
	defaultError string         // error.html, "" = fallback
	landing      string         // index.html, "" = fallback
	headerBar    string
}

// loadTemplates reads operator template files, falling back to the
// built-in versions for anything missing.
func loadTemplates(s *config.Settings) *templateSet {
	t := &templateSet{
		errorPages: make(map[int]string),
		headerBar:  defaultHeaderBarSnippet,
	}

	if dir := s.Proxy.ErrorPagesDir; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			fmt.Printf("[PROXY] No error_pages directory found, using fallback template\n")
		} else {
			fmt.Printf("[PROXY] Loading error templates from %s\n", dir)
			for _, entry := range entries {
				name := entry.Name()
				if filepath.Ext(name) != ".html" {
					continue
				}
				data, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					continue
				}
				if name == "error.html" {
					t.defaultError = string(data)
					fmt.Printf("[PROXY]   Loaded default: error.html\n")
					continue
				}
				if code, err := strconv.Atoi(strings.TrimSuffix(name, ".html")); err == nil {
					t.errorPages[code] = string(data)
					fmt.Printf("[PROXY]   Loaded template: %s\n", name)
				}
			}
		}
	}

	if s.LandingPage.Enabled && s.LandingPage.TemplateDir != "" {
		path := filepath.Join(s.LandingPage.TemplateDir, "index.html")
		if data, err := os.ReadFile(path); err == nil {
			t.landing = string(data)
			fmt.Printf("[PROXY] Loaded landing page from %s\n", s.LandingPage.TemplateDir)
		} else {
			fmt.Printf("[PROXY] No landing_page directory found, using fallback\n")
		}
	}

	return t
}

// renderErrorPage renders the error page for a status code.
func (t *templateSet) renderErrorPage(code int, message, url, description, date string) []byte {
	if description == "" {
		description = errorDescriptions[code]
		if description == "" {
			description = message
		}
	}

	tpl := t.errorPages[code]
	if tpl == "" {
		tpl = t.defaultError
	}
	if tpl == "" {
		tpl = fallbackErrorTemplate
	}

	return []byte(renderTemplate(tpl, map[string]string{
		"code":        strconv.Itoa(code),
		"message":     message,
		"description": description,
		"url":         url,
		"date":        date,
	}))
}

// renderLandingPage renders the proxy's own landing page.
func (t *templateSet) renderLandingPage(s *config.Settings, mostViewedHTML string) []byte {
	speed := s.Throttle.DefaultSpeed
	speedName := speed
	if speed == "none" {
		speedName = "unlimited"
	}

	customText := ""
	if s.HeaderBar.CustomText != "" {
		customText = `<p class="custom-text">` + s.HeaderBar.CustomText + `</p>`
	}

	speedInfo := ""
	if speed != "none" {
		speedInfo = `<p class="speed-info">Connection speed: <span>` + speedName + `</span></p>`
	}

	tpl := t.landing
	if tpl == "" {
		tpl = fallbackLandingTemplate
	}

	return []byte(renderTemplate(tpl, map[string]string{
		"date":        s.Wayback.TargetDate,
		"most_viewed": mostViewedHTML,
		"custom_text": customText,
		"speed_info":  speedInfo,
		"speed":       speedName,
	}))
}

// renderHeaderBar renders the overlay bar HTML for injection.
func (t *templateSet) renderHeaderBar(s *config.Settings, waybackURL, waybackDate, speed string) string {
	cfg := s.HeaderBar
	isTop := cfg.Position == "top"

	speedName := speed
	if speed == "none" {
		speedName = "unlimited"
	}
	speedDisplay := "Speed: " + speedName

	speedSelector := ""
	if cfg.ShowSpeedSelector && s.Throttle.AllowUserOverride {
		var options strings.Builder
		for _, tier := range throttle.TierNames {
			selected := ""
			if tier == speed {
				selected = " selected"
			}
			label := tier
			if tier == "none" {
				label = "unlimited"
			}
			fmt.Fprintf(&options, `<option value="%s"%s>%s</option>`, tier, selected, label)
		}

		speedDisplay = `Speed: <select id="wbSpeedSel" ` +
			`style="font-family:Courier New,monospace;font-size:11px;` +
			`background:#12122a;color:#e0e0e0;border:1px solid #505070">` +
			options.String() + `</select>`

		// IE4-compatible onchange wiring.
		speedSelector = `var sel=document.getElementById("wbSpeedSel");
if(sel){
  sel.onchange=function(){
    var v=sel.options[sel.selectedIndex].value;
    document.cookie="` + s.Throttle.CookieName + `="+v+";path=/";
    location.reload();
  };
}
`
	}

	vars := map[string]string{
		"position_css":   "top:0",
		"border_edge":    "bottom",
		"padding_prop":   "paddingTop",
		"custom_css":     cfg.CustomCSS,
		"custom_text":    cfg.CustomText,
		"wayback_url":    waybackURL,
		"wayback_date":   waybackDate,
		"speed_name":     speedName,
		"speed_display":  speedDisplay,
		"speed_selector": speedSelector,
	}
	if !isTop {
		vars["position_css"] = "bottom:0"
		vars["border_edge"] = "top"
		vars["padding_prop"] = "paddingBottom"
	}

	return renderTemplate(t.headerBar, vars)
}
