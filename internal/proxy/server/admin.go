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
	"context"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/zkmkarlsruhe/wayback-cache-proxy/internal/proxy/cache"
)

// Crawl control signals the pipeline acts on before redirecting.
const (
	signalStartCrawl = "START_CRAWL"
	signalRecrawl    = "RECRAWL"
)

// adminResult is what the admin handler hands back to the pipeline.
// Either signal is set (pipeline launches the crawler and redirects),
// or location is set (303), or status/contentType/body describe a page.
type adminResult struct {
	status      int
	contentType string
	location    string
	body        []byte
	signal      string
}

// AdminHandler serves the /_admin/ dashboard and its POST actions.
type AdminHandler struct {
	store Store
}

// NewAdminHandler builds an admin handler over the store.
func NewAdminHandler(store Store) *AdminHandler {
	return &AdminHandler{store: store}
}

// Handle dispatches one admin request.
func (a *AdminHandler) Handle(ctx context.Context, method, path string, form url.Values) adminResult {
	if method == "GET" && (path == "/_admin/" || path == "/_admin") {
		return a.dashboard(ctx)
	}

	if method == "POST" {
		switch path {
		case "/_admin/crawl/add":
			return a.addSeed(ctx, form)
		case "/_admin/crawl/remove":
			return a.removeSeed(ctx, form)
		case "/_admin/crawl/start":
			return adminResult{signal: signalStartCrawl}
		case "/_admin/crawl/stop":
			return a.stopCrawl(ctx)
		case "/_admin/crawl/clear-log":
			return a.clearLog(ctx)
		case "/_admin/crawl/recrawl":
			return adminResult{signal: signalRecrawl}
		case "/_admin/cache/clear-hot":
			return a.clearHot(ctx)
		case "/_admin/cache/delete":
			return a.deleteURL(ctx, form)
		}
	}

	return adminResult{status: 404, contentType: "text/html; charset=utf-8", body: []byte("<h1>404 Not Found</h1>")}
}

func (a *AdminHandler) dashboard(ctx context.Context) adminResult {
	seeds, _ := a.store.GetSeeds(ctx)
	status, _ := a.store.GetCrawlStatus(ctx)
	logLines, _ := a.store.GetCrawlLog(ctx, 100)
	stats, _ := a.store.GetStats(ctx)

	var seedRows strings.Builder
	for _, seed := range seeds {
		escURL := html.EscapeString(seed.URL)
		fmt.Fprintf(&seedRows,
			`<tr>`+
				`<td style="padding:4px 8px">%s</td>`+
				`<td style="padding:4px 8px;text-align:center">%d</td>`+
				`<td style="padding:4px 8px">`+
				`<form method="POST" action="/_admin/crawl/remove" style="margin:0">`+
				`<input type="hidden" name="url" value="%s">`+
				`<input type="submit" value="Remove" style="background:#802020;color:#fff;`+
				`border:1px solid #a04040;padding:2px 8px;cursor:pointer">`+
				`</form></td>`+
				`</tr>`,
			escURL, seed.Depth, escURL)
	}
	if len(seeds) == 0 {
		seedRows.WriteString(
			`<tr><td colspan="3" style="padding:8px;color:#888">No seeds configured.</td></tr>`)
	}

	progressHTML := fmt.Sprintf("<p>Fetched: %d / %d &nbsp; Errors: %d</p>",
		status.Progress.Fetched, status.Progress.Total, status.Progress.Errors)
	if cur := status.Progress.CurrentURL; cur != "" {
		progressHTML += "<p>Current: <code>" + html.EscapeString(cur) + "</code></p>"
	}

	stateColor := map[string]string{
		cache.StateIdle:     "#888",
		cache.StateRunning:  "#4a4",
		cache.StateStopping: "#c84",
	}[status.State]
	if stateColor == "" {
		stateColor = "#888"
	}

	logHTML := "(empty)"
	if len(logLines) > 0 {
		logHTML = html.EscapeString(strings.Join(logLines, "\n"))
	}

	var crawlButtons string
	if status.State == cache.StateRunning {
		crawlButtons = `<form method="POST" action="/_admin/crawl/stop" style="display:inline">` +
			`<input type="submit" value="Stop Crawl" style="background:#804020;color:#fff;` +
			`border:1px solid #a06040;padding:4px 12px;cursor:pointer;margin-right:8px">` +
			`</form>`
	} else {
		crawlButtons = `<form method="POST" action="/_admin/crawl/start" style="display:inline">` +
			`<input type="submit" value="Start Crawl" style="background:#206040;color:#fff;` +
			`border:1px solid #40a060;padding:4px 12px;cursor:pointer;margin-right:8px">` +
			`</form>` +
			`<form method="POST" action="/_admin/crawl/recrawl" style="display:inline">` +
			`<input type="submit" value="Recrawl (force)" style="background:#604020;color:#fff;` +
			`border:1px solid #906030;padding:4px 12px;cursor:pointer;margin-right:8px">` +
			`</form>`
	}

	page := `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<noscript><meta http-equiv="refresh" content="5"></noscript>
<title>Wayback Proxy Admin</title>
<style>
body { background:#0e0e1a; color:#e0e0e0; font-family:monospace; margin:20px; }
h1 { color:#c0c0ff; }
h2 { color:#a0a0d0; margin-top:24px; }
table { border-collapse:collapse; }
table th, table td { border:1px solid #404060; }
th { background:#1a1a2e; padding:4px 8px; }
input[type=text] {
  background:#12122a; color:#e0e0e0; border:1px solid #505070;
  padding:4px 8px; font-family:monospace; width:400px;
}
pre {
  background:#0a0a16; border:1px solid #303050; padding:8px;
  max-height:300px; overflow-y:auto; font-size:12px; white-space:pre-wrap;
}
a { color:#8080ff; }
</style>
</head>
<body>
<h1 style="display:inline">Wayback Proxy Admin</h1>
<button id="autoRefreshBtn" style="margin-left:16px;background:#333;color:#ccc;border:1px solid #555;padding:4px 12px;cursor:pointer;font-family:monospace;font-size:12px;vertical-align:middle">Auto-Refresh: OFF</button>

<h2>Crawl Seeds</h2>
<table>
<tr><th>URL</th><th>Depth</th><th></th></tr>
<tbody id="seedRows">` + seedRows.String() + `</tbody>
</table>

<form method="POST" action="/_admin/crawl/add" style="margin-top:8px">
<input type="text" name="url" placeholder="http://example.com  or  http://example.com|3">
<input type="submit" value="Add Seed" style="background:#203060;color:#fff;border:1px solid #406090;padding:4px 12px;cursor:pointer">
</form>

<h2>Crawl Status</h2>
<div id="crawlStatus">
<p>State: <strong style="color:` + stateColor + `">` + html.EscapeString(status.State) + `</strong></p>
` + progressHTML + `
` + crawlButtons + `
</div>

<h2>Crawl Log</h2>
<form method="POST" action="/_admin/crawl/clear-log" style="margin-bottom:4px">
<input type="submit" value="Clear Log" style="background:#333;color:#ccc;border:1px solid #555;padding:2px 8px;cursor:pointer">
</form>
<pre id="crawlLog">` + logHTML + `</pre>

<h2>Cache</h2>
<div id="cacheStatus">
<p>Curated: <strong>` + strconv.Itoa(stats.CuratedCount) + `</strong> &nbsp; Hot: <strong>` + strconv.Itoa(stats.HotCount) + `</strong></p>
</div>
<form method="POST" action="/_admin/cache/delete" style="margin-top:8px">
<input type="text" name="url" placeholder="http://example.com/page.html">
<input type="submit" value="Delete from Cache" style="background:#802020;color:#fff;border:1px solid #a04040;padding:4px 12px;cursor:pointer">
</form>
<form method="POST" action="/_admin/cache/clear-hot" style="margin-top:8px;display:inline">
<input type="submit" value="Clear All Hot Cache" style="background:#802020;color:#fff;border:1px solid #a04040;padding:4px 12px;cursor:pointer" onclick="return confirm('Clear all hot cache entries?')">
</form>

<script>
<!--
var btn=document.getElementById("autoRefreshBtn");
if(btn){
  var ids=["seedRows","crawlStatus","crawlLog","cacheStatus"];
  var timer=null;
  var on=false;

  function wbUpdate(){
    var xhr;
    if(window.XMLHttpRequest){
      xhr=new XMLHttpRequest();
    }else{
      try{ xhr=new ActiveXObject("Microsoft.XMLHTTP"); }catch(e){ return; }
    }
    xhr.open("GET","/_admin/",true);
    xhr.onreadystatechange=function(){
      if(xhr.readyState!=4||xhr.status!=200) return;
      var tmp=document.createElement("div");
      tmp.innerHTML=xhr.responseText;
      for(var i=0;i<ids.length;i++){
        var live=document.getElementById(ids[i]);
        if(!live) continue;
        var all=tmp.getElementsByTagName("*");
        for(var j=0;j<all.length;j++){
          if(all[j].id==ids[i]){
            live.innerHTML=all[j].innerHTML;
            break;
          }
        }
      }
    };
    xhr.send(null);
  }

  btn.onclick=function(){
    if(on){
      on=false;
      btn.style.background="#333";
      btn.style.borderColor="#555";
      btn.innerHTML="Auto-Refresh: OFF";
      if(timer) clearInterval(timer);
      timer=null;
    }else{
      on=true;
      btn.style.background="#206040";
      btn.style.borderColor="#40a060";
      btn.innerHTML="Auto-Refresh: ON";
      wbUpdate();
      timer=setInterval(wbUpdate,5000);
    }
  };
}
// -->
</script>
</body>
</html>`

	return adminResult{status: 200, contentType: "text/html; charset=utf-8", body: []byte(page)}
}

// addSeed accepts "url" or "url|depth" (default depth 1).
func (a *AdminHandler) addSeed(ctx context.Context, form url.Values) adminResult {
	raw := strings.TrimSpace(form.Get("url"))
	if raw == "" {
		return redirectResult("/_admin/")
	}

	seedURL := raw
	depth := 1
	if idx := strings.LastIndex(raw, "|"); idx >= 0 {
		seedURL = strings.TrimSpace(raw[:idx])
		if n, err := strconv.Atoi(raw[idx+1:]); err == nil && n >= 0 {
			depth = n
		}
	}

	if seedURL != "" {
		_ = a.store.AddSeed(ctx, seedURL, depth)
	}
	return redirectResult("/_admin/")
}

func (a *AdminHandler) removeSeed(ctx context.Context, form url.Values) adminResult {
	if u := strings.TrimSpace(form.Get("url")); u != "" {
		_ = a.store.RemoveSeed(ctx, u)
	}
	return redirectResult("/_admin/")
}

// stopCrawl flips a running crawl to stopping; the crawler observes the
// state between batches.
func (a *AdminHandler) stopCrawl(ctx context.Context) adminResult {
	status, err := a.store.GetCrawlStatus(ctx)
	if err == nil && status.State == cache.StateRunning {
		_ = a.store.SetCrawlStatus(ctx, cache.StateStopping, status.Progress)
	}
	return redirectResult("/_admin/")
}

func (a *AdminHandler) clearLog(ctx context.Context) adminResult {
	_ = a.store.ClearCrawlLog(ctx)
	return redirectResult("/_admin/")
}

func (a *AdminHandler) clearHot(ctx context.Context) adminResult {
	_, _ = a.store.ClearHot(ctx)
	return redirectResult("/_admin/")
}

func (a *AdminHandler) deleteURL(ctx context.Context, form url.Values) adminResult {
	if u := strings.TrimSpace(form.Get("url")); u != "" {
		_ = a.store.Delete(ctx, u, cache.TierBoth)
	}
	return redirectResult("/_admin/")
}

func redirectResult(location string) adminResult {
	return adminResult{status: 303, location: location}
}
