package cache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	resp := &CachedResponse{
		StatusCode:  200,
		Headers:     map[string]string{"content-type": "text/html", "link": "<x>; rel=memento"},
		Content:     []byte{0x00, 0x01, 0xfe, 0xff, 'h', 'i'},
		ContentType: "text/html",
		ArchivedURL: "http://example.com/",
		Timestamp:   "20010101000000",
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := decodeResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StatusCode != resp.StatusCode {
		t.Fatalf("status: got %d want %d", got.StatusCode, resp.StatusCode)
	}
	if !bytes.Equal(got.Content, resp.Content) {
		t.Fatalf("content not bytes-exact: got %v want %v", got.Content, resp.Content)
	}
	if got.ArchivedURL != resp.ArchivedURL || got.Timestamp != resp.Timestamp || got.ContentType != resp.ContentType {
		t.Fatalf("field mismatch: %+v", got)
	}
	if got.Headers["link"] != resp.Headers["link"] {
		t.Fatalf("headers mismatch: %+v", got.Headers)
	}
}

func TestEnvelopeContentIsBase64(t *testing.T) {
	resp := &CachedResponse{Content: []byte("hello"), Headers: map[string]string{}}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	enc, ok := envelope["content"].(string)
	if !ok {
		t.Fatalf("content field is %T, want base64 string", envelope["content"])
	}
	decoded, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("content is not valid base64: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("got %q want %q", decoded, "hello")
	}

	// Schema field names are shared with external collaborators.
	for _, field := range []string{"status_code", "headers", "content", "content_type", "archived_url", "timestamp"} {
		if _, ok := envelope[field]; !ok {
			t.Fatalf("envelope missing field %q", field)
		}
	}
}

func TestHeaderCaseInsensitive(t *testing.T) {
	resp := &CachedResponse{Headers: map[string]string{"Content-Type": "text/css"}}
	if got := resp.Header("content-type"); got != "text/css" {
		t.Fatalf("got %q want %q", got, "text/css")
	}
	if got := resp.Header("CONTENT-TYPE"); got != "text/css" {
		t.Fatalf("got %q want %q", got, "text/css")
	}
	if got := resp.Header("missing"); got != "" {
		t.Fatalf("got %q want empty", got)
	}
}

func TestProgressJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Progress{Fetched: 1, Total: 2, Errors: 3, CurrentURL: "http://a/"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"fetched":1,"total":2,"errors":3,"current_url":"http://a/"}`
	if string(data) != want {
		t.Fatalf("got %s want %s", data, want)
	}
}
