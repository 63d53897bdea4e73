package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
)

func newUpstream(status int, body string, hits *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Server", "upstream/1.0")
		w.Header().Set("X-Request-Id", "abc-123")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

func newProxy(t *testing.T, target string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server, err := New(target, "user:pass")
	if err != nil {
		t.Fatal(err)
	}
	return httptest.NewServer(server.Router())
}

func TestForwardAndCacheByIdempotencyKey(t *testing.T) {
	var hits atomic.Int64
	upstream := newUpstream(http.StatusOK, "payload", &hits)
	defer upstream.Close()
	front := newProxy(t, upstream.URL)
	defer front.Close()

	get := func() (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodGet, front.URL+"/rpc", nil)
		req.Header.Set("Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(body)
	}

	resp1, body1 := get()
	resp2, body2 := get()

	if hits.Load() != 1 {
		t.Errorf("upstream hit %d times, want 1", hits.Load())
	}
	if resp1.StatusCode != http.StatusOK || resp2.StatusCode != http.StatusOK {
		t.Errorf("status %d / %d", resp1.StatusCode, resp2.StatusCode)
	}
	if body1 != "payload" || body2 != "payload" {
		t.Errorf("bodies %q / %q", body1, body2)
	}
}

// TestNondeterministicHeadersStripped checks that upstream responses pass
// through the bitcoin.Transform allow-list before caching, so identical
// upstream answers compare equal across nodes.
func TestNondeterministicHeadersStripped(t *testing.T) {
	var hits atomic.Int64
	upstream := newUpstream(http.StatusOK, "payload", &hits)
	defer upstream.Close()
	front := newProxy(t, upstream.URL)
	defer front.Close()

	resp, err := http.Get(front.URL + "/rpc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Server"); got != "" {
		t.Errorf("Server header survived transform: %q", got)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "" {
		t.Errorf("X-Request-Id header survived transform: %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want preserved", got)
	}
}

func TestErrorResponsesNotCached(t *testing.T) {
	var hits atomic.Int64
	upstream := newUpstream(http.StatusBadGateway, "boom", &hits)
	defer upstream.Close()
	front := newProxy(t, upstream.URL)
	defer front.Close()

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, front.URL+"/rpc", nil)
		req.Header.Set("Idempotency-Key", "key-err")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if hits.Load() != 2 {
		t.Errorf("error responses must not be served from cache, hits = %d", hits.Load())
	}
}

// TestRangeShapeStableAcrossCache is the range idempotence property: the
// cached replay of a range request has the identical shape as the first
// forward.
func TestRangeShapeStableAcrossCache(t *testing.T) {
	var hits atomic.Int64
	upstream := newUpstream(http.StatusOK, strings.Repeat("x", 100), &hits)
	defer upstream.Close()
	front := newProxy(t, upstream.URL)
	defer front.Close()

	get := func() (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodGet, front.URL+"/blob", nil)
		req.Header.Set("Idempotency-Key", "key-range")
		req.Header.Set("Range", "bytes=10-19")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(body)
	}

	resp1, body1 := get()
	resp2, body2 := get()

	if resp1.StatusCode != http.StatusPartialContent {
		t.Errorf("first status = %d, want 206", resp1.StatusCode)
	}
	if resp1.StatusCode != resp2.StatusCode || body1 != body2 {
		t.Errorf("cached shape differs: %d/%d %q/%q", resp1.StatusCode, resp2.StatusCode, body1, body2)
	}
	if len(body1) != 10 {
		t.Errorf("partial body length = %d", len(body1))
	}
	if cr := resp2.Header.Get("Content-Range"); cr != "bytes 10-19/100" {
		t.Errorf("content range = %q", cr)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

// TestRangeSmallerBodyServedWhole mirrors the forward rule: when the body
// fits inside the requested window the response stays 200.
func TestRangeSmallerBodyServedWhole(t *testing.T) {
	var hits atomic.Int64
	upstream := newUpstream(http.StatusOK, "tiny", &hits)
	defer upstream.Close()
	front := newProxy(t, upstream.URL)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/blob", nil)
	req.Header.Set("Range", "bytes=0-99")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "tiny" {
		t.Errorf("body = %q", body)
	}
}
