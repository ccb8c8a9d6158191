package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://static.sse.com.cn/disclosure/a.pdf", "static.sse.com.cn"},
		{"mixed case", "https://Query.SSE.com.cn/q.do", "query.sse.com.cn"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveDocument(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(documentsTotal.WithLabelValues("succeeded", ""))
	beforeBytes := testutil.ToFloat64(documentBytesTotal)

	ObserveDocument("succeeded", "", 2048)
	ObserveDocument("failed", "size_below_threshold", 0)

	if got := testutil.ToFloat64(documentsTotal.WithLabelValues("succeeded", "")); got != before+1 {
		t.Errorf("succeeded documents = %f, want %f", got, before+1)
	}
	if got := testutil.ToFloat64(documentBytesTotal); got != beforeBytes+2048 {
		t.Errorf("document bytes = %f, want %f", got, beforeBytes+2048)
	}
	if got := testutil.ToFloat64(documentsTotal.WithLabelValues("failed", "size_below_threshold")); got < 1 {
		t.Errorf("expected failed document to be counted, got %f", got)
	}
}

func TestObserveCountersAndHandler(t *testing.T) {
	ObservePage("ok")
	ObserveChallenge("solved")
	ObserveRetry("https://static.sse.com.cn/a.pdf")
	ObserveFetch("https://static.sse.com.cn/a.pdf", 150*time.Millisecond)
	ObserveRateLimitDelay("static.sse.com.cn", 200*time.Millisecond)
	ObserveRun("ok")

	if got := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("static.sse.com.cn")); got < 1 {
		t.Errorf("expected retry to be counted, got %f", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics handler status = %d", rec.Code)
	}
	for _, name := range []string{"sse_pages_total", "sse_challenges_total", "sse_runs_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"https://static.sse.com.cn", "query.sse.com.cn", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
