package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(ingestFilesTotal.WithLabelValues(FileIngested))
	ObserveFile(FileIngested)
	if got := testutil.ToFloat64(ingestFilesTotal.WithLabelValues(FileIngested)); got != before+1 {
		t.Fatalf("expected ingested counter to grow by 1, got %f -> %f", before, got)
	}

	mark := time.Date(2016, 1, 12, 14, 33, 0, 0, time.UTC)
	SetWatermark("https://example.org/root/", mark)
	if got := testutil.ToFloat64(watermarkTimestamp.WithLabelValues("https://example.org/root/")); got != float64(mark.Unix()) {
		t.Fatalf("unexpected watermark gauge %f", got)
	}

	ObserveListing("https://example.org/root/", "ok", 20*time.Millisecond)
	if got := testutil.ToFloat64(listingPagesTotal.WithLabelValues("example.org", "ok")); got < 1 {
		t.Fatalf("expected listing counter to be recorded, got %f", got)
	}
}

func TestPushSkipsWithoutGateway(t *testing.T) {
	if err := Push(context.Background(), "", "job"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPushSendsToGateway(t *testing.T) {
	Init()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Push(context.Background(), srv.URL, "slide-ingest"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if hits.Load() == 0 {
		t.Fatal("expected the gateway to receive a push")
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}

func TestObserveHTTPRequest(t *testing.T) {
	Init()
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/sync", "200"))
	ObserveHTTPRequest("POST", "/v1/sync", 200, 150*time.Millisecond)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/sync", "200")); got != before+1 {
		t.Fatalf("expected request counter to grow by 1, got %f -> %f", before, got)
	}
}
