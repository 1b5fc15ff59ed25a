package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "Test-Mirror/1.0" {
			t.Errorf("Expected User-Agent 'Test-Mirror/1.0', got '%s'", ua)
		}
		if got := r.Header.Get("X-Token"); got != "abc" {
			t.Errorf("Expected custom header X-Token=abc, got '%s'", got)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("<html><body>Test Page</body></html>"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Mirror/1.0", 30*time.Second)
	client.SetCustomHeaders(map[string]string{"X-Token": "abc"})
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("Expected status code 200, got %d", resp.StatusCode)
	}
	if resp.ContentType != "text/html; charset=utf-8" {
		t.Errorf("Expected content type 'text/html; charset=utf-8', got '%s'", resp.ContentType)
	}
	if resp.Metrics.TTFB < 20*time.Millisecond {
		t.Errorf("TTFB should be at least 20ms, got %v", resp.Metrics.TTFB)
	}
	if resp.Metrics.DownloadTime < resp.Metrics.TTFB {
		t.Errorf("Download time should not be less than TTFB")
	}
	if string(resp.Body) != "<html><body>Test Page</body></html>" {
		t.Errorf("Unexpected body '%s'", resp.Body)
	}
	if resp.BytesWritten != int64(len(resp.Body)) {
		t.Errorf("BytesWritten = %d, want %d", resp.BytesWritten, len(resp.Body))
	}
}

func TestHTTPClientAuth(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*HTTPClient)
		header string
		want   string
	}{
		{"basic", func(c *HTTPClient) { c.SetBasicAuth("user", "pass") }, "Authorization", "Basic dXNlcjpwYXNz"},
		{"bearer", func(c *HTTPClient) { c.SetBearerAuth("tok") }, "Authorization", "Bearer tok"},
		{"api key", func(c *HTTPClient) { c.SetAPIKeyAuth("X-API-Key", "k1") }, "X-API-Key", "k1"},
		{"basic without password", func(c *HTTPClient) { c.SetBasicAuth("user", "") }, "Authorization", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
			}))
			defer server.Close()

			client := NewHTTPClient("Test-Mirror/1.0", 5*time.Second)
			tt.setup(client)
			if _, err := client.Get(context.Background(), server.URL); err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHTTPClientRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/final" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("Final page"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Mirror/1.0", 30*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL+"/start")
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}
	if !strings.HasSuffix(resp.FinalURL, "/final") {
		t.Errorf("Expected final URL to end with /final, got %s", resp.FinalURL)
	}
}

func TestHTTPClientStream(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "nothing here", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Mirror/1.0", 30*time.Second)
	defer client.Close()

	var buf bytes.Buffer
	resp, err := client.Stream(context.Background(), server.URL+"/blob.bin", &buf)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if resp.Body != nil {
		t.Error("streamed response should not buffer a body")
	}
	if resp.BytesWritten != int64(len(payload)) || !bytes.Equal(buf.Bytes(), payload) {
		t.Errorf("streamed %d bytes, want %d", resp.BytesWritten, len(payload))
	}

	buf.Reset()
	resp, err = client.Stream(context.Background(), server.URL+"/missing", &buf)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if buf.Len() != 0 {
		t.Errorf("error bodies must not reach the writer, got %q", buf.String())
	}
}

func TestHTTPClientHeadAndRange(t *testing.T) {
	content := strings.Repeat("x", 2048)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.txt", time.Time{}, strings.NewReader(content))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Mirror/1.0", 30*time.Second)
	defer client.Close()

	head, err := client.Head(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if head.ContentLength != 2048 {
		t.Errorf("Expected Content-Length 2048, got %d", head.ContentLength)
	}
	if head.Body != nil {
		t.Error("HEAD response should have no body")
	}

	partial, err := client.GetRange(context.Background(), server.URL, 1024)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if partial.StatusCode != http.StatusPartialContent {
		t.Errorf("Expected 206, got %d", partial.StatusCode)
	}
	if len(partial.Body) != 1024 {
		t.Errorf("Expected 1024 bytes, got %d", len(partial.Body))
	}
}

func TestHTTPClientTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewHTTPClient("Test-Mirror/1.0", time.Second)
	defer client.Close()

	_, err := client.Get(context.Background(), url)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Status != 0 {
		t.Errorf("connection failure should carry no status, got %d", te.Status)
	}
}

func TestStatusHistogram(t *testing.T) {
	h := NewStatusHistogram()
	for _, code := range []int{200, 404, 200, 503} {
		h.Record(code)
	}

	if h.Total() != 4 {
		t.Errorf("Total = %d, want 4", h.Total())
	}
	codes := h.Codes()
	if len(codes) != 3 || codes[0] != 200 || codes[1] != 404 || codes[2] != 503 {
		t.Errorf("Codes = %v", codes)
	}
	if h.Snapshot()[200] != 2 {
		t.Errorf("expected two 200s, got %v", h.Snapshot())
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "informational",
		204: "success",
		301: "redirect",
		429: "rate_limited",
		404: "client_error",
		503: "server_error",
		999: "unknown",
	}
	for code, want := range tests {
		if got := StatusClass(code); got != want {
			t.Errorf("StatusClass(%d) = %s, want %s", code, got, want)
		}
	}
	if StatusDescription(799) != "Unknown" {
		t.Errorf("StatusDescription(799) = %s", StatusDescription(799))
	}
}
