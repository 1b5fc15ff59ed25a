// Package fetch performs single HTTP exchanges for the archiver and drives
// the bounded retry loop around them.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// HTTPClient issues GET/HEAD requests with timing metrics.
type HTTPClient struct {
	client        *http.Client
	userAgent     string
	authType      string
	username      string
	password      string
	bearerToken   string
	apiKeyHeader  string
	apiKeyValue   string
	customHeaders map[string]string
}

// Metrics contains timing information for one request.
type Metrics struct {
	TTFB         time.Duration // Time to First Byte
	DownloadTime time.Duration // Total download time
	DNSLookup    time.Duration
	TCPConnect   time.Duration
	TLSHandshake time.Duration
}

// Response is the outcome of a single HTTP exchange. Body is nil when the
// body was streamed to a writer.
type Response struct {
	StatusCode    int
	Headers       http.Header
	Body          []byte
	BytesWritten  int64
	ContentType   string
	ContentLength int64
	Metrics       Metrics
	FinalURL      string // After following redirects
}

// NewHTTPClient creates a client with a per-request timeout.
func NewHTTPClient(userAgent string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{
		client:        client,
		userAgent:     userAgent,
		customHeaders: make(map[string]string),
	}
}

// SetBasicAuth configures basic authentication for every request.
func (h *HTTPClient) SetBasicAuth(username, password string) {
	h.authType = "basic"
	h.username = username
	h.password = password
}

// SetBearerAuth configures bearer token authentication for every request.
func (h *HTTPClient) SetBearerAuth(token string) {
	h.authType = "bearer"
	h.bearerToken = token
}

// SetAPIKeyAuth sends header: value with every request.
func (h *HTTPClient) SetAPIKeyAuth(header, value string) {
	h.authType = "apikey"
	h.apiKeyHeader = header
	h.apiKeyValue = value
}

// SetCustomHeaders sets headers sent with every request.
func (h *HTTPClient) SetCustomHeaders(headers map[string]string) {
	for k, v := range headers {
		h.customHeaders[k] = v
	}
}

// Get fetches url and buffers the body.
func (h *HTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	return h.do(ctx, http.MethodGet, url, nil, nil)
}

// Stream fetches url and copies a 2xx body into w in chunks. Non-2xx bodies
// are discarded.
func (h *HTTPClient) Stream(ctx context.Context, url string, w io.Writer) (*Response, error) {
	return h.do(ctx, http.MethodGet, url, nil, w)
}

// Head issues a HEAD request.
func (h *HTTPClient) Head(ctx context.Context, url string) (*Response, error) {
	return h.do(ctx, http.MethodHead, url, nil, nil)
}

// GetRange fetches the first n bytes of url using a Range header. Servers
// that ignore Range return the full body, which callers must truncate.
func (h *HTTPClient) GetRange(ctx context.Context, url string, n int64) (*Response, error) {
	return h.do(ctx, http.MethodGet, url, map[string]string{"Range": fmt.Sprintf("bytes=0-%d", n-1)}, nil)
}

func (h *HTTPClient) do(ctx context.Context, method, url string, extra map[string]string, sink io.Writer) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	switch h.authType {
	case "basic":
		if h.username != "" && h.password != "" {
			req.SetBasicAuth(h.username, h.password)
		}
	case "bearer":
		if h.bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+h.bearerToken)
		}
	case "apikey":
		if h.apiKeyHeader != "" && h.apiKeyValue != "" {
			req.Header.Set(h.apiKeyHeader, h.apiKeyValue)
		}
	}

	for name, value := range h.customHeaders {
		req.Header.Set(name, value)
	}
	for name, value := range extra {
		req.Header.Set(name, value)
	}

	var metrics Metrics
	var dnsStart, connectStart, tlsStart, firstByteTime time.Time

	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			metrics.DNSLookup = time.Since(dnsStart)
		},
		ConnectStart: func(network, addr string) { connectStart = time.Now() },
		ConnectDone: func(network, addr string, err error) {
			metrics.TCPConnect = time.Since(connectStart)
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			metrics.TLSHandshake = time.Since(tlsStart)
		},
		GotFirstResponseByte: func() { firstByteTime = time.Now() },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	startTime := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if !firstByteTime.IsZero() {
		metrics.TTFB = firstByteTime.Sub(startTime)
	}

	result := &Response{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		FinalURL:      resp.Request.URL.String(),
	}

	switch {
	case method == http.MethodHead:
	case sink != nil && resp.StatusCode >= 200 && resp.StatusCode < 300:
		n, err := io.CopyBuffer(sink, resp.Body, make([]byte, 32*1024))
		result.BytesWritten = n
		if err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("failed to stream response body: %w", err)}
		}
	case sink != nil:
		_, _ = io.Copy(io.Discard, resp.Body)
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
		}
		result.Body = body
		result.BytesWritten = int64(len(body))
	}

	metrics.DownloadTime = time.Since(startTime)
	result.Metrics = metrics
	return result, nil
}

// Close releases idle connections.
func (h *HTTPClient) Close() {
	h.client.CloseIdleConnections()
}
