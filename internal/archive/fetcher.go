package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/parser"
	"github.com/masahif/sitemirror/internal/pathmap"
)

// Media identity checks used when two URLs collide on one local name.
const (
	IdentitySHA256    = "sha256"
	IdentityHeuristic = "heuristic"
)

// Client is the HTTP surface the fetchers need.
type Client interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
	Stream(ctx context.Context, url string, w io.Writer) (*fetch.Response, error)
	Head(ctx context.Context, url string) (*fetch.Response, error)
	GetRange(ctx context.Context, url string, n int64) (*fetch.Response, error)
}

// Options configures the fetchers.
type Options struct {
	MaxRetries    int
	RetryCodes    []int
	DownloadMedia bool
	MediaIdentity string
}

// Metadata is the JSON sidecar written next to every fetched page.
type Metadata struct {
	URL            string            `json:"url"`
	Timestamp      time.Time         `json:"timestamp"`
	StatusCode     int               `json:"status_code"`
	Headers        map[string]string `json:"headers"`
	DownloadPath   string            `json:"download_path"`
	ContentType    string            `json:"content_type"`
	SizeBytes      int64             `json:"size_bytes"`
	DownloadTimeMS int64             `json:"download_time_ms"`
	Links          []parser.Link     `json:"links"`
	Media          *MediaSummary     `json:"media,omitempty"`
}

// ContentFetcher archives pages one at a time against a Session.
type ContentFetcher struct {
	session *Session
	client  Client
	retrier *fetch.Retrier
	media   *MediaFetcher
}

// NewContentFetcher wires a page fetcher, and a media fetcher when enabled,
// to the session's rate controller and histogram.
func NewContentFetcher(s *Session, client Client, opts Options) *ContentFetcher {
	codes := opts.RetryCodes
	if len(codes) == 0 {
		codes = fetch.DefaultRetryCodes
	}
	retrier := fetch.NewRetrier(s.Rate, s.Status, opts.MaxRetries, codes)
	retrier.OnError = s.addError

	f := &ContentFetcher{
		session: s,
		client:  client,
		retrier: retrier,
	}
	if opts.DownloadMedia {
		f.media = newMediaFetcher(s, client, retrier, opts.MediaIdentity)
	}
	return f
}

// FetchAll archives urls in order. One URL failing never stops the batch;
// only context cancellation does.
func (f *ContentFetcher) FetchAll(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, 0, len(urls))
	for i, u := range urls {
		if ctx.Err() != nil {
			slog.Warn("Archive interrupted", "remaining", len(urls)-i)
			break
		}
		slog.Info("Downloading", "index", i+1, "total", len(urls), "url", u)
		results = append(results, f.Fetch(ctx, u))
	}
	return results
}

// Fetch archives a single page. A page whose mapped file already exists is
// not requested again.
func (f *ContentFetcher) Fetch(ctx context.Context, pageURL string) FetchResult {
	f.session.addURL(pageURL)
	layout := f.session.Layout

	rel, err := pathmap.PagePath(pageURL)
	if err != nil {
		return f.fail(FetchResult{URL: pageURL}, err)
	}
	target := layout.HTMLPath(rel)
	localPath := layout.Relative(target)

	if exists(target) {
		slog.Info("File already exists, skipping download", "url", pageURL, "path", localPath)
		return f.finish(FetchResult{
			URL:       pageURL,
			LocalPath: localPath,
			Timestamp: time.Now(),
			Outcome:   OutcomeSkippedExists,
		})
	}

	resp, attempts, err := f.retrier.Do(ctx, pageURL, func(ctx context.Context) (*fetch.Response, error) {
		return f.client.Get(ctx, pageURL)
	})
	if err != nil {
		return f.fail(FetchResult{URL: pageURL, StatusCode: fetch.StatusOf(err), Attempts: attempts}, err)
	}

	result := FetchResult{
		URL:         pageURL,
		LocalPath:   localPath,
		StatusCode:  resp.StatusCode,
		SizeBytes:   int64(len(resp.Body)),
		ContentType: resp.ContentType,
		Attempts:    attempts,
	}

	if err := writeFileAtomic(target, resp.Body); err != nil {
		result.LocalPath = ""
		return f.fail(result, err)
	}

	meta := Metadata{
		URL:            pageURL,
		Timestamp:      time.Now(),
		StatusCode:     resp.StatusCode,
		Headers:        flattenHeaders(resp.Headers),
		DownloadPath:   localPath,
		ContentType:    resp.ContentType,
		SizeBytes:      result.SizeBytes,
		DownloadTimeMS: resp.Metrics.DownloadTime.Milliseconds(),
		Links:          extractLinks(pageURL, resp.Body),
	}

	if f.media != nil && isHTML(resp.ContentType) {
		summary := f.media.FetchAll(ctx, resp.Body, pageURL)
		meta.Media = &summary
		slog.Info("Downloaded embedded media", "url", pageURL,
			"downloaded", summary.Downloaded, "total", summary.Total)
	}

	result.MetadataPath = f.writeSidecar(rel, meta)
	result.Outcome = OutcomeDownloaded
	result.Timestamp = time.Now()
	slog.Info("Successfully downloaded", "url", pageURL, "path", localPath, "bytes", result.SizeBytes)
	return f.finish(result)
}

// writeSidecar writes meta at its mirrored location, falling back to a
// hashed name under JSON/_fallback. It returns the root-relative path
// written, or "" when both attempts failed.
func (f *ContentFetcher) writeSidecar(rel string, meta Metadata) string {
	layout := f.session.Layout
	primary := layout.JSONPath(pathmap.SidecarPath(rel))

	err := writeJSON(primary, meta)
	if err == nil {
		return layout.Relative(primary)
	}
	slog.Warn("Failed to write metadata, trying fallback path", "url", meta.URL, "error", err)

	fallback := layout.FallbackSidecarPath(meta.URL)
	if ferr := writeJSON(fallback, meta); ferr != nil {
		slog.Error("Failed to write metadata", "url", meta.URL, "error", errors.Join(err, ferr))
		f.session.addError(meta.URL, 0, 0, fmt.Errorf("metadata not written: %w", errors.Join(err, ferr)))
		return ""
	}
	return layout.Relative(fallback)
}

func (f *ContentFetcher) fail(r FetchResult, err error) FetchResult {
	r.Outcome = OutcomeFailed
	r.Error = err.Error()
	r.Timestamp = time.Now()

	var terminal *fetch.TerminalError
	if !errors.As(err, &terminal) {
		// Retry failures were already logged per attempt.
		f.session.addError(r.URL, r.StatusCode, r.Attempts, err)
	}
	slog.Error("Failed to download", "url", r.URL, "attempts", r.Attempts, "error", err)
	return f.finish(r)
}

func (f *ContentFetcher) finish(r FetchResult) FetchResult {
	f.session.addResult(r)
	return r
}

func extractLinks(pageURL string, body []byte) []parser.Link {
	p, err := parser.NewHTMLParser(pageURL)
	if err != nil {
		return []parser.Link{}
	}
	parsed, err := p.Parse(body)
	if err != nil {
		slog.Warn("Failed to extract links", "url", pageURL, "error", err)
		return []parser.Link{}
	}
	return parsed.Links
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
