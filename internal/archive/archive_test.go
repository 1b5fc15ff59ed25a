package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/ratecontrol"
)

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) add(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hits == nil {
		h.hits = map[string]int{}
	}
	h.hits[r.Method+" "+r.URL.Path]++
}

func (h *hitCounter) get(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[key]
}

func testController() *ratecontrol.Controller {
	return ratecontrol.New(ratecontrol.Config{
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		Adaptive:      true,
	})
}

func newTestFetcher(t *testing.T, root string, opts Options, rec Recorder) (*ContentFetcher, *Session) {
	t.Helper()
	session := NewSession(root, testController(), rec)
	if err := session.Layout.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	client := fetch.NewHTTPClient("Test-Mirror/1.0", 5*time.Second)
	t.Cleanup(client.Close)
	return NewContentFetcher(session, client, opts), session
}

func readMetadata(t *testing.T, root, rel string) Metadata {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("Failed to read metadata %s: %v", rel, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("Failed to decode metadata %s: %v", rel, err)
	}
	return meta
}

func TestFetchWritesBodyAndSidecar(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Test", "yes")
		fmt.Fprint(w, `<html><body><a href="/docs/other">Other</a><a href="https://elsewhere.example/">Out</a></body></html>`)
	}))
	defer server.Close()

	root := t.TempDir()
	f, _ := newTestFetcher(t, root, Options{MaxRetries: 1}, nil)

	result := f.Fetch(context.Background(), server.URL+"/docs/intro")
	if result.Outcome != OutcomeDownloaded {
		t.Fatalf("Expected downloaded, got %+v", result)
	}
	if result.LocalPath != "HTML/docs/intro.html" {
		t.Errorf("Unexpected local path %s", result.LocalPath)
	}
	if result.MetadataPath != "JSON/docs/intro_meta.json" {
		t.Errorf("Unexpected metadata path %s", result.MetadataPath)
	}

	body, err := os.ReadFile(filepath.Join(root, "HTML", "docs", "intro.html"))
	if err != nil {
		t.Fatalf("Body not written: %v", err)
	}
	if int64(len(body)) != result.SizeBytes {
		t.Errorf("Size mismatch: file %d, result %d", len(body), result.SizeBytes)
	}

	meta := readMetadata(t, root, result.MetadataPath)
	if meta.URL != server.URL+"/docs/intro" || meta.StatusCode != 200 {
		t.Errorf("Unexpected metadata %+v", meta)
	}
	if meta.Headers["X-Test"] != "yes" {
		t.Errorf("Headers not recorded: %v", meta.Headers)
	}
	if len(meta.Links) != 2 || !meta.Links[0].Internal || meta.Links[1].Internal {
		t.Errorf("Unexpected links %+v", meta.Links)
	}
	if meta.Media != nil {
		t.Error("Media section should be absent when media download is off")
	}

	entries, _ := os.ReadDir(filepath.Join(root, "HTML", "docs"))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temporary file left behind: %s", e.Name())
		}
	}
}

func TestFetchIsIdempotent(t *testing.T) {
	var hits hitCounter
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body>%s</body></html>", r.URL.Path)
	}))
	defer server.Close()

	root := t.TempDir()
	urls := []string{server.URL + "/", server.URL + "/a", server.URL + "/b/c"}

	first, _ := newTestFetcher(t, root, Options{}, nil)
	for _, r := range first.FetchAll(context.Background(), urls) {
		if r.Outcome != OutcomeDownloaded {
			t.Fatalf("First run: expected downloaded, got %+v", r)
		}
	}
	sizeBefore := treeSize(t, filepath.Join(root, HTMLDir))

	second, _ := newTestFetcher(t, root, Options{}, nil)
	for _, r := range second.FetchAll(context.Background(), urls) {
		if r.Outcome != OutcomeSkippedExists {
			t.Errorf("Second run: expected skipped_exists, got %+v", r)
		}
	}

	if got := treeSize(t, filepath.Join(root, HTMLDir)); got != sizeBefore {
		t.Errorf("Mirror changed size on re-run: %d -> %d", sizeBefore, got)
	}
	for _, p := range []string{"/", "/a", "/b/c"} {
		if n := hits.get("GET " + p); n != 1 {
			t.Errorf("%s fetched %d times, want 1", p, n)
		}
	}
}

func treeSize(t *testing.T, dir string) int64 {
	t.Helper()
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return total
}

func TestMediaDeduplicatedAcrossPages(t *testing.T) {
	var hits hitCounter
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r)
		switch r.URL.Path {
		case "/one", "/two":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><link rel="stylesheet" href="/css/site.css"></head>
<body><img src="/img/logo.png?v=%s"><img src="https://cdn.example/x.png"><a href="/files/report.pdf">report</a></body></html>`, r.URL.Path)
		case "/img/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNGDATA"))
		case "/css/site.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		case "/files/report.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	root := t.TempDir()
	f, session := newTestFetcher(t, root, Options{DownloadMedia: true}, nil)
	results := f.FetchAll(context.Background(), []string{server.URL + "/one", server.URL + "/two"})

	for _, asset := range []string{"/img/logo.png", "/css/site.css", "/files/report.pdf"} {
		if n := hits.get("GET " + asset); n != 1 {
			t.Errorf("%s fetched %d times, want exactly 1", asset, n)
		}
	}

	one := readMetadata(t, root, results[0].MetadataPath)
	two := readMetadata(t, root, results[1].MetadataPath)
	if one.Media == nil || two.Media == nil {
		t.Fatal("Media section missing from metadata")
	}
	if one.Media.Total != 4 || one.Media.Downloaded != 3 {
		t.Errorf("Unexpected media counts on first page: %+v", one.Media)
	}

	logoPath := func(m *MediaSummary) string {
		for _, item := range m.Items {
			if strings.Contains(item.URL, "logo.png") {
				return item.LocalPath
			}
		}
		return ""
	}
	if logoPath(one.Media) == "" || logoPath(one.Media) != logoPath(two.Media) {
		t.Errorf("Pages reference different logo paths: %q vs %q", logoPath(one.Media), logoPath(two.Media))
	}
	if two.Media.Items[0].Outcome != OutcomeExists {
		t.Errorf("Second page should reuse assets, got %+v", two.Media.Items[0])
	}

	data, err := os.ReadFile(filepath.Join(root, "HTML", "img", "logo.png"))
	if err != nil || string(data) != "PNGDATA" {
		t.Errorf("Logo not stored correctly: %q, %v", data, err)
	}

	sum := session.Summary()
	if sum.MediaDownloaded != 3 || sum.MediaReused != 3 {
		t.Errorf("Unexpected summary %+v", sum)
	}
}

func TestFetchRetriesAndPenalizes(t *testing.T) {
	var hits hitCounter
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r)
		if hits.get("GET /flaky") <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer server.Close()

	f, session := newTestFetcher(t, t.TempDir(), Options{MaxRetries: 3}, nil)
	before := session.Rate.Delay()

	result := f.Fetch(context.Background(), server.URL+"/flaky")
	if result.Outcome != OutcomeDownloaded || result.Attempts != 3 {
		t.Fatalf("Expected download after 3 attempts, got %+v", result)
	}
	if session.Rate.Delay() <= before || session.Rate.Delay() > 5*time.Millisecond {
		t.Errorf("Delay should grow within bounds, got %v", session.Rate.Delay())
	}
	if n := len(session.Errors()); n != 2 {
		t.Errorf("Expected 2 logged errors, got %d", n)
	}
	counts := session.Status.Snapshot()
	if counts[503] != 2 || counts[200] != 1 {
		t.Errorf("Unexpected status histogram %v", counts)
	}
}

func TestFailureDoesNotStopBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>fine</html>")
	}))
	defer server.Close()

	root := t.TempDir()
	f, session := newTestFetcher(t, root, Options{MaxRetries: 2}, nil)
	results := f.FetchAll(context.Background(), []string{server.URL + "/missing", server.URL + "/fine"})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Outcome != OutcomeFailed || results[0].StatusCode != 404 || results[0].Attempts != 1 {
		t.Errorf("Expected terminal 404 failure, got %+v", results[0])
	}
	if results[1].Outcome != OutcomeDownloaded {
		t.Errorf("Expected second URL downloaded, got %+v", results[1])
	}
	if _, err := os.Stat(filepath.Join(root, "HTML", "missing.html")); !os.IsNotExist(err) {
		t.Error("Failed page must not leave a file")
	}
	if session.Summary().Failed != 1 {
		t.Errorf("Unexpected summary %+v", session.Summary())
	}
}

func TestSidecarFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>x</html>")
	}))
	defer server.Close()

	root := t.TempDir()
	f, _ := newTestFetcher(t, root, Options{}, nil)

	// A file where the sidecar directory should be blocks the mirrored path.
	if err := os.WriteFile(filepath.Join(root, "JSON", "blocked"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := f.Fetch(context.Background(), server.URL+"/blocked/page")
	if result.Outcome != OutcomeDownloaded {
		t.Fatalf("Expected downloaded, got %+v", result)
	}
	if !strings.HasPrefix(result.MetadataPath, "JSON/_fallback/") {
		t.Errorf("Expected fallback metadata path, got %q", result.MetadataPath)
	}
	readMetadata(t, root, result.MetadataPath)
}

func TestMediaCollisionIdentity(t *testing.T) {
	tests := []struct {
		name       string
		identity   string
		remote     string
		wantGets   int
		wantHashed bool
	}{
		{"sha256 identical", IdentitySHA256, "SAME", 1, false},
		{"sha256 different", IdentitySHA256, "DIFFERENT", 1, true},
		{"heuristic same length", IdentityHeuristic, "SAMX", 0, false},
		{"heuristic different length", IdentityHeuristic, "LONGER!", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits hitCounter
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.add(r)
				if r.URL.Path == "/page" {
					w.Header().Set("Content-Type", "text/html")
					fmt.Fprint(w, `<img src="/img/a.png">`)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("Content-Length", fmt.Sprint(len(tt.remote)))
				if r.Method == http.MethodGet {
					_, _ = w.Write([]byte(tt.remote))
				}
			}))
			defer server.Close()

			root := t.TempDir()
			f, _ := newTestFetcher(t, root, Options{DownloadMedia: true, MediaIdentity: tt.identity}, nil)

			existing := filepath.Join(root, "HTML", "img", "a.png")
			if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(existing, []byte("SAME"), 0o644); err != nil {
				t.Fatal(err)
			}

			result := f.Fetch(context.Background(), server.URL+"/page")
			meta := readMetadata(t, root, result.MetadataPath)
			if meta.Media == nil || len(meta.Media.Items) != 1 {
				t.Fatalf("Expected one media item, got %+v", meta.Media)
			}
			item := meta.Media.Items[0]

			if n := hits.get("GET /img/a.png"); n != tt.wantGets {
				t.Errorf("GET count = %d, want %d", n, tt.wantGets)
			}
			hashed := item.LocalPath != "HTML/img/a.png"
			if hashed != tt.wantHashed {
				t.Errorf("Local path %s, hashed = %v, want %v", item.LocalPath, hashed, tt.wantHashed)
			}
			if tt.wantHashed {
				data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(item.LocalPath)))
				if err != nil || string(data) != tt.remote {
					t.Errorf("Renamed asset content %q, %v", data, err)
				}
			}
			if data, _ := os.ReadFile(existing); string(data) != "SAME" {
				t.Errorf("Existing file was overwritten: %q", data)
			}
		})
	}
}

func TestExtractMediaURLs(t *testing.T) {
	body := []byte(`<html><head>
<link rel="stylesheet" href="/a.css"><link rel="shortcut icon" href="/favicon.ico">
<link rel="canonical" href="/dir/index.html">
<script src="app.js"></script><script>inline()</script>
</head><body>
<img src="/img/x.png#frag"><img src="/img/x.png"><img src="data:image/png;base64,AAAA">
<img src="/img/y.png" srcset="/img/y-2x.png 2x, /img/y-3x.png 3x">
<picture><source srcset="/img/z.webp 640w,/img/z-big.webp 1280w"></picture>
<a href="/docs/file.PDF">pdf</a><a href="/page">page</a>
<video src="/v.mp4" poster="/v.jpg"></video><audio><source src="/a.ogg"></audio>
</body></html>`)

	got := ExtractMediaURLs(body, "https://example.com/dir/index.html")
	want := []string{
		"https://example.com/a.css",
		"https://example.com/favicon.ico",
		"https://example.com/dir/app.js",
		"https://example.com/img/x.png",
		"https://example.com/img/y.png",
		"https://example.com/img/y-2x.png",
		"https://example.com/img/y-3x.png",
		"https://example.com/img/z.webp",
		"https://example.com/img/z-big.webp",
		"https://example.com/docs/file.PDF",
		"https://example.com/v.mp4",
		"https://example.com/v.jpg",
		"https://example.com/a.ogg",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d URLs, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("URL %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

type memoryRecorder struct {
	fetches, media, errors, statuses int
}

func (m *memoryRecorder) RecordFetch(string, FetchResult) error { m.fetches++; return nil }
func (m *memoryRecorder) RecordMedia(string, MediaRecord) error { m.media++; return nil }
func (m *memoryRecorder) RecordError(string, ErrorEntry) error { m.errors++; return nil }
func (m *memoryRecorder) RecordStatusCounts(string, map[int]int) error { m.statuses++; return nil }

func TestSessionFlush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer server.Close()

	root := t.TempDir()
	rec := &memoryRecorder{}
	f, session := newTestFetcher(t, root, Options{}, rec)
	f.FetchAll(context.Background(), []string{server.URL + "/ok", server.URL + "/gone"})

	if err := session.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var list struct {
		URLs    []string `json:"urls"`
		Count   int      `json:"count"`
		Session string   `json:"session"`
	}
	data, err := os.ReadFile(session.Layout.LogPath("url_list_" + session.ID + ".json"))
	if err != nil {
		t.Fatalf("url list missing: %v", err)
	}
	if err := json.Unmarshal(data, &list); err != nil || list.Count != 2 || list.Session != session.ID {
		t.Errorf("Unexpected url list %s (%v)", data, err)
	}

	for _, name := range []string{"download_log_", "error_log_"} {
		if _, err := os.Stat(session.Layout.LogPath(name + session.ID + ".json")); err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}

	var report struct {
		TotalRequests      int            `json:"total_requests"`
		SuccessfulRequests int            `json:"successful_requests"`
		StatusCodes        map[string]int `json:"status_codes"`
	}
	data, err = os.ReadFile(session.Layout.ReportPath("status_codes_" + session.ID + ".json"))
	if err != nil {
		t.Fatalf("status report missing: %v", err)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if report.TotalRequests != 2 || report.SuccessfulRequests != 1 || report.StatusCodes["410"] != 1 {
		t.Errorf("Unexpected status report %+v", report)
	}

	if rec.fetches != 2 || rec.errors != 1 || rec.statuses != 1 {
		t.Errorf("Recorder not fed: %+v", rec)
	}
}

func TestSessionIDsAreDistinct(t *testing.T) {
	root := t.TempDir()
	a := NewSession(root, nil, nil)
	b := NewSession(root, nil, nil)
	if a.ID == b.ID {
		t.Errorf("Sessions started together share ID %s", a.ID)
	}
	if len(a.ID) != len("20060102_150405_000") {
		t.Errorf("Unexpected ID format %q", a.ID)
	}
}

func TestSessionIDSkipsExistingLogs(t *testing.T) {
	layout := Layout{Root: t.TempDir()}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	at := time.Now().Add(time.Hour).Truncate(time.Second)
	taken := at.Format("20060102_150405") + "_000"
	if err := os.WriteFile(layout.LogPath("download_log_"+taken+".json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	id := newSessionID(layout, at)
	if want := at.Format("20060102_150405") + "_001"; id != want {
		t.Errorf("newSessionID = %s, want %s", id, want)
	}
}
