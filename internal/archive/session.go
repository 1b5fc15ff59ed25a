// Package archive fetches discovered URLs into a local mirror: page bodies
// under HTML/, metadata sidecars under JSON/, embedded media alongside the
// pages, and per-run logs under Logs/ and Reports/.
package archive

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/ratecontrol"
)

// Outcome classifies what happened to one URL.
type Outcome string

const (
	OutcomeDownloaded    Outcome = "downloaded"
	OutcomeSkippedExists Outcome = "skipped_exists"
	OutcomeExists        Outcome = "exists"
	OutcomeFailed        Outcome = "failed"
)

// FetchResult is the record of one page. It is created once and not changed.
type FetchResult struct {
	URL          string    `json:"url"`
	LocalPath    string    `json:"file_path,omitempty"`
	MetadataPath string    `json:"metadata_path,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      Outcome   `json:"status"`
	Attempts     int       `json:"attempts,omitempty"`
	Error        string    `json:"error,omitempty"`
	Type         string    `json:"type"`
}

// MediaRecord is the record of one embedded resource.
type MediaRecord struct {
	URL         string    `json:"url"`
	PageURL     string    `json:"page_url,omitempty"`
	LocalPath   string    `json:"file_path,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Outcome     Outcome   `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
}

// ErrorEntry is one failed attempt, transient or terminal.
type ErrorEntry struct {
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempt    int       `json:"attempt"`
}

// Recorder mirrors session records into a secondary store. Errors are logged
// and never fail the run.
type Recorder interface {
	RecordFetch(sessionID string, r FetchResult) error
	RecordMedia(sessionID string, m MediaRecord) error
	RecordError(sessionID string, e ErrorEntry) error
	RecordStatusCounts(sessionID string, counts map[int]int) error
}

// Session is the run-scoped context shared by the page and media fetchers:
// the rate controller, the status histogram, the dedup map and the
// append-only logs. A fresh Session gives a fresh run.
type Session struct {
	ID      string
	Started time.Time
	Layout  Layout
	Rate    *ratecontrol.Controller
	Status  *fetch.StatusHistogram

	recorder Recorder

	mu         sync.Mutex
	downloaded map[string]string
	urls       []string
	results    []FetchResult
	media      []MediaRecord
	errors     []ErrorEntry
}

// lastSessionTime keeps IDs issued by this process strictly increasing.
var lastSessionTime struct {
	sync.Mutex
	t time.Time
}

// newSessionID returns a millisecond timestamp ID, moved forward past any
// ID already issued in this process or already used by logs under l.
func newSessionID(l Layout, now time.Time) string {
	lastSessionTime.Lock()
	defer lastSessionTime.Unlock()

	now = now.Truncate(time.Millisecond)
	if !now.After(lastSessionTime.t) {
		now = lastSessionTime.t.Add(time.Millisecond)
	}
	for {
		id := fmt.Sprintf("%s_%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
		if _, err := os.Stat(l.LogPath("download_log_" + id + ".json")); err != nil {
			lastSessionTime.t = now
			return id
		}
		now = now.Add(time.Millisecond)
	}
}

// NewSession creates a session writing under root. recorder may be nil.
func NewSession(root string, rc *ratecontrol.Controller, recorder Recorder) *Session {
	now := time.Now()
	layout := Layout{Root: root}
	return &Session{
		ID:         newSessionID(layout, now),
		Started:    now,
		Layout:     layout,
		Rate:       rc,
		Status:     fetch.NewStatusHistogram(),
		recorder:   recorder,
		downloaded: make(map[string]string),
	}
}

// Downloaded returns the local path recorded for a media key.
func (s *Session) Downloaded(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.downloaded[key]
	return path, ok
}

// MarkDownloaded records key -> path unless key is already present, in which
// case the existing path is returned with false. Check and insert happen
// under one lock.
func (s *Session) MarkDownloaded(key, path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.downloaded[key]; ok {
		return existing, false
	}
	s.downloaded[key] = path
	return path, true
}

func (s *Session) addURL(u string) {
	s.mu.Lock()
	s.urls = append(s.urls, u)
	s.mu.Unlock()
}

func (s *Session) addResult(r FetchResult) {
	r.Type = "page"
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.RecordFetch(s.ID, r); err != nil {
			slog.Warn("Failed to record fetch result", "url", r.URL, "error", err)
		}
	}
}

func (s *Session) addMedia(m MediaRecord) {
	m.Type = "media"
	s.mu.Lock()
	s.media = append(s.media, m)
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.RecordMedia(s.ID, m); err != nil {
			slog.Warn("Failed to record media", "url", m.URL, "error", err)
		}
	}
}

func (s *Session) addError(url string, status, attempt int, err error) {
	e := ErrorEntry{
		URL:        url,
		Timestamp:  time.Now(),
		Error:      err.Error(),
		StatusCode: status,
		Attempt:    attempt,
	}
	s.mu.Lock()
	s.errors = append(s.errors, e)
	s.mu.Unlock()

	if s.recorder != nil {
		if rerr := s.recorder.RecordError(s.ID, e); rerr != nil {
			slog.Warn("Failed to record error", "url", url, "error", rerr)
		}
	}
}

// Results returns a copy of the page records.
func (s *Session) Results() []FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchResult(nil), s.results...)
}

// Media returns a copy of the media records.
func (s *Session) Media() []MediaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MediaRecord(nil), s.media...)
}

// Errors returns a copy of the error log.
func (s *Session) Errors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorEntry(nil), s.errors...)
}

// Summary holds the run totals.
type Summary struct {
	Pages           int
	Downloaded      int
	SkippedExists   int
	Failed          int
	MediaDownloaded int
	MediaReused     int
	Bytes           int64
}

// Summary totals the page and media records.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	sum.Pages = len(s.results)
	for _, r := range s.results {
		switch r.Outcome {
		case OutcomeDownloaded:
			sum.Downloaded++
			sum.Bytes += r.SizeBytes
		case OutcomeSkippedExists:
			sum.SkippedExists++
		case OutcomeFailed:
			sum.Failed++
		}
	}
	for _, m := range s.media {
		switch m.Outcome {
		case OutcomeDownloaded:
			sum.MediaDownloaded++
			sum.Bytes += m.SizeBytes
		case OutcomeExists:
			sum.MediaReused++
		}
	}
	return sum
}

// logEntry is one element of download_log_<ts>.json: a page or a media record.
type logEntry any

// statusReport is the layout of Reports/status_codes_<ts>.json.
type statusReport struct {
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	StatusCodes        map[string]int `json:"status_codes"`
	Timestamp          time.Time      `json:"timestamp"`
}

type urlList struct {
	URLs      []string  `json:"urls"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
	Session   string    `json:"session"`
}

// Flush writes the session logs. Empty download and error logs are not
// written. It returns the first write error but attempts every file.
func (s *Session) Flush() error {
	s.mu.Lock()
	urls := append([]string(nil), s.urls...)
	entries := make([]logEntry, 0, len(s.results)+len(s.media))
	for _, r := range s.results {
		entries = append(entries, r)
	}
	for _, m := range s.media {
		entries = append(entries, m)
	}
	errs := append([]ErrorEntry(nil), s.errors...)
	successful := 0
	for _, r := range s.results {
		if r.Outcome != OutcomeFailed {
			successful++
		}
	}
	s.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil {
			slog.Error("Failed to write session log", "error", err)
			if first == nil {
				first = err
			}
		}
	}

	now := time.Now()
	keep(writeJSON(s.Layout.LogPath("url_list_"+s.ID+".json"), urlList{
		URLs:      urls,
		Count:     len(urls),
		Timestamp: now,
		Session:   s.ID,
	}))

	if len(entries) > 0 {
		path := s.Layout.LogPath("download_log_" + s.ID + ".json")
		keep(writeJSON(path, entries))
		slog.Info("Session download log written", "path", path)
	}
	if len(errs) > 0 {
		path := s.Layout.LogPath("error_log_" + s.ID + ".json")
		keep(writeJSON(path, errs))
		slog.Info("Session error log written", "path", path)
	}

	counts := s.Status.Snapshot()
	if len(counts) > 0 {
		report := statusReport{
			TotalRequests:      s.Status.Total(),
			SuccessfulRequests: successful,
			StatusCodes:        make(map[string]int, len(counts)),
			Timestamp:          now,
		}
		for code, n := range counts {
			report.StatusCodes[strconv.Itoa(code)] = n
		}
		path := s.Layout.ReportPath("status_codes_" + s.ID + ".json")
		keep(writeJSON(path, report))
		s.logStatusSummary()
	}

	if s.recorder != nil && len(counts) > 0 {
		if err := s.recorder.RecordStatusCounts(s.ID, counts); err != nil {
			slog.Warn("Failed to record status counts", "error", err)
		}
	}

	if first != nil {
		return fmt.Errorf("session flush: %w", first)
	}
	return nil
}

func (s *Session) logStatusSummary() {
	counts := s.Status.Snapshot()
	for _, code := range s.Status.Codes() {
		slog.Info("HTTP status summary", "status", code,
			"class", fetch.StatusClass(code), "description", fetch.StatusDescription(code), "requests", counts[code])
	}
}
