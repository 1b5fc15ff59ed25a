package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/pathmap"
	"github.com/masahif/sitemirror/internal/urlnorm"
)

// rangeProbeSize bounds the byte-range comparison of the heuristic check.
const rangeProbeSize = 1024

// documentExtensions are anchor targets treated as downloadable media.
var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".rar": true,
}

// MediaSummary is the per-page result of a media pass. Downloaded counts
// items available locally after the pass, fetched now or earlier.
type MediaSummary struct {
	Total      int           `json:"total"`
	Downloaded int           `json:"downloaded"`
	Items      []MediaRecord `json:"items"`
}

// MediaFetcher downloads same-domain resources embedded in pages. Every
// resource is fetched at most once per session.
type MediaFetcher struct {
	session  *Session
	client   Client
	retrier  *fetch.Retrier
	identity string
}

func newMediaFetcher(s *Session, client Client, retrier *fetch.Retrier, identity string) *MediaFetcher {
	if identity != IdentityHeuristic {
		identity = IdentitySHA256
	}
	return &MediaFetcher{
		session:  s,
		client:   client,
		retrier:  retrier,
		identity: identity,
	}
}

// ExtractMediaURLs returns the absolute URLs of images (src and srcset),
// stylesheets, icons, scripts, document links and audio/video sources and
// posters in body, in document order without duplicates.
func ExtractMediaURLs(body []byte, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		slog.Debug("Media extraction failed", "url", pageURL, "error", err)
		return nil
	}

	var out []string
	seen := map[string]bool{}
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "#") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		abs := base.ResolveReference(u)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		s := abs.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	doc.Find("img[src], img[srcset], script[src], video[src], video[poster], audio[src], source[src], source[srcset], link[href], a[href]").Each(func(_ int, sel *goquery.Selection) {
		switch goquery.NodeName(sel) {
		case "link":
			for _, r := range strings.Fields(strings.ToLower(sel.AttrOr("rel", ""))) {
				if r == "stylesheet" || r == "icon" || r == "apple-touch-icon" {
					add(sel.AttrOr("href", ""))
					return
				}
			}
		case "a":
			href := sel.AttrOr("href", "")
			if u, err := url.Parse(strings.TrimSpace(href)); err == nil {
				if documentExtensions[strings.ToLower(path.Ext(u.Path))] {
					add(href)
				}
			}
		default:
			add(sel.AttrOr("src", ""))
			add(sel.AttrOr("poster", ""))
			for _, ref := range srcsetURLs(sel.AttrOr("srcset", "")) {
				add(ref)
			}
		}
	})
	return out
}

// srcsetURLs returns the candidate URLs of a srcset attribute, dropping the
// width and density descriptors.
func srcsetURLs(srcset string) []string {
	var out []string
	for _, candidate := range strings.Split(srcset, ",") {
		if fields := strings.Fields(candidate); len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// FetchAll downloads the media referenced by one page.
func (m *MediaFetcher) FetchAll(ctx context.Context, body []byte, pageURL string) MediaSummary {
	candidates := ExtractMediaURLs(body, pageURL)
	summary := MediaSummary{Total: len(candidates), Items: []MediaRecord{}}
	slog.Debug("Found media assets", "url", pageURL, "count", len(candidates))

	for _, u := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !urlnorm.SameHost(pageURL, u) {
			slog.Debug("Skipping external resource", "url", u)
			continue
		}
		rec := m.fetchOne(ctx, u, pageURL)
		m.session.addMedia(rec)
		summary.Items = append(summary.Items, rec)
		if rec.Outcome != OutcomeFailed {
			summary.Downloaded++
		}
	}
	return summary
}

func (m *MediaFetcher) fetchOne(ctx context.Context, rawURL, pageURL string) MediaRecord {
	layout := m.session.Layout
	rec := MediaRecord{URL: rawURL, PageURL: pageURL, Timestamp: time.Now()}

	key := urlnorm.Key(rawURL)
	if local, ok := m.session.Downloaded(key); ok {
		slog.Debug("Asset already downloaded", "url", rawURL, "path", local)
		rec.LocalPath = local
		rec.Outcome = OutcomeExists
		return rec
	}

	rel, err := pathmap.AssetPath(rawURL)
	if err != nil {
		slog.Warn("Cannot map media URL", "url", rawURL, "error", err)
		rec.Outcome = OutcomeFailed
		return rec
	}

	target := layout.HTMLPath(rel)
	collided := false
	if exists(target) {
		if m.identity == IdentityHeuristic {
			if m.sameResource(ctx, rawURL, target) {
				return m.reuse(rec, key, target)
			}
		}
		collided = true
		target = layout.HTMLPath(pathmap.WithHashSuffix(rel, key))
		if exists(target) {
			// The hashed name is derived from this URL, so it holds this resource.
			return m.reuse(rec, key, target)
		}
	}

	file, err := createAtomic(target)
	if err != nil {
		slog.Error("Failed to create media file", "url", rawURL, "error", err)
		m.session.addError(rawURL, 0, 0, err)
		rec.Outcome = OutcomeFailed
		return rec
	}

	resp, _, err := m.retrier.Do(ctx, rawURL, func(ctx context.Context) (*fetch.Response, error) {
		if err := file.Truncate(0); err != nil {
			return nil, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return m.client.Stream(ctx, rawURL, file)
	})
	if err != nil {
		file.Abort()
		slog.Error("Failed to download media", "url", rawURL, "error", err)
		rec.Outcome = OutcomeFailed
		return rec
	}

	if collided && m.identity == IdentitySHA256 {
		original := layout.HTMLPath(rel)
		if sameContent(file.Name(), original) {
			file.Abort()
			return m.reuse(rec, key, original)
		}
	}

	if err := file.Commit(); err != nil {
		slog.Error("Failed to save media", "url", rawURL, "error", err)
		m.session.addError(rawURL, resp.StatusCode, 0, err)
		rec.Outcome = OutcomeFailed
		return rec
	}

	rec.LocalPath = layout.Relative(target)
	if existing, inserted := m.session.MarkDownloaded(key, rec.LocalPath); !inserted {
		rec.LocalPath = existing
	}
	rec.ContentType = resp.ContentType
	rec.SizeBytes = resp.BytesWritten
	rec.Outcome = OutcomeDownloaded
	slog.Debug("Downloaded media", "url", rawURL, "path", rec.LocalPath, "bytes", rec.SizeBytes)
	return rec
}

func (m *MediaFetcher) reuse(rec MediaRecord, key, target string) MediaRecord {
	local, _ := m.session.MarkDownloaded(key, m.session.Layout.Relative(target))
	rec.LocalPath = local
	rec.Outcome = OutcomeExists
	if info, err := os.Stat(target); err == nil {
		rec.SizeBytes = info.Size()
	}
	slog.Debug("Asset already exists (identical)", "url", rec.URL, "path", local)
	return rec
}

// sameResource is the size/prefix heuristic: equal Content-Length, or for
// small local files an equal first kilobyte. It may accept different files
// that happen to match.
func (m *MediaFetcher) sameResource(ctx context.Context, rawURL, local string) bool {
	info, err := os.Stat(local)
	if err != nil {
		return false
	}

	if err := m.session.Rate.Wait(ctx); err != nil {
		return false
	}
	head, err := m.client.Head(ctx, rawURL)
	if err != nil {
		slog.Debug("Error comparing files", "url", rawURL, "error", err)
		return false
	}
	if cl := head.Headers.Get("Content-Length"); cl != "" {
		remote, err := strconv.ParseInt(cl, 10, 64)
		return err == nil && remote == info.Size()
	}

	if info.Size() >= rangeProbeSize {
		return false
	}
	localPrefix, err := readPrefix(local, rangeProbeSize)
	if err != nil {
		return false
	}
	if err := m.session.Rate.Wait(ctx); err != nil {
		return false
	}
	partial, err := m.client.GetRange(ctx, rawURL, rangeProbeSize)
	if err != nil || partial.StatusCode < 200 || partial.StatusCode >= 300 {
		return false
	}
	remote := partial.Body
	if len(remote) > len(localPrefix) {
		remote = remote[:len(localPrefix)]
	}
	return bytes.Equal(localPrefix, remote)
}

// sameContent compares two files by SHA-256.
func sameContent(a, b string) bool {
	ha, err := fileDigest(a)
	if err != nil {
		return false
	}
	hb, err := fileDigest(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ha, hb)
}

func fileDigest(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
