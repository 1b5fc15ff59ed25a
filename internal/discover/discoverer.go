// Package discover produces the ordered list of URLs a run will archive,
// either by walking a sitemap tree or by a breadth-first crawl from a seed.
package discover

import (
	"context"
	"errors"
	"log/slog"

	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/urlnorm"
)

// ErrNoSource is returned when no seed, sitemap or URL list is given.
var ErrNoSource = errors.New("no seed URL, sitemap URL or input file given")

// DiscoveredURL is one candidate for archiving. StatusCode is a hint: the
// status seen during discovery, or 200 for sitemap entries.
type DiscoveredURL struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	LastMod     string `json:"lastmod,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ChangeFreq  string `json:"changefreq,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Getter fetches a URL into memory.
type Getter interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Pacer blocks until the next request may be issued.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Source selects a discovery strategy. The first non-empty field wins, in
// the order InputFile, SitemapURL, SeedURL.
type Source struct {
	SeedURL    string `json:"seed_url,omitempty"`
	SitemapURL string `json:"sitemap_url,omitempty"`
	InputFile  string `json:"input_file,omitempty"`
}

// Discoverer runs either strategy against a shared client and pacer.
// StripQuery makes the recursive crawl treat URLs that differ only in their
// query string as one page; it is on by default.
type Discoverer struct {
	StripQuery bool

	client   Getter
	pacer    Pacer
	robots   *RobotsAgent
	maxPages int
}

// New creates a Discoverer. robots may be nil to skip robots.txt checks.
func New(client Getter, pacer Pacer, robots *RobotsAgent, maxPages int) *Discoverer {
	return &Discoverer{
		StripQuery: true,
		client:     client,
		pacer:      pacer,
		robots:     robots,
		maxPages:   maxPages,
	}
}

// Discover dispatches on src and trims the result to maxPages.
func (d *Discoverer) Discover(ctx context.Context, src Source) ([]DiscoveredURL, error) {
	var (
		urls []DiscoveredURL
		err  error
	)

	switch {
	case src.InputFile != "":
		urls, err = LoadURLList(src.InputFile)
	case src.SitemapURL != "":
		urls, err = d.Sitemap(ctx, src.SitemapURL)
	case src.SeedURL != "":
		urls, err = d.Crawl(ctx, src.SeedURL)
	default:
		return nil, ErrNoSource
	}
	if err != nil {
		return nil, err
	}

	if d.maxPages > 0 && len(urls) > d.maxPages {
		urls = urls[:d.maxPages]
	}
	slog.Info("Discovery finished", "urls", len(urls))
	return urls, nil
}

// dedupe keeps the first occurrence of each normalized URL.
type dedupe map[string]struct{}

func (s dedupe) add(rawURL string, stripQuery bool) bool {
	key, err := urlnorm.Normalize(rawURL, stripQuery)
	if err != nil {
		return false
	}
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}
