package discover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/masahif/sitemirror/internal/parser"
	"github.com/masahif/sitemirror/internal/urlnorm"
)

// Crawl runs a breadth-first traversal from seed. It stops when the queue is
// empty or maxPages pages have been visited. Only HTML pages that answered
// 2xx are returned, in visit order.
func (d *Discoverer) Crawl(ctx context.Context, seed string) ([]DiscoveredURL, error) {
	start, err := urlnorm.Normalize(seed, d.StripQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid seed URL: %w", err)
	}
	slog.Info("Starting crawl", "seed", start, "max_pages", d.maxPages)

	queue := []string{start}
	queued := map[string]bool{start: true}
	visited := map[string]bool{}
	var out []DiscoveredURL

	for len(queue) > 0 && (d.maxPages <= 0 || len(visited) < d.maxPages) {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		current := queue[0]
		queue = queue[1:]
		delete(queued, current)
		if visited[current] {
			continue
		}
		visited[current] = true

		if d.robots != nil && !d.robots.Allowed(ctx, current) {
			slog.Info("Disallowed by robots.txt", "url", current)
			continue
		}

		page, links, ok := d.visit(ctx, current)
		if !ok {
			continue
		}
		out = append(out, page)

		for _, link := range links {
			if !urlnorm.SameSite(start, link) {
				continue
			}
			next, err := urlnorm.Normalize(link, d.StripQuery)
			if err != nil || visited[next] || queued[next] {
				continue
			}
			queue = append(queue, next)
			queued[next] = true
		}
	}

	slog.Info("Crawl finished", "visited", len(visited), "discovered", len(out))
	return out, nil
}

// visit fetches one page and returns its record and resolved anchors. Any
// failure is logged and reported as !ok.
func (d *Discoverer) visit(ctx context.Context, pageURL string) (DiscoveredURL, []string, bool) {
	slog.Debug("Crawling", "url", pageURL)

	if err := d.pacer.Wait(ctx); err != nil {
		return DiscoveredURL{}, nil, false
	}
	resp, err := d.client.Get(ctx, pageURL)
	if err != nil {
		slog.Error("Error crawling page", "url", pageURL, "error", err)
		return DiscoveredURL{}, nil, false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Skipping page with error status", "url", pageURL, "status", resp.StatusCode)
		return DiscoveredURL{}, nil, false
	}
	if !strings.Contains(strings.ToLower(resp.ContentType), "text/html") {
		slog.Info("Skipping non-HTML content", "url", pageURL, "content_type", resp.ContentType)
		return DiscoveredURL{}, nil, false
	}

	page := DiscoveredURL{
		URL:         pageURL,
		Title:       "No Title",
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
	}

	base := pageURL
	if resp.FinalURL != "" {
		base = resp.FinalURL
	}
	p, err := parser.NewHTMLParser(base)
	if err != nil {
		return page, nil, true
	}
	parsed, err := p.Parse(resp.Body)
	if err != nil {
		slog.Warn("Failed to parse page, keeping it without links", "url", pageURL, "error", err)
		return page, nil, true
	}
	if parsed.Title != "" {
		page.Title = parsed.Title
	}
	page.Description = parsed.MetaDesc

	links := make([]string, 0, len(parsed.Links))
	for _, l := range parsed.Links {
		links = append(links, l.URL)
	}
	return page, links, true
}
