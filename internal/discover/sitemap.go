package discover

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Field tags carry no namespace, so both the sitemaps.org namespaced form
// and bare documents decode into the same structs.
type urlSet struct {
	URLs []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	Priority   string `xml:"priority"`
	ChangeFreq string `xml:"changefreq"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type sitemapWalk struct {
	out      []DiscoveredURL
	seen     dedupe
	sitemaps map[string]bool
}

// Sitemap walks a sitemap or sitemap index. Failures below the root are
// logged and the walk continues with what it has; only a failure of the root
// document is returned.
func (d *Discoverer) Sitemap(ctx context.Context, sitemapURL string) ([]DiscoveredURL, error) {
	slog.Info("Parsing sitemap", "url", sitemapURL)

	w := &sitemapWalk{seen: dedupe{}, sitemaps: map[string]bool{}}
	if err := d.walkSitemap(ctx, w, sitemapURL); err != nil {
		return nil, err
	}
	slog.Info("Sitemap discovery complete", "urls", len(w.out))
	return w.out, nil
}

func (d *Discoverer) full(w *sitemapWalk) bool {
	return d.maxPages > 0 && len(w.out) >= d.maxPages
}

func (d *Discoverer) walkSitemap(ctx context.Context, w *sitemapWalk, sitemapURL string) error {
	if w.sitemaps[sitemapURL] {
		return nil
	}
	w.sitemaps[sitemapURL] = true

	body, err := d.fetchSitemap(ctx, sitemapURL)
	if err != nil {
		return err
	}

	root, dec, err := rootElement(body)
	if err != nil {
		return fmt.Errorf("failed to parse sitemap %s: %w", sitemapURL, err)
	}

	switch root.Name.Local {
	case "sitemapindex":
		var index sitemapIndex
		if err := dec.DecodeElement(&index, &root); err != nil {
			return fmt.Errorf("failed to parse sitemap index %s: %w", sitemapURL, err)
		}
		slog.Info("Found sitemap index", "url", sitemapURL, "sitemaps", len(index.Sitemaps))

		for _, child := range index.Sitemaps {
			if d.full(w) {
				slog.Info("Reached maximum pages, stopping sitemap crawl", "max_pages", d.maxPages)
				break
			}
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			if err := d.walkSitemap(ctx, w, loc); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("Skipping child sitemap", "url", loc, "error", err)
			}
		}

	case "urlset":
		var set urlSet
		if err := dec.DecodeElement(&set, &root); err != nil {
			return fmt.Errorf("failed to parse sitemap %s: %w", sitemapURL, err)
		}
		for _, entry := range set.URLs {
			if d.full(w) {
				slog.Info("Reached maximum pages, stopping sitemap crawl", "max_pages", d.maxPages)
				break
			}
			loc := strings.TrimSpace(entry.Loc)
			if loc == "" || !w.seen.add(loc, false) {
				continue
			}
			w.out = append(w.out, DiscoveredURL{
				URL:         loc,
				Title:       loc,
				LastMod:     strings.TrimSpace(entry.LastMod),
				Priority:    strings.TrimSpace(entry.Priority),
				ChangeFreq:  strings.TrimSpace(entry.ChangeFreq),
				StatusCode:  200,
				ContentType: "text/html",
			})
		}

	default:
		return fmt.Errorf("unexpected sitemap root element <%s> in %s", root.Name.Local, sitemapURL)
	}
	return nil
}

func (d *Discoverer) fetchSitemap(ctx context.Context, sitemapURL string) ([]byte, error) {
	if err := d.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := d.client.Get(ctx, sitemapURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap %s: %w", sitemapURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch sitemap %s: HTTP %d", sitemapURL, resp.StatusCode)
	}
	ct := strings.ToLower(resp.ContentType)
	if !strings.Contains(ct, "xml") && !strings.HasSuffix(sitemapURL, ".xml") {
		slog.Warn("Sitemap does not look like XML", "url", sitemapURL, "content_type", resp.ContentType)
	}
	return resp.Body, nil
}

// rootElement advances the decoder to the document element.
func rootElement(body []byte) (xml.StartElement, *xml.Decoder, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, nil, fmt.Errorf("empty document")
		}
		if err != nil {
			return xml.StartElement{}, nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, dec, nil
		}
	}
}
