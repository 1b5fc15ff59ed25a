package discover

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
)

// RobotsAgent answers robots.txt checks for the recursive crawl. It is
// advisory: a robots.txt that cannot be fetched or parsed allows the URL.
// Status handling follows robotstxt: 4xx allows all, 5xx disallows all.
type RobotsAgent struct {
	client    Getter
	userAgent string

	mu    sync.RWMutex
	rules map[string]*robotstxt.RobotsData
}

// NewRobotsAgent creates an agent that fetches robots.txt through client.
func NewRobotsAgent(client Getter, userAgent string) *RobotsAgent {
	return &RobotsAgent{
		client:    client,
		userAgent: userAgent,
		rules:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether rawURL may be crawled.
func (a *RobotsAgent) Allowed(ctx context.Context, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}

	rules := a.rulesFor(ctx, target)
	if rules == nil {
		return true
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	return rules.TestAgent(path, a.userAgent)
}

func (a *RobotsAgent) rulesFor(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	rules, ok := a.rules[host]
	a.mu.RUnlock()
	if ok {
		return rules
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	resp, err := a.client.Get(ctx, robotsURL)
	if err != nil {
		slog.Debug("Could not fetch robots.txt, allowing all", "url", robotsURL, "error", err)
		rules = nil
	} else {
		rules, err = robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
		if err != nil {
			slog.Debug("Could not parse robots.txt, allowing all", "url", robotsURL, "error", err)
			rules = nil
		}
	}

	a.mu.Lock()
	a.rules[host] = rules
	a.mu.Unlock()
	return rules
}
