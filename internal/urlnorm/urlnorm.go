// Package urlnorm provides the URL normalization and site-scope helpers shared
// by discovery, acquisition and link rewriting.
package urlnorm

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Normalize returns the canonical key for a URL: lower-cased scheme and host,
// the path as-is, fragment removed. The query string is kept unless stripQuery is set.
func Normalize(rawURL string, stripQuery bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if stripQuery {
		u.RawQuery = ""
		u.ForceQuery = false
	}
	return u.String(), nil
}

// Key is the media deduplication key: scheme://host/path, no query, no fragment.
func Key(rawURL string) string {
	key, err := Normalize(rawURL, true)
	if err != nil {
		return rawURL
	}
	return key
}

// StripWWW removes a leading "www." from a host.
func StripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// SameHost reports whether two URLs share a host, ignoring a leading "www.".
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return StripWWW(ua.Hostname()) == StripWWW(ub.Hostname())
}

// RegistrableDomain returns the eTLD+1 of host. Hosts that have no public
// suffix (localhost, IP addresses) are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// SameSite reports whether target falls under the registrable domain of seed.
func SameSite(seed, target string) bool {
	us, err := url.Parse(seed)
	if err != nil {
		return false
	}
	ut, err := url.Parse(target)
	if err != nil {
		return false
	}
	if ut.Scheme != "http" && ut.Scheme != "https" {
		return false
	}
	return RegistrableDomain(us.Hostname()) == RegistrableDomain(ut.Hostname())
}
