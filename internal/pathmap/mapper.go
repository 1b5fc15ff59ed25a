// Package pathmap maps remote URLs onto the mirror's local directory layout.
// Mapping is a pure function of the URL: the same URL always yields the same
// relative path, and no path component contains a reserved character.
package pathmap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxPathLength is the ceiling for a mapped relative path. Longer paths are
// truncated and suffixed with a hash of the URL.
const MaxPathLength = 200

const reservedChars = `<>:"/\|?*`

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// PagePath returns the slash-separated relative path of a page body.
// A last segment without an extension gets ".html"; an empty path maps to
// "<domain>_index.html".
func PagePath(rawURL string) (string, error) {
	u, err := parse(rawURL)
	if err != nil {
		return "", err
	}

	segments := splitPath(u.Path)
	if len(segments) == 0 {
		return limit(SanitizeSegment(domainName(u)+"_index.html"), rawURL), nil
	}

	last := segments[len(segments)-1]
	if !strings.Contains(last, ".") {
		segments[len(segments)-1] = last + ".html"
	}
	return limit(joinSanitized(segments), rawURL), nil
}

// AssetPath returns the slash-separated relative path of a media body. Unlike
// PagePath it keeps extension-less names as they are; an empty path maps to
// "media_<hash>".
func AssetPath(rawURL string) (string, error) {
	u, err := parse(rawURL)
	if err != nil {
		return "", err
	}

	segments := splitPath(u.Path)
	if len(segments) == 0 {
		return "media_" + shortHash(rawURL, 8), nil
	}
	return limit(joinSanitized(segments), rawURL), nil
}

// SidecarPath returns the JSON sidecar path for a page path, mirroring its
// directory and naming the file "<basename>_meta.json".
func SidecarPath(pagePath string) string {
	dir, file := path.Split(pagePath)
	base := strings.TrimSuffix(file, path.Ext(file))
	return dir + base + "_meta.json"
}

// WithHashSuffix inserts "_<hash>" before the extension of relPath, where the
// hash is derived from key. Used to separate distinct resources whose URLs
// collide on the same local name.
func WithHashSuffix(relPath, key string) string {
	dir, file := path.Split(relPath)
	ext := path.Ext(file)
	name := strings.TrimSuffix(file, ext)
	return dir + name + "_" + shortHash(key, 8) + ext
}

// SanitizeSegment makes a single path component safe on every target
// filesystem. Segments are NFC-normalized so composed and decomposed
// spellings of one name map to the same file.
func SanitizeSegment(segment string) string {
	var b strings.Builder
	for _, r := range norm.NFC.String(segment) {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(reservedChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	name := b.String()

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if reservedNames[strings.ToUpper(stem)] {
		name = "_" + name
	}

	name = strings.TrimRight(name, ". ")
	if name == "" {
		return "unnamed"
	}
	return name
}

func parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", rawURL)
	}
	return u, nil
}

func splitPath(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

func joinSanitized(segments []string) string {
	clean := make([]string, len(segments))
	for i, s := range segments {
		clean[i] = SanitizeSegment(s)
	}
	return strings.Join(clean, "/")
}

func domainName(u *url.URL) string {
	return strings.ReplaceAll(strings.ToLower(u.Host), ".", "_")
}

// limit enforces MaxPathLength, keeping the extension and appending a hash
// of the URL so truncated paths stay distinct.
func limit(relPath, rawURL string) string {
	if len(relPath) <= MaxPathLength {
		return relPath
	}

	ext := path.Ext(relPath)
	if len(ext) > 16 || strings.Contains(ext, "/") {
		ext = ""
	}
	suffix := "_" + shortHash(rawURL, 16) + ext
	keep := MaxPathLength - len(suffix)

	head := strings.TrimSuffix(relPath, ext)
	head = head[:keep]
	for len(head) > 0 {
		if r, size := utf8.DecodeLastRuneInString(head); r != utf8.RuneError || size > 1 {
			break
		}
		head = head[:len(head)-1]
	}
	head = strings.TrimRight(head, "/. ")
	if head == "" {
		head = "unnamed"
	}
	return head + suffix
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
