package discover

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadURLList reads a pre-existing URL list. A .json file holds an array of
// strings or of DiscoveredURL objects, optionally wrapped as {"urls": [...]}.
// Anything else is one URL per line; blank lines and '#' comments are ignored.
func LoadURLList(path string) ([]DiscoveredURL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read URL list: %w", err)
	}

	var urls []DiscoveredURL
	if strings.EqualFold(filepath.Ext(path), ".json") {
		urls, err = parseJSONList(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse URL list %s: %w", path, err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, DiscoveredURL{URL: line})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read URL list %s: %w", path, err)
		}
	}

	seen := dedupe{}
	out := urls[:0]
	for _, u := range urls {
		if !seen.add(u.URL, false) {
			continue
		}
		if u.Title == "" {
			u.Title = u.URL
		}
		out = append(out, u)
	}
	return out, nil
}

func parseJSONList(data []byte) ([]DiscoveredURL, error) {
	var raw []json.RawMessage
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		// url_list_<ts>.json artifacts wrap the array.
		var wrapped struct {
			URLs []json.RawMessage `json:"urls"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		raw = wrapped.URLs
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	urls := make([]DiscoveredURL, 0, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			urls = append(urls, DiscoveredURL{URL: strings.TrimSpace(s)})
			continue
		}
		var d DiscoveredURL
		if err := json.Unmarshal(item, &d); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		d.URL = strings.TrimSpace(d.URL)
		urls = append(urls, d)
	}
	return urls, nil
}
