package linkrewrite

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	frontMatterRe = regexp.MustCompile(`(?s)\A\s*---[ \t]*\r?\n(.*?)\r?\n---[ \t]*(?:\r?\n|\z)`)
	originalURLRe = regexp.MustCompile(`(?m)^\s*original_url:\s*(.*?)\s*$`)
)

// FrontMatter is the subset of a converted document's metadata block the
// rewriter reads.
type FrontMatter struct {
	OriginalURL string `yaml:"original_url"`
	Title       string `yaml:"title"`
}

// ParseFrontMatter extracts the leading "---" delimited block. ok is false
// when the document has none. A block that is not valid YAML still yields
// original_url when a line declares it.
func ParseFrontMatter(content string) (fm FrontMatter, ok bool) {
	m := frontMatterRe.FindStringSubmatch(content)
	if m == nil {
		return FrontMatter{}, false
	}
	block := m[1]

	if err := yaml.Unmarshal([]byte(block), &fm); err == nil && fm.OriginalURL != "" {
		fm.OriginalURL = strings.TrimSpace(fm.OriginalURL)
		return fm, true
	}

	if u := originalURLRe.FindStringSubmatch(block); u != nil {
		fm.OriginalURL = strings.Trim(u[1], `"'`)
	}
	return fm, true
}
