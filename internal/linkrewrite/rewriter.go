// Package linkrewrite turns links between converted documents into relative
// paths once the final layout of the document tree is known.
package linkrewrite

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/masahif/sitemirror/internal/urlnorm"
)

// DefaultImagePrefix marks image references, which are never rewritten.
const DefaultImagePrefix = "./images/"

// FixedLink is one rewritten link.
type FixedLink struct {
	File string `json:"file"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// BrokenLink is an internal link whose target is not in the index.
type BrokenLink struct {
	File string `json:"file"`
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Result summarizes one rewrite run.
type Result struct {
	PagesMapped   int          `json:"pages_mapped"`
	FilesScanned  int          `json:"files_scanned"`
	FilesTouched  int          `json:"files_touched"`
	ExternalLinks int          `json:"external_links"`
	FixedLinks    []FixedLink  `json:"fixed_links"`
	BrokenLinks   []BrokenLink `json:"broken_links"`
}

// Rewriter runs the index and rewrite passes over one document tree.
type Rewriter struct {
	root        string
	imagePrefix string
	md          goldmark.Markdown
}

// New creates a Rewriter for the markdown documents under root.
func New(root, imagePrefix string) *Rewriter {
	if imagePrefix == "" {
		imagePrefix = DefaultImagePrefix
	}
	return &Rewriter{
		root:        root,
		imagePrefix: imagePrefix,
		md:          goldmark.New(),
	}
}

// Index maps original URLs to slash-separated paths relative to the root.
type Index struct {
	pages map[string]string
	hosts map[string]bool
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{pages: map[string]string{}, hosts: map[string]bool{}}
}

// Add maps originalURL to relPath.
func (idx *Index) Add(originalURL, relPath string) {
	idx.pages[originalURL] = relPath
	key, host, ok := pageKey(originalURL)
	if !ok {
		return
	}
	if _, taken := idx.pages[key]; !taken {
		idx.pages[key] = relPath
	}
	idx.hosts[host] = true
}

// Lookup returns the path mapped for target, trying the literal URL first
// and then its canonical form.
func (idx *Index) Lookup(target string) (string, bool) {
	if p, ok := idx.pages[target]; ok {
		return p, true
	}
	key, _, ok := pageKey(target)
	if !ok {
		return "", false
	}
	p, ok := idx.pages[key]
	return p, ok
}

// pageKey folds the spellings of one page onto a single key: normalized,
// without "www." and without a trailing slash outside the root.
func pageKey(raw string) (key, host string, ok bool) {
	norm, err := urlnorm.Normalize(raw, false)
	if err != nil {
		return "", "", false
	}
	u, err := url.Parse(norm)
	if err != nil {
		return "", "", false
	}
	host = urlnorm.StripWWW(u.Hostname())
	u.Host = urlnorm.StripWWW(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), host, true
}

// Covers reports whether host belongs to any indexed page.
func (idx *Index) Covers(host string) bool {
	return idx.hosts[urlnorm.StripWWW(host)]
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	seen := map[string]bool{}
	for _, p := range idx.pages {
		seen[p] = true
	}
	return len(seen)
}

// Run builds the index from front matter and then rewrites every document.
func (r *Rewriter) Run() (*Result, error) {
	files, err := r.documents()
	if err != nil {
		return nil, err
	}

	idx, err := r.BuildIndex(files)
	if err != nil {
		return nil, err
	}

	res := &Result{
		PagesMapped:  idx.Len(),
		FilesScanned: len(files),
		FixedLinks:   []FixedLink{},
		BrokenLinks:  []BrokenLink{},
	}

	for _, rel := range files {
		if err := r.rewriteFile(rel, idx, res); err != nil {
			slog.Error("Error fixing links", "file", rel, "error", err)
		}
	}

	slog.Info("Link validation complete", "fixed", len(res.FixedLinks),
		"broken", len(res.BrokenLinks), "external", res.ExternalLinks, "files_touched", res.FilesTouched)
	return res, nil
}

// BuildIndex reads the front matter of each file.
func (r *Rewriter) BuildIndex(files []string) (*Index, error) {
	idx := NewIndex()
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
		if err != nil {
			slog.Error("Error extracting URL", "file", rel, "error", err)
			continue
		}
		fm, ok := ParseFrontMatter(string(data))
		if !ok || fm.OriginalURL == "" {
			continue
		}
		idx.Add(fm.OriginalURL, rel)
		slog.Debug("Mapped page", "url", fm.OriginalURL, "path", rel)
	}
	slog.Info("Built pages map", "entries", idx.Len())
	return idx, nil
}

func (r *Rewriter) documents() ([]string, error) {
	var files []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".md" && ext != ".markdown" {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", r.root, err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Rewriter) rewriteFile(rel string, idx *Index, res *Result) error {
	path := filepath.Join(r.root, filepath.FromSlash(rel))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	out := r.Rewrite(string(data), rel, idx)
	res.FixedLinks = append(res.FixedLinks, out.Fixed...)
	res.BrokenLinks = append(res.BrokenLinks, out.Broken...)
	res.ExternalLinks += out.External

	if len(out.Fixed) == 0 {
		return nil
	}
	if err := writeAtomic(path, []byte(out.Content)); err != nil {
		return err
	}
	res.FilesTouched++
	slog.Info("Updated links", "file", rel, "fixed", len(out.Fixed))
	return nil
}

// Rewritten is the outcome of rewriting one document.
type Rewritten struct {
	Content  string
	Fixed    []FixedLink
	Broken   []BrokenLink
	External int
}

// occurrence is one markdown link found in a document. start and end
// delimit the URL part of the target.
type occurrence struct {
	text   string
	target string
	start  int
	end    int
}

// Rewrite rewrites the internal links of one document located at rel.
func (r *Rewriter) Rewrite(content, rel string, idx *Index) Rewritten {
	out := Rewritten{Content: content}

	var base *url.URL
	if fm, ok := ParseFrontMatter(content); ok && fm.OriginalURL != "" {
		base, _ = url.Parse(fm.OriginalURL)
	}

	var edits []edit
	for _, occ := range r.findLinks(content) {
		target := occ.target

		if strings.HasPrefix(target, r.imagePrefix) {
			continue
		}
		if isRelativeMarkdown(target) {
			continue
		}

		u, err := url.Parse(target)
		if err != nil {
			continue
		}
		switch {
		case u.Scheme == "http" || u.Scheme == "https":
			if !idx.Covers(u.Hostname()) {
				out.External++
				continue
			}
		case u.Scheme != "":
			// mailto:, tel: and other non-web schemes
			continue
		case u.Host == "" && u.Path == "":
			// same-document anchor
			continue
		default:
			if base != nil {
				u = base.ResolveReference(u)
			}
		}

		fragment := u.Fragment
		lookup := *u
		lookup.Fragment = ""
		lookup.RawFragment = ""

		mapped, ok := idx.Lookup(lookup.String())
		if !ok {
			out.Broken = append(out.Broken, BrokenLink{File: rel, URL: target, Text: occ.text})
			continue
		}

		replacement := relativePath(rel, mapped)
		if fragment != "" {
			replacement += "#" + fragment
		}
		edits = append(edits, edit{start: occ.start, end: occ.end, replacement: replacement})
		out.Fixed = append(out.Fixed, FixedLink{File: rel, From: target, To: replacement, Text: occ.text})
	}

	if len(edits) > 0 {
		out.Content = splice(content, edits)
	}
	return out
}

// findLinks returns the inline links of content that goldmark also parses
// as links. Candidates starting inside code spans, code blocks or raw HTML
// are dropped by position, so a code sample never shadows a real link.
func (r *Rewriter) findLinks(content string) []occurrence {
	source := []byte(content)
	doc := r.md.Parser().Parse(text.NewReader(source))

	destinations := map[string]int{}
	var literal []text.Segment
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Link:
			destinations[string(node.Destination)]++
		case *ast.CodeSpan:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					literal = append(literal, t.Segment)
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			literal = appendSegments(literal, node.Segments)
		case *ast.HTMLBlock:
			literal = appendSegments(literal, node.Lines())
			if node.HasClosure() {
				literal = append(literal, node.ClosureLine)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			literal = appendSegments(literal, n.Lines())
		}
		return ast.WalkContinue, nil
	})

	var out []occurrence
	for i := 0; i < len(content); i++ {
		if content[i] != '[' {
			continue
		}
		if i > 0 && (content[i-1] == '!' || content[i-1] == '\\') {
			continue
		}
		label, start, end, ok := inlineLink(content, i)
		if !ok || within(literal, i) || within(literal, start) {
			continue
		}
		target := content[start:end]
		if destinations[target] == 0 {
			continue
		}
		destinations[target]--

		out = append(out, occurrence{text: label, target: target, start: start, end: end})
	}
	return out
}

func appendSegments(dst []text.Segment, segs *text.Segments) []text.Segment {
	if segs == nil {
		return dst
	}
	for i := 0; i < segs.Len(); i++ {
		dst = append(dst, segs.At(i))
	}
	return dst
}

func within(segs []text.Segment, pos int) bool {
	for _, s := range segs {
		if pos >= s.Start && pos < s.Stop {
			return true
		}
	}
	return false
}

// inlineLink parses "[label](destination "title")" at the '[' at i. The label
// may hold nested brackets, as in a linked image. start and end delimit the
// destination without its angle brackets.
func inlineLink(src string, i int) (label string, start, end int, ok bool) {
	j, depth := i, 0
	for ; j < len(src); j++ {
		c := src[j]
		if c == '\\' {
			j++
			continue
		}
		if c == '\n' && j+1 < len(src) && src[j+1] == '\n' {
			return "", 0, 0, false
		}
		if c == '[' {
			depth++
		} else if c == ']' {
			depth--
			if depth == 0 {
				break
			}
		}
	}
	if j+1 >= len(src) || src[j+1] != '(' {
		return "", 0, 0, false
	}
	label = src[i+1 : j]

	k := skipSpace(src, j+2)
	if k < len(src) && src[k] == '<' {
		closing := strings.IndexAny(src[k+1:], ">\n")
		if closing < 0 || src[k+1+closing] != '>' {
			return "", 0, 0, false
		}
		start, end = k+1, k+1+closing
		k = end + 1
	} else {
		start = k
		parens := 0
	scan:
		for ; k < len(src); k++ {
			switch c := src[k]; {
			case c == '\\':
				k++
			case c <= ' ':
				break scan
			case c == '(':
				parens++
			case c == ')':
				if parens == 0 {
					break scan
				}
				parens--
			}
		}
		if k > len(src) {
			k = len(src)
		}
		end = k
		if start == end {
			return "", 0, 0, false
		}
	}

	k = skipSpace(src, k)
	if k < len(src) && (src[k] == '"' || src[k] == '\'' || src[k] == '(') {
		closer := src[k]
		if closer == '(' {
			closer = ')'
		}
		rest := strings.IndexByte(src[k+1:], closer)
		if rest < 0 {
			return "", 0, 0, false
		}
		k = skipSpace(src, k+rest+2)
	}
	if k >= len(src) || src[k] != ')' {
		return "", 0, 0, false
	}
	return label, start, end, true
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// isRelativeMarkdown matches targets that already point at another
// converted document by path.
func isRelativeMarkdown(target string) bool {
	clean := target
	if i := strings.IndexAny(clean, "#?"); i >= 0 {
		clean = clean[:i]
	}
	return strings.HasSuffix(strings.ToLower(clean), ".md") && strings.ContainsAny(clean, `/\`)
}

// relativePath returns the path from the directory of fromFile to toFile,
// both relative to the same root, using forward slashes.
func relativePath(fromFile, toFile string) string {
	fromDir := filepath.Dir(filepath.FromSlash(fromFile))
	rel, err := filepath.Rel(fromDir, filepath.FromSlash(toFile))
	if err != nil {
		rel = toFile
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), `\`, "/")
}

func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
