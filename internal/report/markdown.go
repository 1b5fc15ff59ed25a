// Package report renders human-readable run summaries in Markdown.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/masahif/sitemirror/internal/archive"
	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/linkrewrite"
)

// maxListedFailures bounds the failure table.
const maxListedFailures = 50

// Data is everything a summary shows. Links is nil when no rewrite ran.
type Data struct {
	SessionID    string
	Source       string
	OutputDir    string
	Started      time.Time
	Finished     time.Time
	Summary      archive.Summary
	StatusCounts map[int]int
	Failures     []archive.FetchResult
	Links        *linkrewrite.Result
}

// FromSession collects the report data of a finished session.
func FromSession(s *archive.Session, source string) Data {
	d := Data{
		SessionID:    s.ID,
		Source:       source,
		OutputDir:    s.Layout.Root,
		Started:      s.Started,
		Finished:     time.Now(),
		Summary:      s.Summary(),
		StatusCounts: s.Status.Snapshot(),
	}
	for _, r := range s.Results() {
		if r.Outcome == archive.OutcomeFailed {
			d.Failures = append(d.Failures, r)
		}
	}
	return d
}

// MarkdownWriter outputs summaries in Markdown format.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output}
}

// Write renders d.
func (w *MarkdownWriter) Write(d Data) error {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, d)
	if d.SessionID != "" {
		w.writeDownloads(md, d)
		w.writeStatusCodes(md, d)
		w.writeFailures(md, d)
	}
	if d.Links != nil {
		w.writeLinks(md, d.Links)
	}

	return md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, d Data) {
	md.H1("Sitemirror Report")
	md.PlainText("")

	rows := [][]string{}
	if d.SessionID != "" {
		rows = append(rows, []string{"Session", "`" + d.SessionID + "`"})
	}
	if d.Source != "" {
		rows = append(rows, []string{"Source", d.Source})
	}
	if d.OutputDir != "" {
		rows = append(rows, []string{"Output", "`" + d.OutputDir + "`"})
	}
	if !d.Started.IsZero() {
		rows = append(rows, []string{"Started", d.Started.Format("2006-01-02 15:04:05 MST")})
	}
	if !d.Started.IsZero() && !d.Finished.IsZero() {
		rows = append(rows, []string{"Duration", d.Finished.Sub(d.Started).Round(time.Second).String()})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeDownloads(md *markdown.Markdown, d Data) {
	s := d.Summary
	md.H2("Downloads")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Pages processed", strconv.Itoa(s.Pages)},
			{"Downloaded", strconv.Itoa(s.Downloaded)},
			{"Skipped (already on disk)", strconv.Itoa(s.SkippedExists)},
			{"Failed", strconv.Itoa(s.Failed)},
			{"Media downloaded", strconv.Itoa(s.MediaDownloaded)},
			{"Media reused", strconv.Itoa(s.MediaReused)},
			{"Bytes written", strconv.FormatInt(s.Bytes, 10)},
		},
	})
	md.PlainText("")

	switch {
	case s.Pages > 0 && s.Failed == s.Pages:
		md.Cautionf("All %d pages failed.", s.Pages)
	case s.Failed > 0:
		md.Warningf("%d of %d pages failed. See the error log for details.", s.Failed, s.Pages)
	default:
		md.Tip("All pages are available locally.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeStatusCodes(md *markdown.Markdown, d Data) {
	md.H2("HTTP Status Codes")
	md.PlainText("")

	if len(d.StatusCounts) == 0 {
		md.PlainText("No requests were issued.")
		md.PlainText("")
		return
	}

	codes := make([]int, 0, len(d.StatusCounts))
	for code := range d.StatusCounts {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	rows := make([][]string, 0, len(codes))
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Responses by status"),
		piechart.WithShowData(true),
	)
	for _, code := range codes {
		n := d.StatusCounts[code]
		rows = append(rows, []string{
			strconv.Itoa(code),
			fetch.StatusDescription(code),
			strconv.Itoa(n),
		})
		chart.LabelAndIntValue(strconv.Itoa(code), uint64(n))
	}
	md.Table(markdown.TableSet{
		Header: []string{"Status", "Description", "Count"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(codes) > 1 {
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}
}

func (w *MarkdownWriter) writeFailures(md *markdown.Markdown, d Data) {
	if len(d.Failures) == 0 {
		return
	}
	md.H2("Failed Pages")
	md.PlainText("")

	rows := [][]string{}
	for i, f := range d.Failures {
		if i == maxListedFailures {
			break
		}
		status := "-"
		if f.StatusCode != 0 {
			status = strconv.Itoa(f.StatusCode)
		}
		rows = append(rows, []string{f.URL, status, strconv.Itoa(f.Attempts), f.Error})
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Status", "Attempts", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
	if len(d.Failures) > maxListedFailures {
		md.PlainTextf("... and %d more.", len(d.Failures)-maxListedFailures)
		md.PlainText("")
	}
}

func (w *MarkdownWriter) writeLinks(md *markdown.Markdown, res *linkrewrite.Result) {
	md.H2("Links")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Count"},
		Rows: [][]string{
			{"Pages mapped", strconv.Itoa(res.PagesMapped)},
			{"Files scanned", strconv.Itoa(res.FilesScanned)},
			{"Files updated", strconv.Itoa(res.FilesTouched)},
			{"Links fixed", strconv.Itoa(len(res.FixedLinks))},
			{"Broken links", strconv.Itoa(len(res.BrokenLinks))},
			{"External links", strconv.Itoa(res.ExternalLinks)},
		},
	})
	md.PlainText("")

	if len(res.BrokenLinks) == 0 {
		md.Note("No broken links found.")
		md.PlainText("")
		return
	}

	md.H3("Broken Links")
	md.PlainText("")
	rows := make([][]string, 0, len(res.BrokenLinks))
	for _, b := range res.BrokenLinks {
		rows = append(rows, []string{"`" + b.File + "`", b.URL, b.Text})
	}
	md.Table(markdown.TableSet{
		Header: []string{"File", "URL", "Text"},
		Rows:   rows,
	})
	md.PlainText("")
}

// WriteFile renders d to <dir>/<name> atomically and returns the path.
func WriteFile(dir, name string, d Data) (string, error) {
	var buf bytes.Buffer
	if err := NewMarkdownWriter(&buf).Write(d); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// SummaryName is the file name of a session summary.
func SummaryName(sessionID string) string {
	return "summary_" + sessionID + ".md"
}
