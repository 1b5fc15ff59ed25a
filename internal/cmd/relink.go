package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahif/sitemirror/internal/archive"
	"github.com/masahif/sitemirror/internal/config"
	"github.com/masahif/sitemirror/internal/linkrewrite"
	"github.com/masahif/sitemirror/internal/report"
)

// errNoDocsDir is returned when relink has no document tree to work on.
var errNoDocsDir = errors.New("docs_dir is required: pass --docs-dir or set it in sitemirror.yml")

var relinkCmd = &cobra.Command{
	Use:   "relink [DIR]",
	Short: "Rewrite links between converted documents to relative paths",
	Long: `Index every Markdown document under the docs directory by the
original_url in its front matter, then rewrite links to indexed pages as
relative paths. Links to pages that were never converted are reported as
broken and left unchanged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRelinkCmd,
}

func init() {
	f := relinkCmd.Flags()
	f.String("docs-dir", "", "Root of the converted Markdown documents")
	f.String("image-prefix", "./images/", "Link prefix of image references, which are never rewritten")

	bindFlags(relinkCmd, false, []flagBinding{
		{"docs_dir", "docs-dir"},
		{"image_prefix", "image-prefix"},
	})

	rootCmd.AddCommand(relinkCmd)
}

func runRelinkCmd(cmd *cobra.Command, args []string) error {
	// A positional argument is the docs directory, not a URL.
	cfg, closer, done, err := prepare(cmd, nil)
	if err != nil || done {
		return err
	}
	defer func() { _ = closer.Close() }()

	if len(args) > 0 {
		cfg.DocsDir = args[0]
	}

	res, reportPath, err := runRelink(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pages mapped: %d\n", res.PagesMapped)
	fmt.Fprintf(out, "Files updated: %d\n", res.FilesTouched)
	fmt.Fprintf(out, "Links fixed: %d\n", len(res.FixedLinks))
	fmt.Fprintf(out, "Broken links: %d\n", len(res.BrokenLinks))
	for _, b := range res.BrokenLinks {
		fmt.Fprintf(out, "  %s: %s\n", b.File, b.URL)
	}
	if reportPath != "" {
		fmt.Fprintf(out, "Report: %s\n", reportPath)
	}
	return nil
}

// runRelink rewrites the docs tree and writes a JSON log and a Markdown
// report under the output directory.
func runRelink(cfg *config.MirrorConfig) (*linkrewrite.Result, string, error) {
	if cfg.DocsDir == "" {
		return nil, "", errNoDocsDir
	}

	res, err := linkrewrite.New(cfg.DocsDir, cfg.ImagePrefix).Run()
	if err != nil {
		return nil, "", fmt.Errorf("link rewrite failed: %w", err)
	}

	layout := archive.Layout{Root: cfg.OutputDir}
	if err := layout.Ensure(); err != nil {
		slog.Error("Failed to create output directories", "error", err)
		return res, "", nil
	}

	stamp := time.Now().Format("20060102_150405")
	if path, err := layout.WriteLog("link_report_"+stamp+".json", res); err != nil {
		slog.Error("Failed to write link report", "error", err)
	} else {
		slog.Info("Link report written", "path", path)
	}

	reportPath, err := report.WriteFile(filepath.Join(cfg.OutputDir, archive.ReportsDir), "links_"+stamp+".md", report.Data{
		OutputDir: cfg.DocsDir,
		Links:     res,
	})
	if err != nil {
		slog.Error("Failed to write link summary", "error", err)
		return res, "", nil
	}
	return res, reportPath, nil
}
