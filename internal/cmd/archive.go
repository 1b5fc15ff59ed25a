package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahif/sitemirror/internal/archive"
	"github.com/masahif/sitemirror/internal/config"
	"github.com/masahif/sitemirror/internal/discover"
	"github.com/masahif/sitemirror/internal/report"
	"github.com/masahif/sitemirror/internal/storage"
)

var archiveCmd = &cobra.Command{
	Use:   "archive [URL]",
	Short: "Discover and download a site",
	Long: `Discover pages, download each one with its metadata sidecar and
same-site media, then write session logs and a Markdown summary.

Pages already on disk are skipped, so an interrupted run can simply be
started again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runArchiveCmd,
}

func init() {
	f := archiveCmd.Flags()
	f.Bool("download-media", true, "Download images, stylesheets, scripts and documents")
	f.String("media-identity", config.MediaIdentitySHA256, "How to tell resources apart on a path clash: sha256 or heuristic")
	f.StringP("database", "d", "", "Also record the session in this SQLite database")

	bindFlags(archiveCmd, false, []flagBinding{
		{"download_media", "download-media"},
		{"media_identity", "media-identity"},
		{"database_path", "database"},
	})

	rootCmd.AddCommand(archiveCmd)
}

func runArchiveCmd(cmd *cobra.Command, args []string) error {
	cfg, closer, done, err := prepare(cmd, args)
	if err != nil || done {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := cfg.RequireSource(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting archive with configuration:\n")
	fmt.Fprintf(out, "  Output: %s\n", cfg.OutputDir)
	fmt.Fprintf(out, "  Max pages: %d\n", cfg.MaxPages)
	fmt.Fprintf(out, "  Request delay: %v (%v - %v)\n", cfg.RequestDelay, cfg.MinDelay, cfg.MaxDelay)
	fmt.Fprintf(out, "  Media: %t (%s)\n", cfg.DownloadMedia, cfg.MediaIdentity)
	if username, password := cfg.GetBasicAuthCredentials(); username != "" && password != "" {
		fmt.Fprintf(out, "  Authentication: Basic (username: %s)\n", username)
	}

	run, err := runArchive(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	printSummary(out, run)
	return nil
}

// archiveRun is the outcome of one archive command.
type archiveRun struct {
	SessionID  string
	Discovered int
	Summary    archive.Summary
	ReportPath string
	Stored     *storedSession
}

// storedSession is what the session store holds for a finished run.
type storedSession struct {
	Outcomes   map[archive.Outcome]int
	Errors     int
	MediaFiles int
}

func readStoredSession(store *storage.SQLiteStorage, id string) (*storedSession, error) {
	outcomes, err := store.OutcomeCounts(id)
	if err != nil {
		return nil, err
	}
	errs, err := store.ErrorCount(id)
	if err != nil {
		return nil, err
	}
	media, err := store.MediaPaths(id)
	if err != nil {
		return nil, err
	}
	return &storedSession{Outcomes: outcomes, Errors: errs, MediaFiles: len(media)}, nil
}

// runArchive discovers, fetches and records one session.
func runArchive(ctx context.Context, cfg *config.MirrorConfig) (*archiveRun, error) {
	layout := archive.Layout{Root: cfg.OutputDir}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	var recorder archive.Recorder
	var store *storage.SQLiteStorage
	if cfg.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		var err error
		store, err = storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer func() { _ = store.Close() }()
		recorder = store
	}

	client := newHTTPClient(cfg)
	defer client.Close()

	rc := newRateController(cfg)
	session := archive.NewSession(cfg.OutputDir, rc, recorder)
	src := sourceOf(cfg)

	if store != nil {
		if err := store.StartSession(session.ID, describeSource(src), cfg.OutputDir, session.Started); err != nil {
			return nil, err
		}
	}
	slog.Info("Archive session started", "session", session.ID, "output", cfg.OutputDir)

	discovered, err := discoverURLs(ctx, cfg, client, rc, src)
	if err != nil {
		return nil, err
	}
	if store != nil {
		if err := store.RecordDiscovered(session.ID, discovered); err != nil {
			slog.Warn("Failed to record discovered URLs", "error", err)
		}
	}

	urls := make([]string, 0, len(discovered))
	for _, d := range discovered {
		urls = append(urls, d.URL)
	}

	fetcher := archive.NewContentFetcher(session, client, archive.Options{
		MaxRetries:    cfg.MaxRetries,
		RetryCodes:    cfg.RetryStatusCodes,
		DownloadMedia: cfg.DownloadMedia,
		MediaIdentity: cfg.MediaIdentity,
	})
	fetcher.FetchAll(ctx, urls)

	flushErr := session.Flush()

	data := report.FromSession(session, describeSource(src))
	reportPath, err := report.WriteFile(filepath.Join(cfg.OutputDir, archive.ReportsDir), report.SummaryName(session.ID), data)
	if err != nil {
		slog.Error("Failed to write summary report", "error", err)
	} else {
		slog.Info("Summary report written", "path", reportPath)
	}

	if store != nil {
		if err := store.FinishSession(session.ID, time.Now()); err != nil {
			slog.Warn("Failed to finish session record", "error", err)
		}
	}

	run := &archiveRun{
		SessionID:  session.ID,
		Discovered: len(discovered),
		Summary:    session.Summary(),
		ReportPath: reportPath,
	}
	if store != nil {
		stored, err := readStoredSession(store, session.ID)
		if err != nil {
			slog.Warn("Failed to read session record", "error", err)
		}
		run.Stored = stored
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return run, errors.Join(ctxErr, flushErr)
	}
	return run, flushErr
}

func describeSource(src discover.Source) string {
	switch {
	case src.InputFile != "":
		return src.InputFile
	case src.SitemapURL != "":
		return src.SitemapURL
	default:
		return src.SeedURL
	}
}

func printSummary(w io.Writer, run *archiveRun) {
	s := run.Summary
	fmt.Fprintf(w, "\nSession %s complete\n", run.SessionID)
	fmt.Fprintf(w, "  Discovered: %d\n", run.Discovered)
	fmt.Fprintf(w, "  Downloaded: %d\n", s.Downloaded)
	fmt.Fprintf(w, "  Skipped (exists): %d\n", s.SkippedExists)
	fmt.Fprintf(w, "  Failed: %d\n", s.Failed)
	fmt.Fprintf(w, "  Media: %d downloaded, %d reused\n", s.MediaDownloaded, s.MediaReused)
	if run.ReportPath != "" {
		fmt.Fprintf(w, "  Report: %s\n", run.ReportPath)
	}
	if st := run.Stored; st != nil {
		pages := 0
		for _, n := range st.Outcomes {
			pages += n
		}
		fmt.Fprintf(w, "  Database: %d pages, %d media files, %d failed attempts\n", pages, st.MediaFiles, st.Errors)
	}
}
