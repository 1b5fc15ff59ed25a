package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahif/sitemirror/internal/archive"
	"github.com/masahif/sitemirror/internal/config"
	"github.com/masahif/sitemirror/internal/discover"
	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/ratecontrol"
)

var discoverCmd = &cobra.Command{
	Use:   "discover [URL]",
	Short: "List the pages of a site without downloading them",
	Long: `Discover pages from a sitemap, a URL list file or a recursive crawl
and write them to <output>/Logs/urls_<timestamp>.json.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscoverCmd,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
}

func runDiscoverCmd(cmd *cobra.Command, args []string) error {
	cfg, closer, done, err := prepare(cmd, args)
	if err != nil || done {
		return err
	}
	defer func() { _ = closer.Close() }()

	if err := cfg.RequireSource(); err != nil {
		return err
	}

	urls, path, err := runDiscover(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Discovered %d URLs\n", len(urls))
	fmt.Fprintf(cmd.OutOrStdout(), "URL list: %s\n", path)
	return nil
}

// urlsFile is the layout of Logs/urls_<ts>.json.
type urlsFile struct {
	Source    discover.Source          `json:"source"`
	Count     int                      `json:"count"`
	Timestamp time.Time                `json:"timestamp"`
	URLs      []discover.DiscoveredURL `json:"urls"`
}

// runDiscover runs discovery and writes the URL list artifact.
func runDiscover(ctx context.Context, cfg *config.MirrorConfig) ([]discover.DiscoveredURL, string, error) {
	layout := archive.Layout{Root: cfg.OutputDir}
	if err := layout.Ensure(); err != nil {
		return nil, "", err
	}

	client := newHTTPClient(cfg)
	defer client.Close()

	src := sourceOf(cfg)
	urls, err := discoverURLs(ctx, cfg, client, newRateController(cfg), src)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	path, err := layout.WriteLog("urls_"+now.Format("20060102_150405")+".json", urlsFile{
		Source:    src,
		Count:     len(urls),
		Timestamp: now,
		URLs:      urls,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to write URL list: %w", err)
	}
	slog.Info("URL list written", "path", path, "count", len(urls))
	return urls, path, nil
}

func sourceOf(cfg *config.MirrorConfig) discover.Source {
	return discover.Source{
		SeedURL:    cfg.SeedURL,
		SitemapURL: cfg.SitemapURL,
		InputFile:  cfg.InputFile,
	}
}

// discoverURLs runs the configured strategy. Discovery requests share the
// rate controller with the fetch phase.
func discoverURLs(ctx context.Context, cfg *config.MirrorConfig, client *fetch.HTTPClient, rc *ratecontrol.Controller, src discover.Source) ([]discover.DiscoveredURL, error) {
	var robots *discover.RobotsAgent
	if cfg.RespectRobots {
		robots = discover.NewRobotsAgent(client, cfg.UserAgent)
	}

	d := discover.New(client, rc, robots, cfg.MaxPages)
	d.StripQuery = cfg.StripQuery

	urls, err := d.Discover(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	return urls, nil
}
