// Package cmd provides the command-line interface for sitemirror.
// It handles command parsing, configuration loading, and pipeline execution.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/sitemirror/internal/config"
	"github.com/masahif/sitemirror/internal/fetch"
	"github.com/masahif/sitemirror/internal/logging"
	"github.com/masahif/sitemirror/internal/ratecontrol"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitemirror",
	Short: "A polite website archiver",
	Long: `sitemirror archives websites for offline use.

It discovers pages from a sitemap, a URL list or a recursive crawl,
downloads them with their images, stylesheets, scripts and documents,
and rewrites links between converted documents to relative paths.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

type flagBinding struct {
	viperKey string
	flagName string
}

func bindFlags(cmd *cobra.Command, persistent bool, binds []flagBinding) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for _, bind := range binds {
		if err := viper.BindPFlag(bind.viperKey, flags.Lookup(bind.flagName)); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()

	// Configuration management flags
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./sitemirror.yml)")
	pf.Bool("show-config", false, "Display current configuration in YAML format and exit")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "json", "Log format: json or text")
	pf.String("log-file", "", "Log file; relative names are placed under <output>/Logs")

	// Output
	pf.StringP("output", "o", "./output", "Output directory")

	// Discovery sources
	pf.String("seed-url", "", "Start a recursive crawl from this URL")
	pf.String("sitemap-url", "", "Read URLs from this sitemap or sitemap index")
	pf.StringP("input-file", "i", "", "Read URLs from a JSON or newline-delimited file")
	pf.IntP("max-pages", "l", 0, "Stop after N pages (0=unlimited)")
	pf.Bool("respect-robots", true, "Check robots.txt during recursive crawls")
	pf.Bool("strip-query", true, "Treat URLs that differ only in query string as one page when crawling")

	// Rate control
	pf.Duration("delay", 1500*time.Millisecond, "Initial delay between requests")
	pf.Duration("min-delay", time.Second, "Lower bound of the request delay")
	pf.Duration("max-delay", 60*time.Second, "Upper bound of the request delay")
	pf.Float64("backoff-factor", 2.0, "Delay multiplier applied when the server pushes back")
	pf.Bool("adaptive-rate-limit", true, "Raise the delay for the rest of the run on 429/5xx")

	// HTTP
	pf.DurationP("timeout", "t", 30*time.Second, "HTTP request timeout")
	pf.Int("max-retries", 3, "Retries per URL after the first attempt")
	pf.IntSlice("retry-status-codes", []int{429, 500, 502, 503, 504}, "Status codes that are retried")
	pf.StringP("user-agent", "u", config.DefaultUserAgent, "HTTP User-Agent header")
	pf.StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	// Authentication
	pf.String("auth-type", "", "Authentication type: 'basic', 'bearer', or 'api-key'")
	pf.String("auth-username", "", "Username for basic authentication")
	pf.String("auth-password", "", "Password for basic authentication")
	pf.String("auth-token", "", "Bearer token for authorization header")
	pf.String("auth-header", "", "API key header name (e.g., X-API-Key)")
	pf.String("auth-value", "", "API key header value")

	bindFlags(rootCmd, true, []flagBinding{
		{"log_level", "log-level"},
		{"log_format", "log-format"},
		{"log_file", "log-file"},
		{"output_dir", "output"},
		{"seed_url", "seed-url"},
		{"sitemap_url", "sitemap-url"},
		{"input_file", "input-file"},
		{"max_pages", "max-pages"},
		{"respect_robots", "respect-robots"},
		{"strip_query", "strip-query"},
		{"request_delay", "delay"},
		{"min_delay", "min-delay"},
		{"max_delay", "max-delay"},
		{"backoff_factor", "backoff-factor"},
		{"adaptive_rate_limit", "adaptive-rate-limit"},
		{"request_timeout", "timeout"},
		{"max_retries", "max-retries"},
		{"retry_status_codes", "retry-status-codes"},
		{"user_agent", "user-agent"},
		{"auth.type", "auth-type"},
		{"auth.basic.username", "auth-username"},
		{"auth.basic.password", "auth-password"},
		{"auth.bearer.token", "auth-token"},
		{"auth.apikey.header", "auth-header"},
		{"auth.apikey.value", "auth-value"},
	})
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("sitemirror")
	}

	viper.SetEnvPrefix("SM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("Sitemirror/%s", version)
	}
	return "Sitemirror/dev"
}

// loadConfig merges defaults, the config file, SM_ variables and flags.
// A positional URL is taken as the seed when no other source is set.
func loadConfig(cmd *cobra.Command, args []string) (*config.MirrorConfig, error) {
	cfg := config.DefaultConfig()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(args) > 0 && cfg.SeedURL == "" && cfg.SitemapURL == "" && cfg.InputFile == "" {
		if strings.HasSuffix(strings.ToLower(args[0]), ".xml") {
			cfg.SitemapURL = args[0]
		} else {
			cfg.SeedURL = args[0]
		}
	}

	if headers, _ := cmd.Flags().GetStringSlice("header"); len(headers) > 0 {
		parsed, err := parseHeaders(headers)
		if err != nil {
			return nil, err
		}
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string, len(parsed))
		}
		for k, v := range parsed {
			cfg.Headers[k] = v
		}
	}

	if !cmd.Flags().Changed("user-agent") && cfg.UserAgent == config.DefaultUserAgent {
		cfg.UserAgent = generateUserAgent()
	}

	return cfg, nil
}

// parseHeaders turns "Name: Value" strings into a map.
func parseHeaders(headers []string) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: Value'", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// prepare loads and validates the configuration and installs the logger.
// done is true when --show-config handled the command.
func prepare(cmd *cobra.Command, args []string) (cfg *config.MirrorConfig, closer io.Closer, done bool, err error) {
	cfg, err = loadConfig(cmd, args)
	if err != nil {
		return nil, nil, false, err
	}

	if show, _ := cmd.Flags().GetBool("show-config"); show {
		return cfg, nil, true, showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, false, fmt.Errorf("invalid configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	if cfg.LogFormat != "" {
		logCfg.Format = cfg.LogFormat
	}
	logCfg.FilePath = logging.ResolveFilePath(cfg.LogFile, cfg.OutputDir)
	logCfg.Stream = cmd.ErrOrStderr()
	closer, err = logging.SetDefault(*logCfg)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to set up logging: %w", err)
	}

	return cfg, closer, false, nil
}

func showCurrentConfig(w io.Writer, cfg *config.MirrorConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current sitemirror configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./sitemirror.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: SM_\n\n")

	_, _ = w.Write(yamlData)

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (SM_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (sitemirror.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}

// newHTTPClient builds the shared client with authentication and headers.
func newHTTPClient(cfg *config.MirrorConfig) *fetch.HTTPClient {
	client := fetch.NewHTTPClient(cfg.UserAgent, cfg.RequestTimeout)
	client.SetCustomHeaders(cfg.Headers)

	if cfg.Auth != nil {
		switch strings.ToLower(cfg.Auth.Type) {
		case "basic", "":
			if username, password := cfg.GetBasicAuthCredentials(); username != "" && password != "" {
				client.SetBasicAuth(username, password)
			}
		case "bearer":
			if token := cfg.GetBearerToken(); token != "" {
				client.SetBearerAuth(token)
			}
		case "api-key", "apikey":
			if cfg.Auth.APIKey != nil {
				client.SetAPIKeyAuth(cfg.Auth.APIKey.Header, cfg.Auth.APIKey.Value)
			}
		}
	}
	return client
}

// newRateController builds the run-wide rate controller.
func newRateController(cfg *config.MirrorConfig) *ratecontrol.Controller {
	return ratecontrol.New(ratecontrol.Config{
		InitialDelay:  cfg.RequestDelay,
		MinDelay:      cfg.MinDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Adaptive:      cfg.AdaptiveRateLimit,
	})
}
