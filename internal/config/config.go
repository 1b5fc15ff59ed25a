// Package config provides configuration management for the archiver.
// It defines configuration structures and default values for discovery,
// fetching and link rewriting.
package config

import (
	"os"
	"time"
)

// Media identity strategies for resources whose local path is already taken.
const (
	MediaIdentitySHA256    = "sha256"
	MediaIdentityHeuristic = "heuristic"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Sitemirror/1.0"

// BasicAuth contains HTTP Basic Authentication credentials
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`         // Username for basic auth
	Password    string `mapstructure:"password" yaml:"password"`         // Password for basic auth
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"` // Environment variable for username
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"` // Environment variable for password
}

// BearerAuth contains a bearer token, or the variable that holds it
type BearerAuth struct {
	Token    string `mapstructure:"token" yaml:"token"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// APIKeyAuth sends a fixed header with every request
type APIKeyAuth struct {
	Header string `mapstructure:"header" yaml:"header"`
	Value  string `mapstructure:"value" yaml:"value"`
}

// Auth contains authentication configuration
type Auth struct {
	Type   string      `mapstructure:"type" yaml:"type"` // basic, bearer or api-key
	Basic  *BasicAuth  `mapstructure:"basic" yaml:"basic,omitempty"`
	Bearer *BearerAuth `mapstructure:"bearer" yaml:"bearer,omitempty"`
	APIKey *APIKeyAuth `mapstructure:"apikey" yaml:"apikey,omitempty"`
}

// MirrorConfig holds archiver configuration
type MirrorConfig struct {
	// Output
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"` // Root of HTML/, JSON/, Logs/, Reports/

	// Discovery sources; the first non-empty of input_file, sitemap_url, seed_url wins
	SeedURL       string `mapstructure:"seed_url" yaml:"seed_url"`
	SitemapURL    string `mapstructure:"sitemap_url" yaml:"sitemap_url"`
	InputFile     string `mapstructure:"input_file" yaml:"input_file"`
	MaxPages      int    `mapstructure:"max_pages" yaml:"max_pages"`           // 0 = unlimited
	RespectRobots bool   `mapstructure:"respect_robots" yaml:"respect_robots"` // Advisory robots.txt check in recursive mode
	StripQuery    bool   `mapstructure:"strip_query" yaml:"strip_query"`       // Recursive mode ignores query strings

	// Rate control
	RequestDelay      time.Duration `mapstructure:"request_delay" yaml:"request_delay"`
	MinDelay          time.Duration `mapstructure:"min_delay" yaml:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffFactor     float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	AdaptiveRateLimit bool          `mapstructure:"adaptive_rate_limit" yaml:"adaptive_rate_limit"`

	// HTTP
	RequestTimeout   time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetries       int               `mapstructure:"max_retries" yaml:"max_retries"`
	RetryStatusCodes []int             `mapstructure:"retry_status_codes" yaml:"retry_status_codes"`
	UserAgent        string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers          map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Auth             *Auth             `mapstructure:"auth" yaml:"auth,omitempty"`

	// Media
	DownloadMedia bool   `mapstructure:"download_media" yaml:"download_media"`
	MediaIdentity string `mapstructure:"media_identity" yaml:"media_identity"` // sha256 or heuristic

	// Optional SQLite session store
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"` // json or text
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`     // Relative paths are placed under Logs/

	// Link rewriting
	DocsDir     string `mapstructure:"docs_dir" yaml:"docs_dir"`
	ImagePrefix string `mapstructure:"image_prefix" yaml:"image_prefix"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *MirrorConfig {
	return &MirrorConfig{
		OutputDir:         "./output",
		MaxPages:          0, // unlimited
		RespectRobots:     true,
		StripQuery:        true,
		RequestDelay:      1500 * time.Millisecond,
		MinDelay:          1 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffFactor:     2.0,
		AdaptiveRateLimit: true,
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryStatusCodes:  []int{429, 500, 502, 503, 504},
		UserAgent:         DefaultUserAgent,
		DownloadMedia:     true,
		MediaIdentity:     MediaIdentitySHA256,
		LogLevel:          "info",
		LogFormat:         "json",
		ImagePrefix:       "./images/",
	}
}

// Validate checks if the configuration is valid. It does not require a
// discovery source; commands that need one call RequireSource.
func (c *MirrorConfig) Validate() error {
	if c.OutputDir == "" {
		return ErrEmptyOutputDir
	}

	if c.MaxPages < 0 {
		return ErrInvalidMaxPages
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MaxRetries < 1 {
		return ErrInvalidRetries
	}

	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return ErrInvalidDelayBounds
	}

	if c.BackoffFactor < 1 {
		return ErrInvalidBackoff
	}

	switch c.MediaIdentity {
	case MediaIdentitySHA256, MediaIdentityHeuristic:
	case "":
		c.MediaIdentity = MediaIdentitySHA256
	default:
		return ErrInvalidMediaIdentity
	}

	// Keep the starting delay inside the configured bounds
	if c.RequestDelay < c.MinDelay {
		c.RequestDelay = c.MinDelay
	}
	if c.RequestDelay > c.MaxDelay {
		c.RequestDelay = c.MaxDelay
	}

	return nil
}

// RequireSource returns ErrNoSource unless a discovery source is set.
func (c *MirrorConfig) RequireSource() error {
	if c.SeedURL == "" && c.SitemapURL == "" && c.InputFile == "" {
		return ErrNoSource
	}
	return nil
}

// GetBasicAuthCredentials returns the basic auth username and password,
// resolving environment variables if specified
func (c *MirrorConfig) GetBasicAuthCredentials() (username, password string) {
	if c.Auth == nil || c.Auth.Basic == nil {
		return "", ""
	}

	basic := c.Auth.Basic

	if basic.UsernameEnv != "" {
		username = os.Getenv(basic.UsernameEnv)
	} else {
		username = basic.Username
	}

	if basic.PasswordEnv != "" {
		password = os.Getenv(basic.PasswordEnv)
	} else {
		password = basic.Password
	}

	return username, password
}

// GetBearerToken returns the bearer token, resolving its variable if set
func (c *MirrorConfig) GetBearerToken() string {
	if c.Auth == nil || c.Auth.Bearer == nil {
		return ""
	}
	if c.Auth.Bearer.TokenEnv != "" {
		return os.Getenv(c.Auth.Bearer.TokenEnv)
	}
	return c.Auth.Bearer.Token
}
