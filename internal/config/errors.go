package config

import "errors"

var (
	// ErrNoSource is returned when no seed URL, sitemap URL or input file is provided
	ErrNoSource = errors.New("one of seed_url, sitemap_url or input_file is required")
	// ErrInvalidMaxPages is returned when max_pages is negative
	ErrInvalidMaxPages = errors.New("max_pages cannot be negative")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("request_timeout must be greater than 0")
	// ErrInvalidRetries is returned when max_retries is less than 1
	ErrInvalidRetries = errors.New("max_retries must be at least 1")
	// ErrInvalidDelayBounds is returned when min_delay is negative or above max_delay
	ErrInvalidDelayBounds = errors.New("min_delay must be between 0 and max_delay")
	// ErrInvalidBackoff is returned when backoff_factor is below 1
	ErrInvalidBackoff = errors.New("backoff_factor must be at least 1")
	// ErrEmptyOutputDir is returned when output_dir is empty
	ErrEmptyOutputDir = errors.New("output_dir cannot be empty")
	// ErrInvalidMediaIdentity is returned for an unknown media_identity
	ErrInvalidMediaIdentity = errors.New("media_identity must be 'sha256' or 'heuristic'")
)
