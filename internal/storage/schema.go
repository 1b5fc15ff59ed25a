package storage

const schemaSQL = `
-- One row per archive run; id is the session timestamp used in log file names
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY NOT NULL,
    source TEXT,
    output_dir TEXT,
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);

-- URLs produced by discovery
CREATE TABLE IF NOT EXISTS discovered_urls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    url TEXT NOT NULL,
    title TEXT,
    description TEXT,
    lastmod TEXT,
    priority TEXT,
    changefreq TEXT,
    status_code INTEGER,
    content_type TEXT,
    UNIQUE(session_id, url)
);

CREATE INDEX IF NOT EXISTS idx_discovered_session ON discovered_urls(session_id);

-- Page fetch outcomes: downloaded, skipped_exists, failed
CREATE TABLE IF NOT EXISTS fetch_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    url TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('downloaded', 'skipped_exists', 'exists', 'failed')),
    status_code INTEGER,
    file_path TEXT,
    metadata_path TEXT,
    size_bytes INTEGER,
    content_type TEXT,
    attempts INTEGER,
    error_message TEXT,
    fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fetch_session ON fetch_results(session_id);
CREATE INDEX IF NOT EXISTS idx_fetch_url ON fetch_results(url);
CREATE INDEX IF NOT EXISTS idx_fetch_outcome ON fetch_results(session_id, outcome);

-- Embedded resources; file_path is shared when a resource was reused
CREATE TABLE IF NOT EXISTS media_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    url TEXT NOT NULL,
    page_url TEXT,
    outcome TEXT NOT NULL CHECK (outcome IN ('downloaded', 'skipped_exists', 'exists', 'failed')),
    file_path TEXT,
    size_bytes INTEGER,
    content_type TEXT,
    fetched_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_media_session ON media_records(session_id);
CREATE INDEX IF NOT EXISTS idx_media_url ON media_records(url);

-- Every failed attempt, including ones later retried successfully
CREATE TABLE IF NOT EXISTS fetch_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    url TEXT NOT NULL,
    status_code INTEGER,
    attempt INTEGER,
    error_message TEXT,
    occurred_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_session ON fetch_errors(session_id);
CREATE INDEX IF NOT EXISTS idx_errors_url ON fetch_errors(url);

-- HTTP status histogram at the end of a session
CREATE TABLE IF NOT EXISTS status_counts (
    session_id TEXT NOT NULL REFERENCES sessions(id),
    status_code INTEGER NOT NULL,
    count INTEGER NOT NULL,
    PRIMARY KEY (session_id, status_code)
);

-- View for per-session outcome totals
CREATE VIEW IF NOT EXISTS session_outcomes AS
SELECT
    session_id,
    outcome,
    COUNT(*) as count,
    SUM(COALESCE(size_bytes, 0)) as bytes
FROM fetch_results
GROUP BY session_id, outcome;
`
