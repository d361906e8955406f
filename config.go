package tggl

import (
	"log/slog"
	"time"
)

const (
	// DefaultBaseURL is the API endpoint used when no other base URLs are
	// configured.
	DefaultBaseURL = "https://api.tggl.io"

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 8 * time.Second

	// DefaultPollingInterval is the delay between automatic configuration
	// refreshes once polling is started.
	DefaultPollingInterval = 5 * time.Second

	// DefaultMaxRetries is the number of additional attempts made against
	// each base URL after the first one fails.
	DefaultMaxRetries = 3

	// DefaultFlushInterval is the delay between automatic usage report
	// flushes for a reporter owned by a client.
	DefaultFlushInterval = 10 * time.Second

	// DefaultStandaloneFlushInterval is the flush interval for a reporter
	// built directly with NewReporting.
	DefaultStandaloneFlushInterval = 5 * time.Second
)

// config holds the settings shared by Client and RemoteClient. Options
// mutate it before the underlying transport is built.
type config struct {
	baseURLs        []string
	appName         string
	timeout         time.Duration
	pollingInterval time.Duration
	maxRetries      int
	initialFetch    bool
	reporting       *Reporting
	ownsReporting   bool
	storages        []Storage
	logger          *slog.Logger
}
