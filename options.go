package tggl

import (
	"fmt"
	"log/slog"
	"time"
)

type Option func(c *Client)

var _ = []Option{
	WithBaseURL(""),
	WithBaseURLs(nil),
	WithRequestTimeout(0),
	WithPollingInterval(0),
	WithMaxRetries(0),
	WithAppName(""),
	WithoutInitialFetch(),
	WithReporting(nil),
	WithoutReporting(),
	WithStorage(nil),
	WithLogger(nil),
}

// WithBaseURL replaces the default API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.config.baseURLs = []string{url}
	}
}

// WithBaseURLs configures an ordered list of API endpoints. Each fetch
// tries them in order and later endpoints only serve as failover.
func WithBaseURLs(urls []string) Option {
	return func(c *Client) {
		c.config.baseURLs = urls
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout < 0 {
			panic(fmt.Sprintf("tggl: request timeout must not be negative, got %v", timeout))
		}
		c.config.timeout = timeout
	}
}

// WithPollingInterval sets the delay between automatic refreshes.
// Polling starts at construction when the interval is positive; zero
// disables it until SetPollingInterval supplies a positive one.
func WithPollingInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval < 0 {
			panic(fmt.Sprintf("tggl: polling interval must not be negative, got %v", interval))
		}
		c.config.pollingInterval = interval
	}
}

// WithMaxRetries sets the number of extra attempts per base URL after
// the first one fails.
func WithMaxRetries(count int) Option {
	return func(c *Client) {
		if count < 0 {
			panic(fmt.Sprintf("tggl: max retries must not be negative, got %d", count))
		}
		c.config.maxRetries = count
	}
}

// WithAppName tags this client instance in usage reports.
func WithAppName(name string) Option {
	return func(c *Client) {
		c.config.appName = name
	}
}

// WithoutInitialFetch skips the automatic fetch and polling start at
// construction time. The client stays on its empty (or storage loaded)
// configuration until Refetch is called or StartPolling kicks in.
func WithoutInitialFetch() Option {
	return func(c *Client) {
		c.config.initialFetch = false
	}
}

// WithReporting shares an existing reporter with this client. The client
// does not own it and will not flush or close it on Close.
func WithReporting(r *Reporting) Option {
	return func(c *Client) {
		c.config.reporting = r
		c.config.ownsReporting = false
	}
}

// WithoutReporting disables usage reporting entirely.
func WithoutReporting() Option {
	return func(c *Client) {
		c.config.reporting = nil
		c.config.ownsReporting = false
	}
}

// WithStorage registers a persistence backend. May be given several
// times; on startup the freshest stored state wins and every backend is
// written back on configuration changes.
func WithStorage(s Storage) Option {
	return func(c *Client) {
		if s != nil {
			c.config.storages = append(c.config.storages, s)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.config.logger = logger
	}
}
