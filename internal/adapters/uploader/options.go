package uploader

import (
	"net/http"
	"time"

	"github.com/hixprotocol/hix/pkg/logger"
)

// Option applies a configuration option to the HTTPClient.
type Option func(*HTTPClient)

// WithEndpoint sets the collector base URL.
func WithEndpoint(url string) Option {
	return func(c *HTTPClient) {
		c.endpoint = url
	}
}

// WithAPIKey sets the project key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithTable sets the collector table name.
func WithTable(table string) Option {
	return func(c *HTTPClient) {
		if table != "" {
			c.table = table
		}
	}
}

// WithMode selects ModeBatch or ModeSingle. Unknown values are ignored.
func WithMode(mode string) Option {
	return func(c *HTTPClient) {
		if mode == ModeBatch || mode == ModeSingle {
			c.mode = mode
		}
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}
