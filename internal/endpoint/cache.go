// Package endpoint resolves the backend base URL and the caller allow-list of
// the agent served at a hostname.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/metrics"
)

// Defaults used when no agent record applies.
const (
	DefaultBaseURL        = "http://localhost:8000"
	DefaultVMURLTemplate  = "https://%s.aleph.sh"
	DefaultResolveTimeout = 15 * time.Second
)

// RecordSource reads a text record of the agent served at a hostname.
// *ens.Resolver satisfies it.
type RecordSource interface {
	ResolveTextRecord(ctx context.Context, hostname, key string) string
}

// Options configures a Cache.
type Options struct {
	DefaultBaseURL string
	VMURLTemplate  string
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DefaultBaseURL == "" {
		o.DefaultBaseURL = DefaultBaseURL
	}
	if o.VMURLTemplate == "" {
		o.VMURLTemplate = DefaultVMURLTemplate
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = DefaultResolveTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type cacheState int

const (
	stateUnresolved cacheState = iota
	statePending
	stateResolved
)

// Cache memoizes the base URL of one hostname. The first BaseURL call starts
// the resolution, concurrent callers wait for that same result, and the value
// is kept for the lifetime of the Cache. The allow-list is never cached.
type Cache struct {
	host    string
	records RecordSource
	opts    Options

	mu    sync.Mutex
	state cacheState
	done  chan struct{}
	value string
}

// NewCache creates an unresolved cache for host.
func NewCache(host string, records RecordSource, opts Options) *Cache {
	return &Cache{host: host, records: records, opts: opts.withDefaults()}
}

// Host returns the hostname the cache serves.
func (c *Cache) Host() string {
	return c.host
}

// BaseURL returns the backend base URL. It only fails when ctx ends while
// waiting on a resolution started by another caller.
func (c *Cache) BaseURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch c.state {
	case stateResolved:
		v := c.value
		c.mu.Unlock()
		return v, nil
	case statePending:
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.value, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.state = statePending
	c.done = make(chan struct{})
	c.mu.Unlock()

	// The result is shared, so it must not depend on this caller's deadline.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ResolveTimeout)
	value := c.resolve(rctx)
	cancel()

	c.mu.Lock()
	c.value = value
	c.state = stateResolved
	close(c.done)
	c.mu.Unlock()
	return value, nil
}

func (c *Cache) resolve(ctx context.Context) string {
	hash := c.records.ResolveTextRecord(ctx, c.host, ens.KeyVMHash)
	if hash == "" {
		metrics.IncrementEndpointResolution("default")
		c.opts.Logger.Debug("using default base url", "host", c.host, "baseUrl", c.opts.DefaultBaseURL)
		return c.opts.DefaultBaseURL
	}
	metrics.IncrementEndpointResolution("agent")
	url := fmt.Sprintf(c.opts.VMURLTemplate, hash)
	c.opts.Logger.Info("resolved agent base url", "host", c.host, "baseUrl", url)
	return url
}

// AllowedCallers reads the allow-list of the agent. Every call performs a
// fresh record read.
func (c *Cache) AllowedCallers(ctx context.Context) []string {
	return ParseAllowList(c.records.ResolveTextRecord(ctx, c.host, ens.KeyAllowedCallers))
}
