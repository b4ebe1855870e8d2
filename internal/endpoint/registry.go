package endpoint

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry hands out one Cache per hostname, keeping the most recently used
// hosts.
type Registry struct {
	records RecordSource
	opts    Options

	mu     sync.Mutex
	caches *lru.Cache[string, *Cache]
}

// NewRegistry creates a Registry holding at most size caches.
func NewRegistry(records RecordSource, size int, opts Options) (*Registry, error) {
	caches, err := lru.New[string, *Cache](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint cache: %w", err)
	}
	return &Registry{records: records, opts: opts.withDefaults(), caches: caches}, nil
}

// For returns the cache of host, creating it on first use.
func (r *Registry) For(host string) *Cache {
	key := strings.ToLower(strings.TrimSpace(host))
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches.Get(key); ok {
		return c
	}
	c := NewCache(key, r.records, r.opts)
	r.caches.Add(key, c)
	return c
}
