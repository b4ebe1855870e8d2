package ens

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/model"
)

// TextReader reads a text record of a node.
type TextReader interface {
	Text(ctx context.Context, node common.Hash, key string) (string, error)
}

// Resolver reads agent text records for page hostnames. Read failures are
// logged and reported as an absent record.
type Resolver struct {
	naming  Naming
	records TextReader
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(naming Naming, records TextReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{naming: naming, records: records, logger: logger}
}

// Naming returns the hostname mapping in use.
func (r *Resolver) Naming() Naming {
	return r.naming
}

// Lookup returns the agent name and node for hostname.
func (r *Resolver) Lookup(hostname string) (name string, node common.Hash, ok bool) {
	name, ok = r.naming.NameForHost(hostname)
	if !ok {
		return "", common.Hash{}, false
	}
	return name, NameHash(name), true
}

// ResolveTextRecord returns the key record of the agent served at hostname,
// or "" when the hostname is not an agent name or the read fails.
func (r *Resolver) ResolveTextRecord(ctx context.Context, hostname, key string) string {
	name, node, ok := r.Lookup(hostname)
	if !ok {
		return ""
	}
	value, err := r.records.Text(ctx, node, key)
	if err != nil {
		metrics.IncrementRecordRead("error")
		r.logger.Warn("text record read failed", "name", name, "key", key, "error", err)
		return ""
	}
	metrics.IncrementRecordRead("success")
	return value
}

// Metadata reads the public profile records of the agent at hostname.
func (r *Resolver) Metadata(ctx context.Context, hostname string) model.AgentMetadata {
	return model.AgentMetadata{
		Name:        r.ResolveTextRecord(ctx, hostname, KeyName),
		Description: r.ResolveTextRecord(ctx, hostname, KeyDescription),
		Avatar:      r.ResolveTextRecord(ctx, hostname, KeyAvatar),
	}
}
