// Package server contains HTTP handlers for the agent gateway service.
// This file implements the readiness check endpoint.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// readyHandler returns 200 OK if the service is ready to serve requests.
//
// Readiness checks:
// 1. Database connectivity (if using PostgreSQL storage)
//
// Chain reads are not checked: a failing RPC degrades to default endpoints
// instead of taking the gateway out of rotation.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Only stores with a database connection expose DB()
	if db, ok := h.store.(interface{ DB() *sql.DB }); ok {
		if err := db.DB().PingContext(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, codeUnready, "database not ready", correlationIDFrom(r.Context()), nil)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
