// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aiku/atl-bridge/pkg/config"
)

var errNoLoader = errors.New("config reload not available")

// apiAddr returns the admin API listen address. BRIDGE_API_ADDR wins over
// admin_api_addr; an empty result disables the API.
func apiAddr(cfg *config.Config) string {
	if cfg.Env.APIAddr != "" {
		return cfg.Env.APIAddr
	}
	return cfg.AdminAPIAddr
}

// APIHandler serves the admin API.
func (b *Bridge) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", b.HandleStatus)
	mux.HandleFunc("/api/reload", b.HandleReload)
	return mux
}

func (b *Bridge) serveAPI(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      b.APIHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.grace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	b.log.Info().Str("addr", addr).Msg("Starting bridge admin API")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		// The bridge keeps relaying without its admin API.
		b.log.Error().Err(err).Msg("Bridge admin API error")
	}
	return nil
}

func (b *Bridge) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Warn().Err(err).Msg("Failed to write admin API response")
	}
}

// HandleStatus is the HTTP handler for GET /api/status.
func (b *Bridge) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.writeJSON(w, http.StatusOK, b.Status())
}

// HandleReload is the HTTP handler for POST /api/reload. It reloads the
// config file the same way SIGHUP does.
func (b *Bridge) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Config reload requested")
	cfg, err := b.Reload()
	if err != nil {
		b.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	b.writeJSON(w, http.StatusOK, map[string]int{"mappings": len(cfg.Mappings)})
}
