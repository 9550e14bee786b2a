// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server wires the HTTP surface: informational endpoints for token
// and tool statistics, the token reload hook, and a catch-all route that
// hands everything else to the proxy pipeline.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aviamcp/token-proxy/pkg/proxy"
	"github.com/aviamcp/token-proxy/pkg/token"
	"github.com/aviamcp/token-proxy/pkg/tools"
)

const serviceVersion = "1.0.0"

// blacklistPreviewLimit caps how many redacted entries the blacklist
// endpoint exposes.
const blacklistPreviewLimit = 10

// maxInboundBody bounds buffered request bodies; MCP payloads are small.
const maxInboundBody = 4 << 20

// Server exposes the proxy and its observability endpoints as one
// http.Handler.
type Server struct {
	router   *mux.Router
	pipeline *proxy.Pipeline
	tokens   *token.Manager
	registry *tools.Registry
	upstream string
	logger   zerolog.Logger
}

// New assembles the router with all routes and middleware.
func New(pipeline *proxy.Pipeline, tokens *token.Manager, registry *tools.Registry, upstream string) *Server {
	s := &Server{
		pipeline: pipeline,
		tokens:   tokens,
		registry: registry,
		upstream: upstream,
		logger:   log.With().Str("component", "server").Logger(),
	}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.requestLogMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/blacklist", s.handleBlacklist).Methods(http.MethodGet)
	r.HandleFunc("/tools", s.handleTools).Methods(http.MethodGet)
	r.HandleFunc("/tools/{name}", s.handleToolInvoke).Methods(http.MethodPost)
	r.HandleFunc("/tokens/reload", s.handleTokenReload).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.handleProxy)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "MCP token proxy",
		"status":      "running",
		"token_stats": s.tokens.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"token_stats": s.tokens.Stats(),
		"tool_stats":  s.registry.StatusAll(),
		"service_info": map[string]any{
			"base_url": s.upstream,
			"version":  serviceVersion,
		},
	})
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	stats := s.tokens.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"blacklist_info": map[string]any{
			"total_blacklisted": stats.PermanentlyBlacklisted,
			"blacklist_file":    s.tokens.BlacklistFile(),
			"preview":           s.tokens.BlacklistPreview(blacklistPreviewLimit),
		},
		"stats": stats,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.registry.StatusAll(),
	})
}

// toolRequest is the invoke payload: {"action": "...", "params": {...}}.
type toolRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req toolRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInboundBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "missing action")
		return
	}

	result, err := s.registry.Handle(r.Context(), name, req.Action, req.Params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tools.ErrBadRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tool":   name,
		"result": result,
	})
}

func (s *Server) handleTokenReload(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Reload(); err != nil {
		s.logger.Error().Err(err).Msg("token reload failed")
		writeError(w, http.StatusInternalServerError, "token reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "reloaded",
		"token_stats": s.tokens.Stats(),
	})
}

// handleProxy relays everything that is not an informational endpoint. MCP
// control messages are answered locally; the rest goes through the dispatch
// pipeline and is streamed or buffered back depending on the upstream
// content type.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if proxy.Intercept(w, body, s.logger) {
		return
	}

	resp, err := s.pipeline.Dispatch(r.Context(), r.Method, r.URL.Path, r.Header, body)
	if err != nil {
		status := proxy.StatusFor(err)
		s.logger.Error().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("dispatch failed")
		writeError(w, status, err.Error())
		return
	}

	proxy.WriteResponse(w, resp, s.logger)
}

// requestLogMiddleware tags each request with an id and emits one access log
// line when it completes.
func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Msg("request handled")
	})
}

// recoverMiddleware converts panics anywhere in the dispatch path into a
// generic 500 instead of killing the serving loop.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
