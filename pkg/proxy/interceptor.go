// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// pingResult is the JSON-RPC envelope returned for locally answered pings.
type pingResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  struct{}        `json:"result"`
}

// Intercept answers MCP connection-lifecycle control messages locally so the
// handshake succeeds even when upstream is unreachable or every token is
// exhausted. It returns true when the request was handled and must not be
// proxied. Anything that does not parse as a JSON-RPC control message falls
// through untouched.
func Intercept(w http.ResponseWriter, body []byte, logger zerolog.Logger) bool {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return false
	}

	switch gjson.GetBytes(body, "method").String() {
	case "ping":
		id := json.RawMessage("null")
		if raw := gjson.GetBytes(body, "id"); raw.Exists() {
			id = json.RawMessage(raw.Raw)
		}
		payload, err := json.Marshal(pingResult{JSONRPC: "2.0", ID: id})
		if err != nil {
			logger.Error().Err(err).Msg("marshal ping response failed")
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(payload); err != nil {
			logger.Error().Err(err).Msg("write ping response failed")
		}
		return true

	case "notifications/initialized":
		logger.Info().Msg("acknowledged initialized notification locally")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusAccepted)
		return true
	}

	return false
}
