// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy forwards MCP JSON-RPC traffic to a single upstream server
// while rotating through a pool of API tokens. The dispatch pipeline retries
// failed attempts with fresh tokens, classifying upstream rejections into
// permanent blacklisting (401/403) or temporary exclusion (429), sanitizes
// headers in both directions, and relays event-stream responses without
// buffering. Two MCP control messages (ping, notifications/initialized) are
// answered locally so the connection handshake survives upstream outages.
package proxy
