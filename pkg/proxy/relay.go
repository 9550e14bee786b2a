// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// streamChunkSize is the read granularity when relaying a live byte stream.
const streamChunkSize = 8192

// isStreamingContentType reports whether the upstream response must be
// relayed chunk by chunk instead of buffered.
func isStreamingContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")
}

// WriteResponse relays the upstream response to the original caller, either
// as a live chunk stream (event-stream / ndjson content types) or buffered.
// The upstream body is closed on every exit path, including early caller
// disconnect.
func WriteResponse(w http.ResponseWriter, resp *http.Response, logger zerolog.Logger) {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error().Err(err).Msg("close upstream response body failed")
		}
	}()

	copyFilteredHeaders(w.Header(), resp.Header)

	contentType := resp.Header.Get("Content-Type")
	if !isStreamingContentType(contentType) {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.Error().Err(err).Msg("read upstream response body failed")
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(payload); err != nil {
			logger.Error().Err(err).Msg("write buffered response failed")
		}
		return
	}

	logger.Info().Str("content_type", contentType).Msg("relaying streaming response")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Caller went away; stop draining the upstream.
				logger.Info().Err(writeErr).Msg("caller disconnected mid-stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Error().Err(readErr).Msg("upstream stream ended with error")
			}
			return
		}
	}
}

// copyFilteredHeaders mirrors upstream response headers minus those whose
// framing the serving layer redetermines.
func copyFilteredHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, skip := responseSkipHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
