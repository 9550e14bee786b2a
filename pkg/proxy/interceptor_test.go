// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterceptPingEchoesID(t *testing.T) {
	rec := httptest.NewRecorder()

	handled := Intercept(rec, []byte(`{"method":"ping","id":7}`), zerolog.Nop())

	require.True(t, handled)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{}}`, rec.Body.String())
}

func TestInterceptPingStringID(t *testing.T) {
	rec := httptest.NewRecorder()

	handled := Intercept(rec, []byte(`{"method":"ping","id":"abc-1"}`), zerolog.Nop())

	require.True(t, handled)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc-1","result":{}}`, rec.Body.String())
}

func TestInterceptPingWithoutID(t *testing.T) {
	rec := httptest.NewRecorder()

	handled := Intercept(rec, []byte(`{"method":"ping"}`), zerolog.Nop())

	require.True(t, handled)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"result":{}}`, rec.Body.String())
}

func TestInterceptInitializedNotification(t *testing.T) {
	rec := httptest.NewRecorder()

	handled := Intercept(rec, []byte(`{"method":"notifications/initialized"}`), zerolog.Nop())

	require.True(t, handled)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestInterceptFallsThrough(t *testing.T) {
	cases := map[string][]byte{
		"other method":     []byte(`{"method":"tools/list","id":1}`),
		"no method field":  []byte(`{"id":1}`),
		"unparseable body": []byte(`not json at all`),
		"empty body":       nil,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			assert.False(t, Intercept(rec, body, zerolog.Nop()))
		})
	}
}
