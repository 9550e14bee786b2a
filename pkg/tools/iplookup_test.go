// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedIPLookup(t *testing.T) *IPLookup {
	t.Helper()
	l := NewIPLookup(time.Second)
	require.NoError(t, l.Init(context.Background()))
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l
}

func TestIPLookupRejectsInvalidInput(t *testing.T) {
	l := newStartedIPLookup(t)

	cases := map[string]struct {
		action string
		params map[string]any
	}{
		"missing ip":      {"lookup", map[string]any{}},
		"garbage ip":      {"lookup", map[string]any{"ip": "not-an-ip"}},
		"missing ips":     {"batch_lookup", map[string]any{}},
		"empty ips":       {"batch_lookup", map[string]any{"ips": []any{}}},
		"non-string ips":  {"batch_lookup", map[string]any{"ips": []any{42}}},
		"bad ip in batch": {"batch_lookup", map[string]any{"ips": []any{"8.8.8.8", "nope"}}},
		"unknown action":  {"frobnicate", map[string]any{}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Handle(context.Background(), tc.action, tc.params)
			require.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestIPLookupRequiresInit(t *testing.T) {
	l := NewIPLookup(time.Second)
	_, err := l.Handle(context.Background(), "lookup", map[string]any{"ip": "8.8.8.8"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRequest)
}

func TestStringSlice(t *testing.T) {
	got, err := stringSlice([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = stringSlice([]string{"c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got)

	_, err = stringSlice("not-a-list")
	require.Error(t, err)

	_, err = stringSlice([]any{1, 2})
	require.Error(t, err)
}
