// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package token manages the pool of upstream bearer credentials: round-robin
// rotation, temporary exclusion of rate-limited tokens, and a durable
// blacklist for tokens the upstream rejected permanently.
package token

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stats reports pool counters for the status endpoints.
type Stats struct {
	TotalLoaded            int `json:"total_loaded_tokens"`
	TemporarilyFailed      int `json:"temporarily_failed_tokens"`
	PermanentlyBlacklisted int `json:"permanently_blacklisted_tokens"`
	Available              int `json:"available_tokens"`
}

// Preview is a redacted view of one blacklisted token.
type Preview struct {
	TokenPreview string `json:"token_preview"`
	FullLength   int    `json:"full_length"`
}

// Manager owns the token pool shared by all in-flight requests. All state
// transitions, including the synchronous blacklist persist, run under a
// single mutex so concurrent rotations and duplicate blacklist calls stay
// consistent.
type Manager struct {
	mu sync.Mutex

	accountsPath  string
	blacklistPath string

	tokens      []string
	cursor      int
	failed      map[string]struct{}
	blacklisted map[string]struct{}

	logger zerolog.Logger
}

// NewManager loads the blacklist and then the account file, filtering out
// blacklisted tokens. It fails with ErrNoTokens when nothing usable remains.
func NewManager(accountsPath, blacklistPath string) (*Manager, error) {
	logger := log.With().Str("component", "token").Logger()

	blacklisted := loadBlacklist(blacklistPath, logger)
	tokens, err := loadTokens(accountsPath, blacklisted, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		accountsPath:  accountsPath,
		blacklistPath: blacklistPath,
		tokens:        tokens,
		failed:        make(map[string]struct{}),
		blacklisted:   blacklisted,
		logger:        logger,
	}, nil
}

// Next returns the next token in round-robin order over the currently
// available subset. When every loaded token is temporarily failed, the
// temporary failures are forgiven wholesale and rotation restarts over the
// non-blacklisted pool. It returns false only when every token has been
// permanently blacklisted.
func (m *Manager) Next() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tokens) == 0 {
		return "", false
	}

	available := m.availableLocked()
	if len(available) == 0 {
		m.logger.Warn().Msg("all tokens exhausted, resetting temporary failures")
		m.failed = make(map[string]struct{})
		available = m.availableLocked()
		if len(available) == 0 {
			m.logger.Error().Msg("every token is permanently blacklisted")
			return "", false
		}
	}

	t := available[m.cursor%len(available)]
	m.cursor++
	return t, true
}

// MarkFailed records a temporary failure (rate limit) for the token. It is
// idempotent; the token re-enters rotation once the pool is exhausted.
func (m *Manager) MarkFailed(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failed[t] = struct{}{}
	m.logger.Warn().Str("token", previewToken(t)).Msg("token marked temporarily failed")
}

// Blacklist permanently removes the token from rotation and persists the
// blacklist before returning. A second call for the same token is a no-op.
// Persistence failure is logged but does not undo the in-memory state; the
// running process remains the source of truth.
func (m *Manager) Blacklist(t, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blacklisted[t]; ok {
		m.logger.Info().Str("token", previewToken(t)).Msg("token already blacklisted")
		return
	}

	m.blacklisted[t] = struct{}{}
	for i, existing := range m.tokens {
		if existing == t {
			m.tokens = append(m.tokens[:i], m.tokens[i+1:]...)
			break
		}
	}
	delete(m.failed, t)

	if err := persistBlacklist(m.blacklistPath, m.blacklisted); err != nil {
		m.logger.Error().Err(err).Str("file", m.blacklistPath).Msg("failed to persist blacklist; entry may not survive restart")
	}

	m.logger.Error().
		Str("token", previewToken(t)).
		Str("reason", reason).
		Int("total_blacklisted", len(m.blacklisted)).
		Msg("token permanently blacklisted")
}

// Reload re-reads the account file, keeping current blacklist membership.
// On failure the existing pool is left untouched. Temporary failures and the
// rotation cursor are reset.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens, err := loadTokens(m.accountsPath, m.blacklisted, m.logger)
	if err != nil {
		return err
	}

	m.tokens = tokens
	m.failed = make(map[string]struct{})
	m.cursor = 0
	m.logger.Info().Int("count", len(tokens)).Msg("token pool reloaded")
	return nil
}

// Stats returns a snapshot of the pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		TotalLoaded:            len(m.tokens),
		TemporarilyFailed:      len(m.failed),
		PermanentlyBlacklisted: len(m.blacklisted),
		Available:              len(m.availableLocked()),
	}
}

// BlacklistPreview returns up to limit redacted blacklist entries in sorted
// order for the informational endpoint.
func (m *Manager) BlacklistPreview(limit int) []Preview {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]string, 0, len(m.blacklisted))
	for t := range m.blacklisted {
		entries = append(entries, t)
	}
	sort.Strings(entries)

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	previews := make([]Preview, 0, len(entries))
	for _, t := range entries {
		previews = append(previews, Preview{
			TokenPreview: previewToken(t),
			FullLength:   len(t),
		})
	}
	return previews
}

// BlacklistFile reports the configured blacklist path.
func (m *Manager) BlacklistFile() string {
	return m.blacklistPath
}

func (m *Manager) availableLocked() []string {
	available := make([]string, 0, len(m.tokens))
	for _, t := range m.tokens {
		if _, failed := m.failed[t]; failed {
			continue
		}
		if _, banned := m.blacklisted[t]; banned {
			continue
		}
		available = append(available, t)
	}
	return available
}
