// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package token

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Prefix is the recognized credential prefix; account-file entries without it
// are rejected at load time.
const Prefix = "sk-"

// ErrNoTokens is returned when the account file yields zero usable tokens.
// The proxy cannot serve without at least one, so callers must treat this as
// a fatal configuration error.
var ErrNoTokens = errors.New("no usable tokens found in account file")

// loadBlacklist reads the persisted blacklist, one token per line. A missing
// file yields an empty set. A file that does not look like a token list is
// treated as corrupt: the error is logged and an empty set is returned, which
// makes previously blacklisted tokens eligible again until they fail anew.
func loadBlacklist(path string, logger zerolog.Logger) map[string]struct{} {
	blacklisted := make(map[string]struct{})

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read blacklist file; starting with empty blacklist")
		}
		return blacklisted
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, Prefix) {
			logger.Warn().Str("file", path).Msg("blacklist file is corrupt; starting with empty blacklist")
			return make(map[string]struct{})
		}
		blacklisted[line] = struct{}{}
	}

	if len(blacklisted) > 0 {
		logger.Info().Int("count", len(blacklisted)).Msg("loaded permanently blacklisted tokens")
	}
	return blacklisted
}

// loadTokens parses the line-oriented account file. Each non-blank line must
// contain at least three |-separated fields; the last field is the candidate
// token and must carry the recognized prefix. Tokens already blacklisted are
// skipped so they never enter the active pool.
func loadTokens(path string, blacklisted map[string]struct{}, logger zerolog.Logger) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open account file %s: %w", path, err)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			logger.Warn().Int("line", lineNum).Str("content", truncate(line, 50)).Msg("malformed account line, skipping")
			continue
		}

		candidate := parts[len(parts)-1]
		if !strings.HasPrefix(candidate, Prefix) {
			logger.Warn().Int("line", lineNum).Str("token", previewToken(candidate)).Msg("token has unexpected format, skipping")
			continue
		}

		if _, ok := blacklisted[candidate]; ok {
			logger.Info().Str("token", previewToken(candidate)).Msg("skipping blacklisted token")
			continue
		}

		tokens = append(tokens, candidate)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read account file %s: %w", path, err)
	}

	logger.Info().Int("count", len(tokens)).Msg("loaded usable tokens")
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	return tokens, nil
}

// persistBlacklist overwrites the blacklist file with the full set, one token
// per line in sorted order. The write is a plain whole-file overwrite; the
// loader tolerates a partially written file by falling back to an empty set.
func persistBlacklist(path string, blacklisted map[string]struct{}) error {
	lines := make([]string, 0, len(blacklisted))
	for t := range blacklisted {
		lines = append(lines, t)
	}
	sort.Strings(lines)

	data := strings.Join(lines, "\n")
	if data != "" {
		data += "\n"
	}
	return os.WriteFile(path, []byte(data), 0o600)
}

// previewToken returns a short prefix of the token safe for logs and status
// endpoints. Full token values never leave the process.
func previewToken(t string) string {
	return truncate(t, 20)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
