// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads runtime settings for the token-rotating proxy from
// environment variables with an optional YAML file fallback. Environment
// variables always win over file values, which win over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envListenAddr         = "MCP_LISTEN_ADDR"
	envUpstreamURL        = "MCP_UPSTREAM_URL"
	envAccountsFile       = "MCP_ACCOUNTS_FILE"
	envBlacklistFile      = "MCP_BLACKLIST_FILE"
	envMaxRetries         = "MCP_MAX_RETRIES"
	envRequestTimeout     = "MCP_REQUEST_TIMEOUT"
	envInsecureSkipVerify = "MCP_UPSTREAM_INSECURE"
	envUserAgent          = "MCP_USER_AGENT"
	envLogLevel           = "MCP_LOG_LEVEL"
	envServerReadTimeout  = "MCP_SERVER_READ_TIMEOUT"
	envServerIdleTimeout  = "MCP_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown   = "MCP_GRACEFUL_SHUTDOWN"

	defaultListenAddr    = "0.0.0.0:8000"
	defaultUpstreamURL   = "https://ai.variflight.com/servers/aviation/mcp/"
	defaultAccountsFile  = "accounts.txt"
	defaultBlacklistFile = "blacklist.txt"
	defaultMaxRetries    = 3
	defaultUserAgent     = "MCP-Proxy/1.0.0"
	defaultLogLevel      = "info"
	// The upstream may hold a streaming response open for minutes, so the
	// client timeout is deliberately generous.
	defaultRequestTimeout    = 300 * time.Second
	defaultServerReadTimeout = 30 * time.Second
	defaultServerIdleTimeout = 120 * time.Second
	defaultGracefulShutdown  = 10 * time.Second
)

// Config captures runtime settings for the proxy.
type Config struct {
	ListenAddr              string
	Upstream                *url.URL
	AccountsFile            string
	BlacklistFile           string
	MaxRetries              int
	RequestTimeout          time.Duration
	InsecureSkipVerify      bool
	UserAgent               string
	LogLevel                string
	ServerReadTimeout       time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// fileConfig mirrors the YAML configuration file layout. All fields are
// optional; unset fields fall through to defaults.
type fileConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	UpstreamURL        string `yaml:"upstream_url"`
	AccountsFile       string `yaml:"accounts_file"`
	BlacklistFile      string `yaml:"blacklist_file"`
	MaxRetries         int    `yaml:"max_retries"`
	RequestTimeout     string `yaml:"request_timeout"`
	InsecureSkipVerify bool   `yaml:"upstream_insecure"`
	UserAgent          string `yaml:"user_agent"`
	LogLevel           string `yaml:"log_level"`
	ServerReadTimeout  string `yaml:"server_read_timeout"`
	ServerIdleTimeout  string `yaml:"server_idle_timeout"`
	GracefulShutdown   string `yaml:"graceful_shutdown"`
}

// Load reads configuration from environment variables, falling back to the
// YAML file at configFile when provided, and validates required values.
func Load(configFile string) (Config, error) {
	var fc fileConfig
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	upstreamRaw := getString(envUpstreamURL, fc.UpstreamURL, defaultUpstreamURL)
	upstream, err := url.Parse(upstreamRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if !upstream.IsAbs() {
		return Config{}, errors.New("upstream URL must be absolute (scheme://host)")
	}

	maxRetries := getInt(envMaxRetries, fc.MaxRetries, defaultMaxRetries)
	if maxRetries < 1 {
		return Config{}, fmt.Errorf("max retries must be at least 1, got %d", maxRetries)
	}

	cfg := Config{
		ListenAddr:              getString(envListenAddr, fc.ListenAddr, defaultListenAddr),
		Upstream:                upstream,
		AccountsFile:            getString(envAccountsFile, fc.AccountsFile, defaultAccountsFile),
		BlacklistFile:           getString(envBlacklistFile, fc.BlacklistFile, defaultBlacklistFile),
		MaxRetries:              maxRetries,
		RequestTimeout:          getDuration(envRequestTimeout, fc.RequestTimeout, defaultRequestTimeout),
		InsecureSkipVerify:      getBool(envInsecureSkipVerify, fc.InsecureSkipVerify),
		UserAgent:               getString(envUserAgent, fc.UserAgent, defaultUserAgent),
		LogLevel:                strings.ToLower(getString(envLogLevel, fc.LogLevel, defaultLogLevel)),
		ServerReadTimeout:       getDuration(envServerReadTimeout, fc.ServerReadTimeout, defaultServerReadTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, fc.ServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, fc.GracefulShutdown, defaultGracefulShutdown),
	}

	return cfg, nil
}

func getString(key, fileVal, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	if fileVal != "" {
		return fileVal
	}
	return fallback
}

func getInt(key string, fileVal, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	if fileVal != 0 {
		return fileVal
	}
	return fallback
}

func getBool(key string, fileVal bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fileVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fileVal
	}
	return parsed
}

func getDuration(key, fileVal string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if fileVal != "" {
		if parsed, err := time.ParseDuration(fileVal); err == nil {
			return parsed
		}
	}
	return fallback
}
