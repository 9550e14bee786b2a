// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// batchLimit caps concurrent lookups during a batch request.
const batchLimit = 8

// Location is the normalized result of one geolocation source.
type Location struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	ISP       string  `json:"isp,omitempty"`
	Org       string  `json:"org,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Source    string  `json:"source"`
}

// IPLookup queries public geolocation services and merges their answers.
// It fans out to every source concurrently and reports whichever respond.
type IPLookup struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewIPLookup constructs the tool with its own pooled HTTP client.
func NewIPLookup(timeout time.Duration) *IPLookup {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IPLookup{
		timeout: timeout,
		logger:  log.With().Str("component", "iplookup").Logger(),
	}
}

func (l *IPLookup) Name() string        { return "IPLookup" }
func (l *IPLookup) Version() string     { return "1.0.0" }
func (l *IPLookup) Description() string { return "IP address geolocation lookup" }

// Init builds the HTTP client used for source queries.
func (l *IPLookup) Init(ctx context.Context) error {
	l.client = &http.Client{
		Timeout: l.timeout,
		Transport: &http.Transport{
			MaxIdleConns:    100,
			IdleConnTimeout: 30 * time.Second,
		},
	}
	l.logger.Info().Msg("IP lookup tool initialized")
	return nil
}

// Shutdown releases idle connections.
func (l *IPLookup) Shutdown(ctx context.Context) error {
	if l.client != nil {
		if t, ok := l.client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
		l.client = nil
	}
	return nil
}

// Handle routes one request by action name. Malformed caller input is
// rejected with ErrBadRequest before any network call.
func (l *IPLookup) Handle(ctx context.Context, action string, params map[string]any) (any, error) {
	if l.client == nil {
		return nil, fmt.Errorf("IP lookup tool is not initialized")
	}

	switch action {
	case "lookup":
		ip, _ := params["ip"].(string)
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("%w: missing or invalid ip parameter", ErrBadRequest)
		}
		return l.Lookup(ctx, ip)

	case "batch_lookup":
		ips, err := stringSlice(params["ips"])
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("%w: missing or invalid ips parameter", ErrBadRequest)
		}
		return l.BatchLookup(ctx, ips)

	case "my_ip", "get_my_ip":
		return l.MyIP(ctx)

	default:
		return nil, fmt.Errorf("%w: unsupported action %q", ErrBadRequest, action)
	}
}

// Lookup queries all sources for one address and returns whichever answered.
func (l *IPLookup) Lookup(ctx context.Context, ip string) (map[string]any, error) {
	sources := []struct {
		name  string
		query func(context.Context, string) (*Location, error)
	}{
		{"ipapi", l.queryIPAPI},
		{"ipapi_co", l.queryIPAPICo},
		{"ipinfo", l.queryIPInfo},
	}

	var mu sync.Mutex
	results := make(map[string]Location)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			loc, err := src.query(gctx, ip)
			if err != nil {
				l.logger.Debug().Err(err).Str("source", src.name).Str("ip", ip).Msg("source query failed")
				return nil // a single source failing is not fatal
			}
			mu.Lock()
			results[src.name] = *loc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("all geolocation sources failed for %s", ip)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}

	return map[string]any{
		"ip":            ip,
		"sources_count": len(results),
		"sources":       names,
		"data":          results,
	}, nil
}

// BatchLookup resolves several addresses concurrently, reporting per-address
// success or failure rather than aborting the whole batch.
func (l *IPLookup) BatchLookup(ctx context.Context, ips []string) (map[string]any, error) {
	for _, ip := range ips {
		if net.ParseIP(ip) == nil {
			return nil, fmt.Errorf("%w: invalid ip %q in batch", ErrBadRequest, ip)
		}
	}

	results := make([]map[string]any, len(ips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit)
	for i, ip := range ips {
		i, ip := i, ip
		g.Go(func() error {
			res, err := l.Lookup(gctx, ip)
			if err != nil {
				results[i] = map[string]any{"ip": ip, "error": err.Error()}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	succeeded := 0
	for _, r := range results {
		if _, failed := r["error"]; !failed {
			succeeded++
		}
	}

	return map[string]any{
		"total":   len(ips),
		"success": succeeded,
		"failed":  len(ips) - succeeded,
		"results": results,
	}, nil
}

// MyIP detects the caller's public address via external echo services and
// resolves it.
func (l *IPLookup) MyIP(ctx context.Context) (map[string]any, error) {
	endpoints := []string{
		"https://api.ipify.org?format=json",
		"https://checkip.amazonaws.com",
	}

	detected := make([]string, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, endpoint := range endpoints {
		i, endpoint := i, endpoint
		g.Go(func() error {
			ip, err := l.queryMyIP(gctx, endpoint)
			if err != nil {
				l.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("IP echo query failed")
				return nil
			}
			detected[i] = ip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ips []string
	seen := make(map[string]struct{})
	for _, ip := range detected {
		if ip == "" {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("unable to detect public IP")
	}

	info, err := l.Lookup(ctx, ips[0])
	if err != nil {
		l.logger.Warn().Err(err).Str("ip", ips[0]).Msg("lookup of detected IP failed")
		info = nil
	}

	return map[string]any{
		"detected_ips": ips,
		"primary_ip":   ips[0],
		"info":         info,
	}, nil
}

func (l *IPLookup) queryIPAPI(ctx context.Context, ip string) (*Location, error) {
	var raw struct {
		Status  string  `json:"status"`
		Country string  `json:"country"`
		Region  string  `json:"regionName"`
		City    string  `json:"city"`
		ISP     string  `json:"isp"`
		Org     string  `json:"org"`
		Lat     float64 `json:"lat"`
		Lon     float64 `json:"lon"`
	}
	if err := l.getJSON(ctx, fmt.Sprintf("http://ip-api.com/json/%s", ip), &raw); err != nil {
		return nil, err
	}
	if raw.Status != "success" {
		return nil, fmt.Errorf("ip-api.com reported status %q", raw.Status)
	}
	return &Location{
		IP: ip, Country: raw.Country, Region: raw.Region, City: raw.City,
		ISP: raw.ISP, Org: raw.Org, Latitude: raw.Lat, Longitude: raw.Lon,
		Source: "ip-api.com",
	}, nil
}

func (l *IPLookup) queryIPAPICo(ctx context.Context, ip string) (*Location, error) {
	var raw struct {
		Country string  `json:"country_name"`
		Region  string  `json:"region"`
		City    string  `json:"city"`
		Org     string  `json:"org"`
		Lat     float64 `json:"latitude"`
		Lon     float64 `json:"longitude"`
	}
	if err := l.getJSON(ctx, fmt.Sprintf("https://ipapi.co/%s/json/", ip), &raw); err != nil {
		return nil, err
	}
	return &Location{
		IP: ip, Country: raw.Country, Region: raw.Region, City: raw.City,
		Org: raw.Org, Latitude: raw.Lat, Longitude: raw.Lon,
		Source: "ipapi.co",
	}, nil
}

func (l *IPLookup) queryIPInfo(ctx context.Context, ip string) (*Location, error) {
	var raw struct {
		Country string `json:"country"`
		Region  string `json:"region"`
		City    string `json:"city"`
		Org     string `json:"org"`
	}
	if err := l.getJSON(ctx, fmt.Sprintf("https://ipinfo.io/%s/json", ip), &raw); err != nil {
		return nil, err
	}
	return &Location{
		IP: ip, Country: raw.Country, Region: raw.Region, City: raw.City,
		Org: raw.Org, Source: "ipinfo.io",
	}, nil
}

func (l *IPLookup) queryMyIP(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	var payload struct {
		IP string `json:"ip"`
	}
	dec := json.NewDecoder(resp.Body)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := dec.Decode(&payload); err != nil {
			return "", err
		}
		return payload.IP, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func (l *IPLookup) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "IPLookup-Tool/1.0.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func stringSlice(v any) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element in list")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings")
	}
}
