// Package geoip resolves which country a target machine is in, so pipelines
// can pick regional package mirrors. Queries run from the gateway against
// public IP-geo endpoints; the first answer wins.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// probeTimeout bounds each endpoint query.
const probeTimeout = 5 * time.Second

// maxEndpoints caps how many endpoints are tried per lookup.
const maxEndpoints = 3

// Client queries a fixed list of endpoint templates. Each template contains
// a {host} placeholder replaced with the target address.
type Client struct {
	endpoints []string
	timeout   time.Duration
	http      *http.Client
}

func New(endpoints []string) *Client {
	return &Client{
		endpoints: endpoints,
		timeout:   probeTimeout,
		http:      &http.Client{},
	}
}

// Lookup resolves the ISO country code for host. It tries endpoints in
// order and returns the first parseable answer, along with which endpoint
// produced it.
func (c *Client) Lookup(ctx context.Context, host string) (countryCode, method string, err error) {
	endpoints := c.endpoints
	if len(endpoints) > maxEndpoints {
		endpoints = endpoints[:maxEndpoints]
	}
	if len(endpoints) == 0 {
		return "", "", fmt.Errorf("geoip: no endpoints configured")
	}

	var lastErr error
	for _, tpl := range endpoints {
		probe := strings.ReplaceAll(tpl, "{host}", url.QueryEscape(host))
		code, err := c.query(ctx, probe)
		if err != nil {
			log.Printf("[geoip] %s: %v", logutil.SanitizeForLog(endpointLabel(probe)), err)
			lastErr = err
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			continue
		}
		return code, endpointLabel(probe), nil
	}
	return "", "", fmt.Errorf("geoip: all endpoints failed: %w", lastErr)
}

func (c *Client) query(ctx context.Context, probe string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probe, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode body: %w", err)
	}
	code, ok := countryFrom(body)
	if !ok {
		return "", fmt.Errorf("no country code in response")
	}
	return code, nil
}

// countryFrom pulls a two-letter country code out of the differing response
// shapes the public endpoints use.
func countryFrom(body map[string]any) (string, bool) {
	for _, key := range []string{"countryCode", "country_code", "country_iso", "country"} {
		v, ok := body[key].(string)
		if !ok {
			continue
		}
		v = strings.ToUpper(strings.TrimSpace(v))
		if len(v) == 2 {
			return v, true
		}
	}
	return "", false
}

func endpointLabel(probe string) string {
	u, err := url.Parse(probe)
	if err != nil || u.Host == "" {
		return probe
	}
	return u.Host
}
