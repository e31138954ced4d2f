// Package tapohttp is the shared HTTP transport every protocol uses
// to reach a device's local web server. It wraps net/http with the
// quirks embedded Tapo firmware demands: short timeouts, one request
// per TCP connection, and caller-managed cookies rather than a
// cookiejar (which rejects the malformed Set-Cookie headers some
// firmware sends).
package tapohttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/johnpr01/tapo-session/internal/errors"
)

const defaultTimeout = 10 * time.Second

// Client is a minimal POST-only HTTP client scoped to one device host.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a Client with the given timeout (zero uses the
// 10-second default every protocol in this module falls back to).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			// Tapo devices run small embedded HTTP servers; forcing
			// connection close avoids reusing a half-closed socket
			// against a device that only expects one request per TCP
			// connection.
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

// RawCookies is the minimal cookie representation passed between
// protocol handshakes and this transport, avoiding a dependency on
// net/http/cookiejar's stricter RFC 6265 parsing (Tapo's KLAP
// handshake1 response sends cookies cookiejar rejects outright).
type RawCookies map[string]string

// PostOctetStream posts an opaque binary body and returns the response
// body, status code, and any cookies the device set.
func (c *Client) PostOctetStream(ctx context.Context, path string, body []byte, cookies RawCookies) ([]byte, int, RawCookies, error) {
	return c.post(ctx, path, body, "application/octet-stream", cookies, nil)
}

// PostJSON posts a JSON body and returns the response body, status
// code, and any cookies the device set.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte, cookies RawCookies) ([]byte, int, RawCookies, error) {
	return c.post(ctx, path, body, "application/json", cookies, map[string]string{"requestByApp": "true"})
}

// PostJSONWithHeaders posts a JSON body with extra request headers
// (H200's per-request Seq and Tapo_tag) and no cookie jar.
func (c *Client) PostJSONWithHeaders(ctx context.Context, path string, body []byte, headers map[string]string) ([]byte, int, RawCookies, error) {
	merged := map[string]string{"requestByApp": "true"}
	for k, v := range headers {
		merged[k] = v
	}
	return c.post(ctx, path, body, "application/json", nil, merged)
}

func (c *Client) post(ctx context.Context, path string, body []byte, contentType string, cookies RawCookies, headers map[string]string) ([]byte, int, RawCookies, error) {
	url := c.BaseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, errors.NewTransportError("failed to build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	if len(cookies) > 0 {
		req.Header.Set("Cookie", encodeCookies(cookies))
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, errors.NewTransportError("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, nil, errors.NewTransportError("failed to read response body", err)
	}

	return respBody, resp.StatusCode, parseSetCookies(resp.Header.Values("Set-Cookie")), nil
}

func encodeCookies(cookies RawCookies) string {
	parts := make([]string, 0, len(cookies))
	for k, v := range cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// parseSetCookies manually splits Set-Cookie headers on ";", since
// some Tapo firmware (observed on KLAP handshake1) emits attribute
// ordering Go's net/http cookie parser silently drops cookies for.
func parseSetCookies(headers []string) RawCookies {
	if len(headers) == 0 {
		return nil
	}
	cookies := make(RawCookies)
	for _, header := range headers {
		parts := strings.Split(header, ";")
		if len(parts) == 0 {
			continue
		}
		kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
		if len(kv) != 2 {
			continue
		}
		name := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if name == "" {
			continue
		}
		switch strings.ToUpper(name) {
		case "PATH", "DOMAIN", "EXPIRES", "MAX-AGE", "SECURE", "HTTPONLY", "SAMESITE":
			continue
		}
		cookies[name] = value
	}
	return cookies
}
