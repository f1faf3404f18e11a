// Package gatewayclient implements GatewayClient (spec §4.7): a pooled
// HTTP client dispatching tunnelled requests to the local payment
// gateway, with method-aware body/query handling and error-tag mapping.
// Grounded on the original's send_to_gateway/_handle_gateway_response
// (client/src/ws_client/proxy.py); the aiohttp.TCPConnector(limit=10,
// limit_per_host=5, ttl_dns_cache=300) pool knobs map onto http.Transport.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kioskbridge/tunnel/internal/wire"
)

// Client is the process-wide pooled HTTP client used to reach the
// local gateway. Safe for concurrent use. Its http.Client is built once,
// by New; it is not created on first use and is never rebuilt.
type Client struct {
	http *http.Client
}

// New creates a Client with the spec's connection-pool bounds.
func New() *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     5 * time.Minute,
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Dispatch sends body to url using method (spec §4.7's method-aware
// dispatch), bounded by timeout, and returns the parsed gateway
// response or an error-tagged wire.Response on failure. Dispatch never
// returns a Go error: every failure, including a malformed route URL
// (tagged "other"), comes back as an error-tagged Response.
func (c *Client) Dispatch(ctx context.Context, method, targetURL string, body json.RawMessage, timeout time.Duration) wire.Response {
	method = normalizeMethod(method)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.buildRequest(ctx, method, targetURL, body)
	if err != nil {
		return wire.NewErrorResponse("", wire.ErrOther, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return mapError(err, timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.NewErrorResponse("", wire.ErrOther, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wire.NewErrorResponse("", wire.ErrHTTPError, httpErrorMessage(resp.StatusCode, respBody))
	}

	var parsed wire.Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return wire.NewErrorResponse("", wire.ErrOther, "gateway returned non-JSON response: "+err.Error())
	}
	return parsed
}

func (c *Client) buildRequest(ctx context.Context, method, targetURL string, body json.RawMessage) (*http.Request, error) {
	if method == http.MethodGet {
		query, err := bodyToQueryString(body)
		if err != nil {
			return nil, err
		}
		full := targetURL
		if query != "" {
			full = targetURL + "?" + query
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	}
	return http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
}

// bodyToQueryString URL-encodes the body's top-level key/value pairs
// (spec §4.7: "URL-encode the message body's top-level key/value pairs").
func bodyToQueryString(body json.RawMessage) (string, error) {
	if len(body) == 0 {
		return "", nil
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", err
	}
	q := url.Values{}
	for k, v := range fields {
		q.Set(k, scalarString(v))
	}
	return q.Encode(), nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func normalizeMethod(method string) string {
	if method == "" {
		return http.MethodPost
	}
	return strings.ToUpper(method)
}

func mapError(err error, timeout time.Duration) wire.Response {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wire.NewErrorResponse("", wire.ErrTimeout, "gateway timeout after "+timeout.String())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.NewErrorResponse("", wire.ErrTimeout, "gateway timeout after "+timeout.String())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return wire.NewErrorResponse("", wire.ErrConnectionRefused, "cannot connect to gateway: "+err.Error())
	}
	return wire.NewErrorResponse("", wire.ErrOther, err.Error())
}

func httpErrorMessage(code int, body []byte) string {
	return "HTTP " + strconv.Itoa(code) + ": " + string(body)
}
