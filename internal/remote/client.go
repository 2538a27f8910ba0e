// Package remote is the HTTP client for the retail server of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const userAgent = "possync-client/1.0"

// Fallback identity headers sent when no bearer token is held.
const (
	HeaderBranchID = "X-Branch-ID"
	HeaderDeviceID = "X-Device-ID"
)

// CredentialSource supplies the identity attached to each request.
// *possync.Session satisfies it.
type CredentialSource interface {
	Credentials() possync.Credentials
}

// HTTPClient talks JSON to /api/v1. Safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	limiter    *rate.Limiter
	logger     *zap.Logger
	getRetries uint64
	getBackoff time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit paces outgoing requests to rps. Zero disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *HTTPClient) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger enables debug logging of requests and responses.
func WithLogger(logger *zap.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGetRetry sets how many times idempotent reads are retried after a
// network failure, and the initial backoff.
func WithGetRetry(retries uint64, backoff time.Duration) Option {
	return func(c *HTTPClient) {
		c.getRetries = retries
		c.getBackoff = backoff
	}
}

// NewHTTPClient creates a client for the server at serverURL.
func NewHTTPClient(serverURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: possync.DefaultRequestTimeout,
		},
		logger:     zap.NewNop(),
		getRetries: 2,
		getBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient sets a custom http.Client (for testing or custom transports).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithCredentials sets where request identity comes from. Wire it before
// the first request.
func (c *HTTPClient) WithCredentials(src CredentialSource) *HTTPClient {
	c.creds = src
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.creds == nil {
		return
	}
	creds := c.creds.Credentials()
	switch creds.Mode {
	case possync.IdentityBearer:
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	case possync.IdentityFallback:
		if creds.BranchID != "" {
			req.Header.Set(HeaderBranchID, creds.BranchID)
		}
		if creds.DeviceID != "" {
			req.Header.Set(HeaderDeviceID, creds.DeviceID)
		}
	}
}

func newSyncError(op string, resp *http.Response, body []byte) *possync.SyncError {
	msg := ""
	if len(body) > 0 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &possync.SyncError{
		Operation:  op,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Err:        fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg),
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (c *HTTPClient) resourceURL(resource, id string) string {
	u := c.baseURL + "/api/v1/" + url.PathEscape(resource)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// do sends a request and decodes a 2xx JSON response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, op, method, target string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &possync.SyncError{Operation: op, Err: err}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &possync.SyncError{Operation: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return &possync.SyncError{Operation: op, Err: err}
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("url", target),
		zap.String("body", truncateForLog(string(body), 2000)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return &possync.SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &possync.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncateForLog(string(respBody), 4000)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newSyncError(op, resp, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &possync.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// doIdempotent is do with retries on network failures. HTTP error statuses
// are returned immediately.
func (c *HTTPClient) doIdempotent(ctx context.Context, op, target string, out any) error {
	if c.getRetries == 0 {
		return c.do(ctx, op, http.MethodGet, target, nil, out)
	}
	backoff := retry.WithMaxRetries(c.getRetries, retry.NewExponential(c.getBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.do(ctx, op, http.MethodGet, target, nil, out)
		var syncErr *possync.SyncError
		if errors.As(err, &syncErr) && syncErr.StatusCode == 0 && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Create posts a new entity and returns the server's representation.
func (c *HTTPClient) Create(ctx context.Context, resource string, payload possync.Record) (possync.Record, error) {
	var out possync.Record
	if err := c.do(ctx, "create_"+resource, http.MethodPost, c.resourceURL(resource, ""), payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces the entity at id.
func (c *HTTPClient) Update(ctx context.Context, resource, id string, payload possync.Record) (possync.Record, error) {
	var out possync.Record
	if err := c.do(ctx, "update_"+resource, http.MethodPut, c.resourceURL(resource, id), payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the entity at id.
func (c *HTTPClient) Delete(ctx context.Context, resource, id string) error {
	return c.do(ctx, "delete_"+resource, http.MethodDelete, c.resourceURL(resource, id), nil, nil)
}

// Get fetches the entity at id.
func (c *HTTPClient) Get(ctx context.Context, resource, id string) (possync.Record, error) {
	var out possync.Record
	if err := c.doIdempotent(ctx, "get_"+resource, c.resourceURL(resource, id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns entities matching query.
func (c *HTTPClient) List(ctx context.Context, resource string, query url.Values) ([]possync.Record, error) {
	target := c.resourceURL(resource, "")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var out []possync.Record
	if err := c.doIdempotent(ctx, "list_"+resource, target, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type loginRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges an identity and secret for a session token.
func (c *HTTPClient) Login(ctx context.Context, identity, secret string) (string, error) {
	var out loginResponse
	err := c.do(ctx, "login", http.MethodPost, c.baseURL+"/api/v1/auth/login",
		loginRequest{Identity: identity, Secret: secret}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &possync.SyncError{Operation: "login", StatusCode: http.StatusOK, Err: errors.New("response carried no token")}
	}
	return out.Token, nil
}

// VerifyToken asks the server whether token is still accepted. Only 401 and
// 403 count as a definite rejection.
func (c *HTTPClient) VerifyToken(ctx context.Context, token string) possync.VerifyResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auth/verify", nil)
	if err != nil {
		return possync.VerifyInconclusive
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("token verification unreachable", zap.Error(err))
		return possync.VerifyInconclusive
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return possync.VerifyValid
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return possync.VerifyInvalid
	default:
		return possync.VerifyInconclusive
	}
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
