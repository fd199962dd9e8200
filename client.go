// Package pbschema is a small PocketBase admin client used to inspect and
// modify collection schemas and to keep the migration ledger.
package pbschema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credentials holds superuser credentials.
type Credentials struct {
	Email    string
	Password string
}

// Client provides unauthenticated access to PocketBase and can create authenticated clients.
type Client interface {
	AuthenticateSuperuser(ctx context.Context, creds Credentials) (AuthenticatedClient, error)
}

// AuthenticatedClient provides authenticated HTTP access to PocketBase.
type AuthenticatedClient interface {
	Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error)
}

// ClientOption configures optional Client settings.
type ClientOption func(*client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger used for debug information.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *client) {
		if c.httpClient == nil {
			c.httpClient = defaultHTTPClient()
		}
		c.httpClient.Timeout = timeout
	}
}

// WithRetry sets the maximum number of retries for transient errors and the base backoff.
func WithRetry(maxRetries int, backoff time.Duration) ClientOption {
	return func(c *client) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		c.maxRetries = maxRetries
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

type client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewClient constructs a PocketBase client.
func NewClient(baseURL string, opts ...ClientOption) (Client, error) {
	return newClient(baseURL, opts...)
}

func newClient(baseURL string, opts ...ClientOption) (*client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("baseURL is required")
	}

	c := &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = defaultHTTPClient()
	}

	return c, nil
}

// NewTokenClient returns an AuthenticatedClient that sends a pre-issued token.
// The token is never refreshed; a 401 surfaces as ErrUnauthorized to the caller.
func NewTokenClient(baseURL, token string, opts ...ClientOption) (AuthenticatedClient, error) {
	c, err := newClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("token is required")
	}
	return &authenticatedClient{
		client: c,
		token:  token,
		static: true,
	}, nil
}

const superuserAuthEndpoint = "/api/collections/_superusers/auth-with-password"

// tokenLifetime is shorter than PocketBase's default superuser token duration
// so that tokens are refreshed before the server rejects them.
const tokenLifetime = 23 * time.Hour

// AuthenticateSuperuser authenticates using the superuser endpoint. Schema
// changes require superuser privileges.
func (c *client) AuthenticateSuperuser(ctx context.Context, creds Credentials) (AuthenticatedClient, error) {
	if strings.TrimSpace(creds.Email) == "" {
		return nil, errors.New("email is required")
	}
	if creds.Password == "" {
		return nil, errors.New("password is required")
	}

	token, err := c.requestToken(ctx, superuserAuthEndpoint, creds)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(tokenLifetime)
	if c.logger != nil {
		c.logger.Info("authenticated with PocketBase", "expires", expiry)
	}

	return &authenticatedClient{
		client:       c,
		token:        token,
		tokenExpires: expiry,
		creds:        creds,
		authEndpoint: superuserAuthEndpoint,
	}, nil
}

func (c *client) requestToken(ctx context.Context, endpoint string, creds Credentials) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	payload := map[string]string{
		"identity": creds.Email,
		"password": creds.Password,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("encode auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authentication request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", mapHTTPError(resp.StatusCode, body)
	}

	var authResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &authResp); err != nil {
		return "", fmt.Errorf("parse auth response: %w", err)
	}
	if authResp.Token == "" {
		return "", errors.New("authentication succeeded but token missing")
	}
	return authResp.Token, nil
}

type authenticatedClient struct {
	client       *client
	token        string
	tokenExpires time.Time
	creds        Credentials
	authEndpoint string
	static       bool
	authMutex    sync.Mutex
	tokenMutex   sync.RWMutex
}

// Do executes an authenticated HTTP request with retries.
func (ac *authenticatedClient) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var bodyBytes []byte
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		bodyBytes = data
	}

	url := ac.client.baseURL + "/" + strings.TrimLeft(path, "/")
	attempts := ac.client.maxRetries

	for attempt := 0; attempt <= attempts; attempt++ {
		if err := ac.ensureAuthenticated(ctx); err != nil {
			return nil, err
		}

		token := ac.readToken()
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := ac.client.httpClient.Do(req)
		if err != nil {
			if attempt == attempts {
				return nil, err
			}
			if ac.client.logger != nil {
				ac.client.logger.Debug("retrying PocketBase request", "method", method, "path", path, "attempt", attempt+1, "err", err)
			}
			if waitErr := ac.wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !ac.static {
			ac.clearToken()
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < attempts {
			resp.Body.Close()
			if waitErr := ac.wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return resp, nil
	}

	return nil, errors.New("request failed after retries")
}

func (ac *authenticatedClient) ensureAuthenticated(ctx context.Context) error {
	if ac.static || ac.tokenValid() {
		return nil
	}
	ac.authMutex.Lock()
	defer ac.authMutex.Unlock()

	if ac.tokenValid() {
		return nil
	}

	token, err := ac.client.requestToken(ctx, ac.authEndpoint, ac.creds)
	if err != nil {
		ac.clearToken()
		return err
	}

	expiry := time.Now().Add(tokenLifetime)
	ac.tokenMutex.Lock()
	ac.token = token
	ac.tokenExpires = expiry
	ac.tokenMutex.Unlock()

	if ac.client.logger != nil {
		ac.client.logger.Info("re-authenticated with PocketBase", "expires", expiry)
	}
	return nil
}

func (ac *authenticatedClient) wait(ctx context.Context, attempt int) error {
	backoff := ac.client.backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	delay := backoff << attempt

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (ac *authenticatedClient) tokenValid() bool {
	ac.tokenMutex.RLock()
	defer ac.tokenMutex.RUnlock()

	if ac.token == "" {
		return false
	}
	if ac.tokenExpires.IsZero() {
		return true
	}
	return time.Now().Before(ac.tokenExpires)
}

func (ac *authenticatedClient) readToken() string {
	ac.tokenMutex.RLock()
	defer ac.tokenMutex.RUnlock()
	return ac.token
}

func (ac *authenticatedClient) clearToken() {
	ac.tokenMutex.Lock()
	defer ac.tokenMutex.Unlock()
	ac.token = ""
	ac.tokenExpires = time.Time{}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
