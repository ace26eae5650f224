package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/panyam/taskauth"
)

// DefaultAPIPrefix is where the server mounts its JSON endpoints.
const DefaultAPIPrefix = "/api/auth"

// maxResponseBytes caps the size of a response body we are willing to read.
const maxResponseBytes = 1 << 20

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Description, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.StatusCode)
}

// AuthClient talks to one taskauth server and remembers its session token
type AuthClient struct {
	mu            sync.Mutex
	serverURL     string
	apiPrefix     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithAPIPrefix sets the path the JSON endpoints are mounted under.
func WithAPIPrefix(prefix string) ClientOption {
	return func(c *AuthClient) {
		c.apiPrefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a client for serverURL. A nil store keeps the token
// in memory only.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if store == nil {
		store = NewMemoryStore()
	}

	c := &AuthClient{
		serverURL:     serverURL,
		apiPrefix:     DefaultAPIPrefix,
		store:         store,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Transport = &AuthTransport{
		Base:           c.baseTransport,
		TokenSource:    c.GetToken,
		OnUnauthorized: c.dropCredential,
	}
	return c
}

// HTTPClient returns an HTTP client that signs requests with the session token.
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

// ServerURL returns the server URL this client is configured for
func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetToken returns the current session token, or "" when logged out or expired.
func (c *AuthClient) GetToken() (string, error) {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil || cred.IsExpired() {
		return "", err
	}
	return cred.Token, nil
}

// GetCredential returns the stored credential for this server
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	token, err := c.GetToken()
	return err == nil && token != ""
}

// Login authenticates with a username or email and a password.
func (c *AuthClient) Login(ctx context.Context, identifier, password string) (*ServerCredential, error) {
	var resp taskauth.AuthResponse
	err := c.post(ctx, "/login", taskauth.LoginRequest{Identifier: identifier, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return c.remember(&resp)
}

// Signup registers a password account. It does not log in.
func (c *AuthClient) Signup(ctx context.Context, username, email, password string) error {
	return c.post(ctx, "/signup", taskauth.SignupRequest{Username: username, Email: email, Password: password}, nil)
}

// OAuthCallback hands an authorization code obtained by the caller's
// frontend to the server and stores the resulting session.
func (c *AuthClient) OAuthCallback(ctx context.Context, provider, code, redirectURI string) (*ServerCredential, error) {
	var resp taskauth.AuthResponse
	req := taskauth.OAuthCallbackRequest{Provider: provider, Code: code, RedirectURI: redirectURI}
	if err := c.post(ctx, "/oauth2/callback", req, &resp); err != nil {
		return nil, err
	}
	return c.remember(&resp)
}

// Me returns the logged in user as the server currently sees it.
func (c *AuthClient) Me(ctx context.Context) (*taskauth.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/me"), nil)
	if err != nil {
		return nil, err
	}
	var user taskauth.User
	if err := c.do(c.httpClient, req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Logout removes the credential for this server
func (c *AuthClient) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}
	return c.store.Save()
}

func (c *AuthClient) dropCredential() {
	_ = c.Logout()
}

func (c *AuthClient) remember(resp *taskauth.AuthResponse) (*ServerCredential, error) {
	cred := &ServerCredential{
		Token:     resp.Token,
		UserID:    resp.ID,
		Username:  resp.Username,
		Email:     resp.Email,
		Roles:     resp.Roles,
		ExpiresAt: tokenExpiry(resp.Token),
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return cred, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client cannot verify it and only uses it to skip sending stale tokens.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func (c *AuthClient) endpoint(path string) string {
	return c.serverURL + c.apiPrefix + path
}

// post sends an unauthenticated JSON request and decodes the reply into out.
func (c *AuthClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// base transport: login endpoints must not carry a stale token
	return c.do(&http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}, req, out)
}

func (c *AuthClient) do(hc *http.Client, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var errResp taskauth.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Error
			apiErr.Description = errResp.ErrorDescription
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}
