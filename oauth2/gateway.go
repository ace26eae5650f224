package oauth2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/panyam/taskauth"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds each outbound call to a provider.
const DefaultTimeout = 10 * time.Second

// maxProfileBytes caps the size of a profile response we are willing to read.
const maxProfileBytes = 1 << 20

// Gateway performs the code exchange and profile fetch against registered
// providers. It implements taskauth.ProviderGateway.
type Gateway struct {
	providers map[string]*Provider

	// HTTPClient is used for all outbound calls. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Timeout bounds each individual call. Defaults to DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

var _ taskauth.ProviderGateway = (*Gateway)(nil)

// NewGateway creates a Gateway serving providers.
func NewGateway(logger *slog.Logger, providers ...*Provider) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		providers: make(map[string]*Provider),
		Timeout:   DefaultTimeout,
		Logger:    logger,
	}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

// Register adds or replaces a provider.
func (g *Gateway) Register(p *Provider) {
	g.providers[taskauth.NormalizeProvider(p.Name)] = p
}

// Provider looks up a provider by case-insensitive name.
func (g *Gateway) Provider(name string) (*Provider, error) {
	p, ok := g.providers[taskauth.NormalizeProvider(name)]
	if !ok {
		return nil, taskauth.GatewayError(taskauth.CodeUnsupportedProvider,
			fmt.Sprintf("unsupported provider: %s", name), nil)
	}
	return p, nil
}

// ExchangeCode trades code for an access token at the provider's token
// endpoint. The request is a form POST carrying code, redirect_uri,
// grant_type=authorization_code and the client credentials.
func (g *Gateway) ExchangeCode(ctx context.Context, provider, code, redirectURI string) (string, error) {
	p, err := g.Provider(provider)
	if err != nil {
		return "", err
	}

	cfg := p.Config
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}
	cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams

	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	token, err := cfg.Exchange(g.clientContext(ctx, p), code)
	if err != nil {
		return "", g.classify(p, taskauth.CodeTokenExchangeFailed, "code exchange failed", err)
	}
	if token.AccessToken == "" {
		return "", taskauth.GatewayError(taskauth.CodeTokenExchangeFailed, "provider response has no access_token", nil)
	}
	return token.AccessToken, nil
}

// FetchProfile reads the user's profile with accessToken and normalizes it.
func (g *Gateway) FetchProfile(ctx context.Context, provider, accessToken string) (*taskauth.Profile, error) {
	p, err := g.Provider(provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, taskauth.InternalError("failed to build profile request", err)
	}
	req.Header.Set("Accept", "application/json")

	// Config.Client attaches the bearer token to every request.
	client := p.Config.Client(g.clientContext(ctx, p), &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	resp, err := client.Do(req)
	if err != nil {
		return nil, g.classify(p, taskauth.CodeProfileFetchFailed, "profile fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, g.classify(p, taskauth.CodeProfileFetchFailed, "failed to read profile", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.Logger.Warn("profile endpoint rejected request", "provider", p.Name, "status", resp.StatusCode)
		return nil, taskauth.GatewayError(taskauth.CodeProfileFetchFailed,
			fmt.Sprintf("profile endpoint returned %d", resp.StatusCode), nil)
	}

	profile, err := p.Normalize(body)
	if err != nil {
		return nil, taskauth.GatewayError(taskauth.CodeProfileFetchFailed, "unexpected profile response", err)
	}
	profile.Provider = p.Name
	return profile, nil
}

// clientContext attaches the HTTP client x/oauth2 should use for p.
func (g *Gateway) clientContext(ctx context.Context, p *Provider) context.Context {
	base := g.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if p.AcceptJSON {
		transport := base.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		c := *base
		c.Transport = acceptJSONTransport{base: transport}
		base = &c
	}
	return context.WithValue(ctx, oauth2.HTTPClient, base)
}

// classify maps a transport or protocol failure to a gateway error: timeouts
// and network failures are provider_unreachable, anything else gets code.
func (g *Gateway) classify(p *Provider, code, message string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		g.Logger.Warn("provider unreachable", "provider", p.Name, "err", err)
		return taskauth.GatewayError(taskauth.CodeProviderUnreachable, "identity provider is unreachable", err)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		g.Logger.Info("provider rejected request", "provider", p.Name, "error_code", retrieveErr.ErrorCode)
	}
	return taskauth.GatewayError(code, message, err)
}

func (g *Gateway) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultTimeout
}
