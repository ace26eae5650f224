package client

import (
	"net/http"
)

// AuthTransport wraps an http.RoundTripper to add Authorization headers.
// Token is used as is; TokenSource, when set, is consulted on every request
// instead.
type AuthTransport struct {
	Base        http.RoundTripper
	Token       string
	TokenSource func() (string, error)

	// OnUnauthorized is called when a request that carried a token is
	// answered with 401.
	OnUnauthorized func()
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.Token
	if t.TokenSource != nil {
		var err error
		if token, err = t.TokenSource(); err != nil {
			return nil, err
		}
	}

	if token != "" {
		// Clone the request to avoid mutating the original
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && token != "" && t.OnUnauthorized != nil {
		t.OnUnauthorized()
	}
	return resp, nil
}

// NewAuthTransport creates an AuthTransport with the given token
func NewAuthTransport(token string) *AuthTransport {
	return &AuthTransport{
		Base:  http.DefaultTransport,
		Token: token,
	}
}

// NewAuthTransportWithBase creates an AuthTransport with a custom base transport
func NewAuthTransportWithBase(base http.RoundTripper, token string) *AuthTransport {
	return &AuthTransport{
		Base:  base,
		Token: token,
	}
}
