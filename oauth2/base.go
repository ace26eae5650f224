package oauth2

import (
	"net/http"

	"github.com/panyam/taskauth"
	"golang.org/x/oauth2"
)

// NormalizeFunc turns a provider's raw profile JSON into a Profile.
type NormalizeFunc func(data []byte) (*taskauth.Profile, error)

// Provider describes one OAuth2 identity provider: its client registration,
// its token and authorization endpoints, and how to read its profile.
type Provider struct {
	// Name is the lower case provider key ("google", "github").
	Name string

	// Config carries the client id/secret, endpoints, scopes and the
	// default redirect URL used when a caller does not supply one.
	Config oauth2.Config

	// UserInfoURL is the profile endpoint. Can be overridden for testing.
	UserInfoURL string

	Normalize NormalizeFunc

	// AcceptJSON makes token requests send "Accept: application/json".
	AcceptJSON bool
}

// acceptJSONTransport sets the Accept header on every request.
type acceptJSONTransport struct {
	base http.RoundTripper
}

func (t acceptJSONTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req)
}
