package oauth2

import (
	"encoding/json"
	"fmt"

	"github.com/panyam/taskauth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	GoogleName        = "google"
	GoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// NewGoogleProvider configures Google sign-in. redirectURL is the default
// redirect_uri for code exchanges.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) *Provider {
	return &Provider{
		Name: GoogleName,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserInfoURL: GoogleUserInfoURL,
		Normalize:   normalizeGoogle,
	}
}

// googleUserInfo is the subset of the OpenID userinfo response we read.
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func normalizeGoogle(data []byte) (*taskauth.Profile, error) {
	var info googleUserInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse google profile: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("google profile has no sub")
	}
	return &taskauth.Profile{
		Provider:          GoogleName,
		ProviderSubjectID: info.Sub,
		Email:             info.Email,
		DisplayName:       info.Name,
	}, nil
}
