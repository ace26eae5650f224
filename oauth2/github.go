package oauth2

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/panyam/taskauth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	GithubName        = "github"
	GithubUserInfoURL = "https://api.github.com/user"
)

// NewGithubProvider configures GitHub sign-in. GitHub answers token requests
// form-encoded unless asked for JSON, so AcceptJSON is set.
func NewGithubProvider(clientID, clientSecret, redirectURL string) *Provider {
	return &Provider{
		Name: GithubName,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		UserInfoURL: GithubUserInfoURL,
		Normalize:   normalizeGithub,
		AcceptJSON:  true,
	}
}

type githubUser struct {
	ID    *int64 `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// normalizeGithub reads the numeric id as the subject and falls back to the
// login when the user has not set a display name.
func normalizeGithub(data []byte) (*taskauth.Profile, error) {
	var u githubUser
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to parse github profile: %w", err)
	}
	if u.ID == nil {
		return nil, fmt.Errorf("github profile has no id")
	}
	name := u.Name
	if name == "" {
		name = u.Login
	}
	return &taskauth.Profile{
		Provider:          GithubName,
		ProviderSubjectID: strconv.FormatInt(*u.ID, 10),
		Email:             u.Email,
		DisplayName:       name,
	}, nil
}
