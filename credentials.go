package taskauth

import (
	"strings"
)

// LoginRequest is the body of POST /api/auth/login. Identifier is either a
// username or an email address.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// SignupRequest is the body of POST /api/auth/signup.
type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OAuthCallbackRequest is the body of POST /api/auth/oauth2/callback.
type OAuthCallbackRequest struct {
	Code        string `json:"code"`
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// AuthResponse is returned by every successful login.
type AuthResponse struct {
	Token    string   `json:"token"`
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Validate checks required fields. The password is not trimmed.
func (r *LoginRequest) Validate() error {
	r.Identifier = strings.TrimSpace(r.Identifier)
	if r.Identifier == "" {
		return ValidationError("identifier is required")
	}
	if r.Password == "" {
		return ValidationError("password is required")
	}
	return nil
}

// Validate trims and checks the signup fields.
func (r *SignupRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	if r.Username == "" {
		return ValidationError("username is required")
	}
	if r.Email == "" {
		return ValidationError("email is required")
	}
	if !strings.Contains(r.Email, "@") {
		return ValidationError("email is not valid")
	}
	if r.Password == "" {
		return ValidationError("password is required")
	}
	return nil
}

func (r *OAuthCallbackRequest) Validate() error {
	r.Code = strings.TrimSpace(r.Code)
	r.Provider = strings.TrimSpace(r.Provider)
	if r.Code == "" {
		return ValidationError("code is required")
	}
	if r.Provider == "" {
		return ValidationError("provider is required")
	}
	return nil
}
