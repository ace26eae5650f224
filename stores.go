package taskauth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RoleUser is the only role granted by this package today.
const RoleUser = "USER"

// User is the local account every authentication method resolves to.
type User struct {
	ID           int64              `json:"id"`
	Username     string             `json:"username"`
	Email        string             `json:"email"`
	PasswordHash string             `json:"-"` // empty for accounts created through OAuth2 only
	Credentials  []*OAuthCredential `json:"credentials,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// HasPassword reports whether the user can log in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// FindCredential returns the credential bound to (provider, subjectID).
// Providers compare case-insensitively; subject ids compare exactly.
func (u *User) FindCredential(provider, subjectID string) *OAuthCredential {
	for _, c := range u.Credentials {
		if strings.EqualFold(c.Provider, provider) && c.ProviderSubjectID == subjectID {
			return c
		}
	}
	return nil
}

// OAuthCredential binds an external provider identity to a User.
type OAuthCredential struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	Provider          string    `json:"provider"`            // "google", "github"
	ProviderSubjectID string    `json:"provider_subject_id"` // google "sub", github numeric "id"
	Email             string    `json:"email"`               // snapshot at link time
	DisplayName       string    `json:"display_name"`        // snapshot at link time
	CreatedAt         time.Time `json:"created_at"`
}

// Profile is the provider independent shape of an OAuth2 user profile.
type Profile struct {
	Provider          string
	ProviderSubjectID string
	Email             string
	DisplayName       string
}

// Principal is the authenticated identity attached to a request once its
// session token has been verified.
type Principal struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NormalizeProvider returns the canonical (lower case) spelling of a provider
// name. Stores persist providers in this form so that their unique index on
// (provider, subject) is case-insensitive.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

var (
	// ErrNotFound is returned by stores when a lookup matches no record.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by stores when a write violates a unique
	// constraint: username, email, or (provider, provider subject id).
	ErrConflict = errors.New("unique constraint violated")
)

// UserStore persists users and their OAuth credentials.
//
// Implementations must enforce uniqueness of username, email and
// (provider, provider subject id) atomically at the storage layer and report
// violations as ErrConflict. Checking and then inserting in application code
// is not sufficient: concurrent first logins for the same email must produce
// exactly one user.
type UserStore interface {
	// CreateUser inserts the user together with any credentials it already
	// carries, assigning ids to all of them. It is all-or-nothing.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByID loads a user and its credentials.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername loads a user by exact username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByEmail loads a user by exact email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// LinkCredential attaches a credential to an existing user (cred.UserID)
	// and assigns its id.
	LinkCredential(ctx context.Context, cred *OAuthCredential) error
}
