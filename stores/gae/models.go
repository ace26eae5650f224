//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	"github.com/panyam/taskauth"
)

// UserEntity is the Datastore entity for users
type UserEntity struct {
	Key          *datastore.Key `datastore:"__key__"`
	Username     string         `datastore:"username"`
	Email        string         `datastore:"email"`
	PasswordHash string         `datastore:"password_hash,noindex"`
	CreatedAt    time.Time      `datastore:"created_at"`
	UpdatedAt    time.Time      `datastore:"updated_at"`
}

func (e *UserEntity) ToUser(creds []*taskauth.OAuthCredential) *taskauth.User {
	return &taskauth.User{
		ID:           e.Key.ID,
		Username:     e.Username,
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		Credentials:  creds,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// CredentialEntity is the Datastore entity for OAuth credentials.
// Its parent key is the owning user.
type CredentialEntity struct {
	Key               *datastore.Key `datastore:"__key__"`
	Provider          string         `datastore:"provider"`
	ProviderSubjectID string         `datastore:"provider_subject_id"`
	Email             string         `datastore:"email,noindex"`
	DisplayName       string         `datastore:"display_name,noindex"`
	CreatedAt         time.Time      `datastore:"created_at"`
}

func (e *CredentialEntity) ToCredential() *taskauth.OAuthCredential {
	return &taskauth.OAuthCredential{
		ID:                e.Key.ID,
		UserID:            e.Key.Parent.ID,
		Provider:          e.Provider,
		ProviderSubjectID: e.ProviderSubjectID,
		Email:             e.Email,
		DisplayName:       e.DisplayName,
		CreatedAt:         e.CreatedAt,
	}
}

// MarkerEntity claims a unique value (username, email or credential) for a user.
type MarkerEntity struct {
	UserID    int64     `datastore:"user_id"`
	CreatedAt time.Time `datastore:"created_at,noindex"`
}
