//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/panyam/taskauth"
)

// UserModel is the GORM model for users
type UserModel struct {
	ID           int64                  `gorm:"primaryKey;autoIncrement"`
	Username     string                 `gorm:"size:255;not null;uniqueIndex"`
	Email        string                 `gorm:"size:320;not null;uniqueIndex"`
	PasswordHash *string                `gorm:"size:255"` // NULL for OAuth-only accounts
	Credentials  []OAuthCredentialModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time              `gorm:"autoCreateTime"`
	UpdatedAt    time.Time              `gorm:"autoUpdateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

// OAuthCredentialModel is the GORM model for provider credentials
type OAuthCredentialModel struct {
	ID                int64     `gorm:"primaryKey;autoIncrement"`
	UserID            int64     `gorm:"not null;index"`
	Provider          string    `gorm:"size:32;not null;uniqueIndex:idx_provider_subject"`
	ProviderSubjectID string    `gorm:"size:255;not null;uniqueIndex:idx_provider_subject"`
	Email             string    `gorm:"size:320"`
	DisplayName       string    `gorm:"size:255"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (OAuthCredentialModel) TableName() string {
	return "oauth_credentials"
}

func (m *UserModel) ToUser() *taskauth.User {
	u := &taskauth.User{
		ID:          m.ID,
		Username:    m.Username,
		Email:       m.Email,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Credentials: make([]*taskauth.OAuthCredential, 0, len(m.Credentials)),
	}
	if m.PasswordHash != nil {
		u.PasswordHash = *m.PasswordHash
	}
	for i := range m.Credentials {
		u.Credentials = append(u.Credentials, m.Credentials[i].ToCredential())
	}
	return u
}

func UserToModel(u *taskauth.User) *UserModel {
	m := &UserModel{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
	}
	if u.PasswordHash != "" {
		hash := u.PasswordHash
		m.PasswordHash = &hash
	}
	for _, c := range u.Credentials {
		m.Credentials = append(m.Credentials, *CredentialToModel(c))
	}
	return m
}

func (m *OAuthCredentialModel) ToCredential() *taskauth.OAuthCredential {
	return &taskauth.OAuthCredential{
		ID:                m.ID,
		UserID:            m.UserID,
		Provider:          m.Provider,
		ProviderSubjectID: m.ProviderSubjectID,
		Email:             m.Email,
		DisplayName:       m.DisplayName,
		CreatedAt:         m.CreatedAt,
	}
}

// CredentialToModel converts c, storing the provider in canonical form.
func CredentialToModel(c *taskauth.OAuthCredential) *OAuthCredentialModel {
	return &OAuthCredentialModel{
		ID:                c.ID,
		UserID:            c.UserID,
		Provider:          taskauth.NormalizeProvider(c.Provider),
		ProviderSubjectID: c.ProviderSubjectID,
		Email:             c.Email,
		DisplayName:       c.DisplayName,
	}
}
