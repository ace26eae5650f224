// Package client is a Go client for the taskauth HTTP API. It logs in with a
// password or an OAuth2 authorization code, keeps the resulting session token
// in a CredentialStore, and signs later requests with it.
package client

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// ServerCredential is the session held for one server.
type ServerCredential struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the token is past its expiry. A credential
// without a known expiry never expires locally; the server decides.
func (c *ServerCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon reports whether the token expires within the given duration.
func (c *ServerCredential) IsExpiringSoon(within time.Duration) bool {
	return !c.ExpiresAt.IsZero() && time.Now().Add(within).After(c.ExpiresAt)
}

// Origin reduces a server URL to the scheme://host key sessions are kept
// under. A URL without a scheme is taken as https.
func Origin(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: no host", serverURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// CredentialStore persists credentials per server URL.
type CredentialStore interface {
	// GetCredential returns nil, nil when the server has no credential.
	GetCredential(serverURL string) (*ServerCredential, error)

	SetCredential(serverURL string, cred *ServerCredential) error

	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}

// MemoryStore keeps credentials for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*ServerCredential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: make(map[string]*ServerCredential)}
}

func (m *MemoryStore) GetCredential(serverURL string) (*ServerCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[serverURL], nil
}

func (m *MemoryStore) SetCredential(serverURL string, cred *ServerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverURL] = cred
	return nil
}

func (m *MemoryStore) RemoveCredential(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, serverURL)
	return nil
}

func (m *MemoryStore) ListServers() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	servers := make([]string, 0, len(m.servers))
	for k := range m.servers {
		servers = append(servers, k)
	}
	return servers, nil
}

func (m *MemoryStore) Save() error { return nil }
