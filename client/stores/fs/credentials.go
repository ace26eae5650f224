// Package fs keeps taskauth client sessions in a JSON file, so command line
// tools stay logged in across runs.
//
// The file may be shared by several processes of the same user. Save takes a
// lock file, re-reads the sessions on disk and applies only this store's
// changes on top, so two tools logging in to different servers do not
// overwrite each other. Sessions cannot be refreshed: once a token is past
// its expiry it is dropped on load, on lookup and on the next save.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"

	"github.com/panyam/taskauth/client"
	"github.com/panyam/taskauth/internal/fsutil"
)

// DefaultAppName names the config directory when none is given.
const DefaultAppName = "taskauth"

const (
	sessionFileVersion = 1
	lockTimeout        = 5 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
)

// FSCredentialStore keeps one session per server origin in a file readable
// only by its owner.
type FSCredentialStore struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*client.ServerCredential

	// origins changed since the last Save; nil marks a removal
	pending map[string]*client.ServerCredential
	// expired sessions were dropped and the file should be rewritten
	pruned bool
}

var _ client.CredentialStore = (*FSCredentialStore)(nil)

type sessionFile struct {
	Version  int            `json:"version"`
	Sessions []sessionEntry `json:"sessions"`
}

type sessionEntry struct {
	Server string `json:"server"`
	client.ServerCredential
}

// NewFSCredentialStore opens the store at path, or at
// $XDG_CONFIG_HOME/<appName>/credentials.json when path is empty.
func NewFSCredentialStore(path string, appName string) (*FSCredentialStore, error) {
	if path == "" {
		if appName == "" {
			appName = DefaultAppName
		}
		var err error
		path, err = xdg.ConfigFile(filepath.Join(appName, "credentials.json"))
		if err != nil {
			return nil, fmt.Errorf("could not determine config directory: %w", err)
		}
	}

	sessions, pruned, err := readSessions(path)
	if err != nil {
		return nil, err
	}
	return &FSCredentialStore{
		path:     path,
		sessions: sessions,
		pending:  make(map[string]*client.ServerCredential),
		pruned:   pruned,
	}, nil
}

// readSessions loads the live sessions in path. A missing file is empty.
func readSessions(path string) (sessions map[string]*client.ServerCredential, pruned bool, err error) {
	sessions = make(map[string]*client.ServerCredential)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sessions, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.Version > sessionFileVersion {
		return nil, false, fmt.Errorf("credentials file version %d is newer than supported version %d", file.Version, sessionFileVersion)
	}

	for i := range file.Sessions {
		entry := &file.Sessions[i]
		if entry.Server == "" || entry.Token == "" || entry.IsExpired() {
			pruned = true
			continue
		}
		cred := entry.ServerCredential
		sessions[entry.Server] = &cred
	}
	return sessions, pruned, nil
}

func writeSessions(path string, sessions map[string]*client.ServerCredential) error {
	file := sessionFile{Version: sessionFileVersion, Sessions: make([]sessionEntry, 0, len(sessions))}
	for origin, cred := range sessions {
		file.Sessions = append(file.Sessions, sessionEntry{Server: origin, ServerCredential: *cred})
	}
	sort.Slice(file.Sessions, func(i, j int) bool { return file.Sessions[i].Server < file.Sessions[j].Server })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	return fsutil.WriteAtomic(path, data)
}

// GetCredential returns the live session for serverURL. An expired session
// is dropped and reported as absent.
func (s *FSCredentialStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	origin, err := client.Origin(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cred := s.sessions[origin]
	if cred != nil && cred.IsExpired() {
		delete(s.sessions, origin)
		s.pending[origin] = nil
		return nil, nil
	}
	return cred, nil
}

func (s *FSCredentialStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	origin, err := client.Origin(serverURL)
	if err != nil {
		return err
	}
	if cred == nil || cred.Token == "" {
		return fmt.Errorf("credential for %s has no token", origin)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[origin] = cred
	s.pending[origin] = cred
	return nil
}

func (s *FSCredentialStore) RemoveCredential(serverURL string) error {
	origin, err := client.Origin(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, origin)
	s.pending[origin] = nil
	return nil
}

// ListServers returns the origins holding a live session.
func (s *FSCredentialStore) ListServers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	servers := make([]string, 0, len(s.sessions))
	for origin, cred := range s.sessions {
		if !cred.IsExpired() {
			servers = append(servers, origin)
		}
	}
	sort.Strings(servers)
	return servers, nil
}

// Save merges pending changes into the file under a lock file. Sessions
// written by other processes are kept unless this store changed the same
// origin; expired sessions are dropped.
func (s *FSCredentialStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 && !s.pruned {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock credentials file: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock credentials file: timeout after %v", lockTimeout)
	}
	defer lock.Unlock()

	current, _, err := readSessions(s.path)
	if err != nil {
		return err
	}
	for origin, cred := range s.pending {
		if cred == nil || cred.IsExpired() {
			delete(current, origin)
		} else {
			current[origin] = cred
		}
	}
	if err := writeSessions(s.path, current); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	s.sessions = current
	s.pending = make(map[string]*client.ServerCredential)
	s.pruned = false
	return nil
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}
