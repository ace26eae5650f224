package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panyam/taskauth"
	"github.com/panyam/taskauth/internal/fsutil"
)

// FSUserStore implements taskauth.UserStore using JSON files.
//
// # File Structure
//
//	{StoragePath}/
//	├── users/{id}.json          # user record with its credentials
//	├── usernames/{key}.json     # {"user_id": 1}, one per username
//	├── emails/{key}.json        # {"user_id": 1}, one per email
//	└── credentials/{key}.json   # {"user_id": 1}, one per (provider, subject)
//
// {key} is the hex sha256 of the indexed value, so arbitrarily long emails
// and subject ids map to valid file names.
//
// # Concurrency Model
//
// Uniqueness is enforced by creating the index files with O_EXCL, so two
// writers racing for the same username, email or credential cannot both win.
// Id allocation, user file rewrites and reads are serialized by a mutex,
// which makes the store safe for one process only. It is meant for development and tests.
type FSUserStore struct {
	StoragePath string

	mu       sync.Mutex
	nextUser int64
	nextCred int64
}

var _ taskauth.UserStore = (*FSUserStore)(nil)

type indexEntry struct {
	UserID int64 `json:"user_id"`
}

// NewFSUserStore opens (creating if needed) a store rooted at storagePath.
func NewFSUserStore(storagePath string) (*FSUserStore, error) {
	s := &FSUserStore{StoragePath: storagePath}
	for _, dir := range []string{"users", "usernames", "emails", "credentials"} {
		if err := os.MkdirAll(filepath.Join(storagePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", dir, err)
		}
	}
	if err := s.loadCounters(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadCounters resumes id allocation after the highest ids on disk.
func (s *FSUserStore) loadCounters() error {
	entries, err := os.ReadDir(filepath.Join(s.StoragePath, "users"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		s.nextUser = max(s.nextUser, id)
		user, err := s.readUser(id)
		if err != nil {
			return err
		}
		for _, c := range user.Credentials {
			s.nextCred = max(s.nextCred, c.ID)
		}
	}
	return nil
}

func (s *FSUserStore) userPath(id int64) string {
	return filepath.Join(s.StoragePath, "users", strconv.FormatInt(id, 10)+".json")
}

func (s *FSUserStore) usernamePath(username string) string {
	return filepath.Join(s.StoragePath, "usernames", fileKey(username))
}

func (s *FSUserStore) emailPath(email string) string {
	return filepath.Join(s.StoragePath, "emails", fileKey(email))
}

func (s *FSUserStore) credentialPath(provider, subject string) string {
	return filepath.Join(s.StoragePath, "credentials", fileKey(taskauth.NormalizeProvider(provider)+":"+subject))
}

func (s *FSUserStore) readUser(id int64) (*taskauth.User, error) {
	data, err := os.ReadFile(s.userPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("user %d: %w", id, taskauth.ErrNotFound)
		}
		return nil, err
	}
	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse user %d: %w", id, err)
	}
	return stored.toUser(), nil
}

func (s *FSUserStore) writeUser(user *taskauth.User) error {
	data, err := json.MarshalIndent(fromUser(user), "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.userPath(user.ID), data)
}

func (s *FSUserStore) readIndex(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, taskauth.ErrNotFound
		}
		return 0, err
	}
	var entry indexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return 0, err
	}
	return entry.UserID, nil
}

// reserve creates the index files in order. On a collision every file
// created so far is removed and ErrConflict returned.
func (s *FSUserStore) reserve(userID int64, paths ...string) error {
	data, _ := json.Marshal(indexEntry{UserID: userID})
	for i, path := range paths {
		err := fsutil.CreateExclusive(path, data)
		if err == nil {
			continue
		}
		for _, done := range paths[:i] {
			os.Remove(done)
		}
		if errors.Is(err, fsutil.ErrExists) {
			return fmt.Errorf("%s: %w", filepath.Base(filepath.Dir(path)), taskauth.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *FSUserStore) CreateUser(ctx context.Context, user *taskauth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextUser + 1
	paths := []string{s.usernamePath(user.Username), s.emailPath(user.Email)}
	for _, c := range user.Credentials {
		paths = append(paths, s.credentialPath(c.Provider, c.ProviderSubjectID))
	}
	if err := s.reserve(id, paths...); err != nil {
		return err
	}

	now := time.Now().UTC()
	created := *user
	created.ID = id
	created.CreatedAt = now
	created.UpdatedAt = now
	created.Credentials = make([]*taskauth.OAuthCredential, 0, len(user.Credentials))
	nextCred := s.nextCred
	for _, c := range user.Credentials {
		nextCred++
		cred := *c
		cred.ID = nextCred
		cred.UserID = id
		cred.Provider = taskauth.NormalizeProvider(c.Provider)
		cred.CreatedAt = now
		created.Credentials = append(created.Credentials, &cred)
	}

	if err := s.writeUser(&created); err != nil {
		for _, path := range paths {
			os.Remove(path)
		}
		return err
	}
	s.nextUser = id
	s.nextCred = nextCred
	*user = created
	return nil
}

func (s *FSUserStore) GetUserByID(ctx context.Context, id int64) (*taskauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUser(id)
}

func (s *FSUserStore) GetUserByUsername(ctx context.Context, username string) (*taskauth.User, error) {
	return s.lookup(s.usernamePath(username))
}

func (s *FSUserStore) GetUserByEmail(ctx context.Context, email string) (*taskauth.User, error) {
	return s.lookup(s.emailPath(email))
}

// lookup holds the lock so that an index file is never observed before the
// user file it points to has been written.
func (s *FSUserStore) lookup(indexPath string) (*taskauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.readIndex(indexPath)
	if err != nil {
		return nil, err
	}
	return s.readUser(id)
}

func (s *FSUserStore) LinkCredential(ctx context.Context, cred *taskauth.OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.readUser(cred.UserID)
	if err != nil {
		return err
	}

	path := s.credentialPath(cred.Provider, cred.ProviderSubjectID)
	if err := s.reserve(user.ID, path); err != nil {
		return err
	}

	linked := *cred
	linked.ID = s.nextCred + 1
	linked.Provider = taskauth.NormalizeProvider(cred.Provider)
	linked.CreatedAt = time.Now().UTC()
	user.Credentials = append(user.Credentials, &linked)
	user.UpdatedAt = linked.CreatedAt

	if err := s.writeUser(user); err != nil {
		os.Remove(path)
		return err
	}
	s.nextCred = linked.ID
	*cred = linked
	return nil
}

// storedUser is the on-disk shape of a user; unlike taskauth.User it keeps
// the password hash.
type storedUser struct {
	ID           int64                       `json:"id"`
	Username     string                      `json:"username"`
	Email        string                      `json:"email"`
	PasswordHash string                      `json:"password_hash,omitempty"`
	Credentials  []*taskauth.OAuthCredential `json:"credentials"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
}

func fromUser(u *taskauth.User) *storedUser {
	return &storedUser{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Credentials:  u.Credentials,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (s *storedUser) toUser() *taskauth.User {
	return &taskauth.User{
		ID:           s.ID,
		Username:     s.Username,
		Email:        s.Email,
		PasswordHash: s.PasswordHash,
		Credentials:  s.Credentials,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
