//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	"github.com/panyam/taskauth"
)

// Kind constants for Datastore entities
const (
	KindUser            = "User"
	KindCredential      = "OAuthCredential"
	KindUsername        = "Username"
	KindUserEmail       = "UserEmail"
	KindCredentialIndex = "CredentialIndex"
)

// UserStore implements taskauth.UserStore using Google Cloud Datastore
type UserStore struct {
	client    *datastore.Client
	namespace string
}

var _ taskauth.UserStore = (*UserStore)(nil)

// NewUserStore creates a new Datastore-backed UserStore
func NewUserStore(client *datastore.Client, namespace string) *UserStore {
	return &UserStore{client: client, namespace: namespace}
}

func (s *UserStore) nameKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *UserStore) userKey(id int64) *datastore.Key {
	key := datastore.IDKey(KindUser, id, nil)
	key.Namespace = s.namespace
	return key
}

func (s *UserStore) incompleteKey(kind string, parent *datastore.Key) *datastore.Key {
	key := datastore.IncompleteKey(kind, parent)
	key.Namespace = s.namespace
	return key
}

func (s *UserStore) credentialMarkerKey(provider, subject string) *datastore.Key {
	return s.nameKey(KindCredentialIndex, taskauth.NormalizeProvider(provider)+":"+subject)
}

// claim fails with ErrConflict when any marker already exists, and otherwise
// writes them all within tx.
func claim(tx *datastore.Transaction, userID int64, now time.Time, keys ...*datastore.Key) error {
	existing := make([]MarkerEntity, len(keys))
	err := tx.GetMulti(keys, existing)
	var multi datastore.MultiError
	switch {
	case err == nil:
		return fmt.Errorf("%s %q: %w", keys[0].Kind, keys[0].Name, taskauth.ErrConflict)
	case errors.As(err, &multi):
		for i, e := range multi {
			if e == nil {
				return fmt.Errorf("%s %q: %w", keys[i].Kind, keys[i].Name, taskauth.ErrConflict)
			}
			if !errors.Is(e, datastore.ErrNoSuchEntity) {
				return e
			}
		}
	default:
		return err
	}

	markers := make([]*MarkerEntity, len(keys))
	for i := range keys {
		markers[i] = &MarkerEntity{UserID: userID, CreatedAt: now}
	}
	_, err = tx.PutMulti(keys, markers)
	return err
}

func (s *UserStore) CreateUser(ctx context.Context, user *taskauth.User) error {
	userKeys, err := s.client.AllocateIDs(ctx, []*datastore.Key{s.incompleteKey(KindUser, nil)})
	if err != nil {
		return fmt.Errorf("failed to allocate user id: %w", err)
	}
	userKey := userKeys[0]

	credKeys := make([]*datastore.Key, len(user.Credentials))
	for i := range credKeys {
		credKeys[i] = s.incompleteKey(KindCredential, userKey)
	}
	if len(credKeys) > 0 {
		if credKeys, err = s.client.AllocateIDs(ctx, credKeys); err != nil {
			return fmt.Errorf("failed to allocate credential ids: %w", err)
		}
	}

	now := time.Now().UTC()
	entity := &UserEntity{
		Key:          userKey,
		Username:     user.Username,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	credEntities := make([]*CredentialEntity, len(user.Credentials))
	markers := []*datastore.Key{s.nameKey(KindUsername, user.Username), s.nameKey(KindUserEmail, user.Email)}
	for i, c := range user.Credentials {
		credEntities[i] = &CredentialEntity{
			Key:               credKeys[i],
			Provider:          taskauth.NormalizeProvider(c.Provider),
			ProviderSubjectID: c.ProviderSubjectID,
			Email:             c.Email,
			DisplayName:       c.DisplayName,
			CreatedAt:         now,
		}
		markers = append(markers, s.credentialMarkerKey(c.Provider, c.ProviderSubjectID))
	}

	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := claim(tx, userKey.ID, now, markers...); err != nil {
			return err
		}
		if _, err := tx.Put(userKey, entity); err != nil {
			return err
		}
		if len(credEntities) > 0 {
			if _, err := tx.PutMulti(credKeys, credEntities); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	creds := make([]*taskauth.OAuthCredential, len(credEntities))
	for i, e := range credEntities {
		creds[i] = e.ToCredential()
	}
	*user = *entity.ToUser(creds)
	return nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id int64) (*taskauth.User, error) {
	var entity UserEntity
	if err := s.client.Get(ctx, s.userKey(id), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, fmt.Errorf("user %d: %w", id, taskauth.ErrNotFound)
		}
		return nil, err
	}
	creds, err := s.credentials(ctx, entity.Key)
	if err != nil {
		return nil, err
	}
	return entity.ToUser(creds), nil
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*taskauth.User, error) {
	return s.lookup(ctx, s.nameKey(KindUsername, username))
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*taskauth.User, error) {
	return s.lookup(ctx, s.nameKey(KindUserEmail, email))
}

func (s *UserStore) lookup(ctx context.Context, markerKey *datastore.Key) (*taskauth.User, error) {
	var marker MarkerEntity
	if err := s.client.Get(ctx, markerKey, &marker); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, fmt.Errorf("%s %q: %w", markerKey.Kind, markerKey.Name, taskauth.ErrNotFound)
		}
		return nil, err
	}
	return s.GetUserByID(ctx, marker.UserID)
}

// credentials loads a user's credentials with an ancestor query, which is
// strongly consistent.
func (s *UserStore) credentials(ctx context.Context, userKey *datastore.Key) ([]*taskauth.OAuthCredential, error) {
	query := datastore.NewQuery(KindCredential).Ancestor(userKey)
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}

	creds := []*taskauth.OAuthCredential{}
	it := s.client.Run(ctx, query)
	for {
		var entity CredentialEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		creds = append(creds, entity.ToCredential())
	}
	return creds, nil
}

func (s *UserStore) LinkCredential(ctx context.Context, cred *taskauth.OAuthCredential) error {
	userKey := s.userKey(cred.UserID)
	keys, err := s.client.AllocateIDs(ctx, []*datastore.Key{s.incompleteKey(KindCredential, userKey)})
	if err != nil {
		return fmt.Errorf("failed to allocate credential id: %w", err)
	}

	now := time.Now().UTC()
	entity := &CredentialEntity{
		Key:               keys[0],
		Provider:          taskauth.NormalizeProvider(cred.Provider),
		ProviderSubjectID: cred.ProviderSubjectID,
		Email:             cred.Email,
		DisplayName:       cred.DisplayName,
		CreatedAt:         now,
	}

	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var user UserEntity
		if err := tx.Get(userKey, &user); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return fmt.Errorf("user %d: %w", cred.UserID, taskauth.ErrNotFound)
			}
			return err
		}
		if err := claim(tx, cred.UserID, now, s.credentialMarkerKey(cred.Provider, cred.ProviderSubjectID)); err != nil {
			return err
		}
		user.UpdatedAt = now
		if _, err := tx.Put(userKey, &user); err != nil {
			return err
		}
		_, err := tx.Put(entity.Key, entity)
		return err
	})
	if err != nil {
		return fmt.Errorf("link credential: %w", err)
	}
	*cred = *entity.ToCredential()
	return nil
}
