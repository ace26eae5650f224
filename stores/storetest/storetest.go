// Package storetest holds the behavioural tests every taskauth.UserStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/panyam/taskauth"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) taskauth.UserStore

// RunUserStoreTests runs the conformance suite against stores built by newStore.
func RunUserStoreTests(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("DuplicateUsername", func(t *testing.T) { testDuplicateUsername(t, newStore(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newStore(t)) })
	t.Run("CreateIsAtomic", func(t *testing.T) { testCreateIsAtomic(t, newStore(t)) })
	t.Run("LinkCredential", func(t *testing.T) { testLinkCredential(t, newStore(t)) })
	t.Run("LinkCredentialUnknownUser", func(t *testing.T) { testLinkUnknownUser(t, newStore(t)) })
	t.Run("ConcurrentCreateSameEmail", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	user := &taskauth.User{
		Username:     "alice",
		Email:        "alice@x.com",
		PasswordHash: "hash",
	}
	require.NoError(t, store.CreateUser(ctx, user))
	require.NotZero(t, user.ID)

	oauthUser := &taskauth.User{
		Username: "bob@x.com",
		Email:    "bob@x.com",
		Credentials: []*taskauth.OAuthCredential{{
			Provider:          "Google",
			ProviderSubjectID: "g1",
			Email:             "bob@x.com",
			DisplayName:       "Bob",
		}},
	}
	require.NoError(t, store.CreateUser(ctx, oauthUser))
	require.NotEqual(t, user.ID, oauthUser.ID)
	require.Len(t, oauthUser.Credentials, 1)
	require.NotZero(t, oauthUser.Credentials[0].ID)

	got, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
	require.Equal(t, "alice@x.com", got.Email)
	require.Equal(t, "hash", got.PasswordHash)
	require.Empty(t, got.Credentials)

	got, err = store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	got, err = store.GetUserByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	require.Equal(t, oauthUser.ID, got.ID)
	require.False(t, got.HasPassword())
	require.Len(t, got.Credentials, 1)
	cred := got.Credentials[0]
	require.Equal(t, "google", cred.Provider)
	require.Equal(t, "g1", cred.ProviderSubjectID)
	require.Equal(t, "Bob", cred.DisplayName)
	require.Equal(t, oauthUser.ID, cred.UserID)
}

func testNotFound(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	_, err := store.GetUserByID(ctx, 4242)
	require.ErrorIs(t, err, taskauth.ErrNotFound)
	_, err = store.GetUserByUsername(ctx, "nobody")
	require.ErrorIs(t, err, taskauth.ErrNotFound)
	_, err = store.GetUserByEmail(ctx, "nobody@x.com")
	require.ErrorIs(t, err, taskauth.ErrNotFound)
}

func testDuplicateUsername(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &taskauth.User{Username: "alice", Email: "a1@x.com"}))

	err := store.CreateUser(ctx, &taskauth.User{Username: "alice", Email: "a2@x.com"})
	require.ErrorIs(t, err, taskauth.ErrConflict)

	_, err = store.GetUserByEmail(ctx, "a2@x.com")
	require.ErrorIs(t, err, taskauth.ErrNotFound, "conflicting create must not leave a row")
}

func testDuplicateEmail(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &taskauth.User{Username: "a1", Email: "alice@x.com"}))

	err := store.CreateUser(ctx, &taskauth.User{Username: "a2", Email: "alice@x.com"})
	require.ErrorIs(t, err, taskauth.ErrConflict)

	_, err = store.GetUserByUsername(ctx, "a2")
	require.ErrorIs(t, err, taskauth.ErrNotFound, "conflicting create must not leave a row")
}

func testCreateIsAtomic(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &taskauth.User{
		Username:    "first@x.com",
		Email:       "first@x.com",
		Credentials: []*taskauth.OAuthCredential{{Provider: "github", ProviderSubjectID: "42"}},
	}))

	// same github identity, different email
	err := store.CreateUser(ctx, &taskauth.User{
		Username:    "second@x.com",
		Email:       "second@x.com",
		Credentials: []*taskauth.OAuthCredential{{Provider: "GitHub", ProviderSubjectID: "42"}},
	})
	require.ErrorIs(t, err, taskauth.ErrConflict)

	_, err = store.GetUserByEmail(ctx, "second@x.com")
	require.ErrorIs(t, err, taskauth.ErrNotFound, "user must not exist without its credential")
}

func testLinkCredential(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	user := &taskauth.User{Username: "alice", Email: "alice@x.com", PasswordHash: "h"}
	require.NoError(t, store.CreateUser(ctx, user))

	cred := &taskauth.OAuthCredential{
		UserID:            user.ID,
		Provider:          "google",
		ProviderSubjectID: "g1",
		Email:             "alice@x.com",
		DisplayName:       "Alice",
	}
	require.NoError(t, store.LinkCredential(ctx, cred))
	require.NotZero(t, cred.ID)

	got, err := store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, got.Credentials, 1)
	require.NotNil(t, got.FindCredential("GOOGLE", "g1"))
	require.Nil(t, got.FindCredential("google", "G1"), "subject ids are case sensitive")

	// a second provider for the same user
	require.NoError(t, store.LinkCredential(ctx, &taskauth.OAuthCredential{
		UserID: user.ID, Provider: "github", ProviderSubjectID: "g1",
	}))

	// same (provider, subject) differing only in provider case
	err = store.LinkCredential(ctx, &taskauth.OAuthCredential{
		UserID: user.ID, Provider: "Google", ProviderSubjectID: "g1",
	})
	require.ErrorIs(t, err, taskauth.ErrConflict)

	// same identity bound to another user
	other := &taskauth.User{Username: "eve", Email: "eve@x.com"}
	require.NoError(t, store.CreateUser(ctx, other))
	err = store.LinkCredential(ctx, &taskauth.OAuthCredential{
		UserID: other.ID, Provider: "google", ProviderSubjectID: "g1",
	})
	require.ErrorIs(t, err, taskauth.ErrConflict)

	got, err = store.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, got.Credentials, 2)
	got, err = store.GetUserByID(ctx, other.ID)
	require.NoError(t, err)
	require.Empty(t, got.Credentials)
}

func testLinkUnknownUser(t *testing.T, store taskauth.UserStore) {
	err := store.LinkCredential(context.Background(), &taskauth.OAuthCredential{
		UserID: 999, Provider: "google", ProviderSubjectID: "g9",
	})
	require.ErrorIs(t, err, taskauth.ErrNotFound)
}

func testConcurrentCreate(t *testing.T, store taskauth.UserStore) {
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateUser(ctx, &taskauth.User{
				Username: fmt.Sprintf("racer-%d", i),
				Email:    "race@x.com",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, taskauth.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, created)

	_, err := store.GetUserByEmail(ctx, "race@x.com")
	require.NoError(t, err)
}
