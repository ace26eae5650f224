//go:build !wasm
// +build !wasm

// Package gae provides a Google Cloud Datastore implementation of
// taskauth.UserStore. It is designed for deployment on Google Cloud Platform
// and supports multi-tenancy through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - User: user accounts, keyed by numeric id
//   - OAuthCredential: provider credentials, children of their User
//   - Username, UserEmail, CredentialIndex: uniqueness markers keyed by the
//     unique value and pointing at the owning user
//
// Markers are checked and written in the same transaction as the records
// they guard, so concurrent writers claiming the same username, email or
// (provider, subject) pair cannot both commit.
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate data between tenants:
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	userStore := gae.NewUserStore(client, "tenant-123")
package gae
