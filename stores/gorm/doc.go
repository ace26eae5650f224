//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based implementation of taskauth.UserStore.
// It supports any database that GORM supports (PostgreSQL, MySQL, SQLite, etc.)
// and is the store used for production deployments.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: accounts, with unique indexes on username and email
//   - oauth_credentials: provider identities, with a unique index on
//     (provider, provider_subject_id)
//
// Open the database with gorm.Config{TranslateError: true} so that unique
// violations surface as gorm.ErrDuplicatedKey; driver messages are also
// recognised as a fallback.
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
//	if err := gormstore.AutoMigrate(db); err != nil { ... }
//	userStore := gormstore.NewUserStore(db)
package gorm
