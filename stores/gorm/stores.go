//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/taskauth"
)

// AutoMigrate runs database migrations for all taskauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserModel{},
		&OAuthCredentialModel{},
	)
}

// UserStore implements taskauth.UserStore using GORM
type UserStore struct {
	db *gorm.DB
}

var _ taskauth.UserStore = (*UserStore)(nil)

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts the user and its credentials in one transaction.
func (s *UserStore) CreateUser(ctx context.Context, user *taskauth.User) error {
	model := UserToModel(user)
	model.ID = 0
	creds := model.Credentials
	model.Credentials = nil

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(model).Error; err != nil {
			return err
		}
		if len(creds) == 0 {
			return nil
		}
		for i := range creds {
			creds[i].ID = 0
			creds[i].UserID = model.ID
		}
		return tx.Create(&creds).Error
	})
	if err != nil {
		return translate(err, "create user")
	}

	model.Credentials = creds
	*user = *model.ToUser()
	return nil
}

func (s *UserStore) GetUserByID(ctx context.Context, id int64) (*taskauth.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*taskauth.User, error) {
	return s.findUser(ctx, "username = ?", username)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*taskauth.User, error) {
	return s.findUser(ctx, "email = ?", email)
}

func (s *UserStore) findUser(ctx context.Context, query string, arg any) (*taskauth.User, error) {
	var model UserModel
	err := s.db.WithContext(ctx).
		Preload("Credentials", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&model, query, arg).Error
	if err != nil {
		return nil, translate(err, "get user")
	}
	return model.ToUser(), nil
}

// LinkCredential inserts cred for an existing user. The unique index on
// (provider, provider_subject_id) rejects a credential already bound anywhere.
func (s *UserStore) LinkCredential(ctx context.Context, cred *taskauth.OAuthCredential) error {
	model := CredentialToModel(cred)
	model.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&UserModel{}).Where("id = ?", cred.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Create(model).Error
	})
	if err != nil {
		return translate(err, "link credential")
	}
	*cred = *model.ToCredential()
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error, op string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, taskauth.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", op, taskauth.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isUniqueViolation recognises unique violations from drivers whose dialector
// does not translate errors.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "Duplicate entry")
}
