// Package userstore is the credential collaborator behind /register,
// /login and /removeuser: account storage, password verification, the
// admin flag, and the private-message audit trail.
package userstore

import (
	"context"
	"errors"
)

var (
	// ErrExists means the username is already taken.
	ErrExists = errors.New("userstore: username already exists")
	// ErrInvalidCredentials covers both unknown users and bad passwords.
	ErrInvalidCredentials = errors.New("userstore: invalid credentials")
	// ErrNotFound means no account matched.
	ErrNotFound = errors.New("userstore: user not found")
)

// Store persists accounts and private messages. Workers call these
// synchronously and treat any error as "operation failed"; no error may
// take a worker down.
type Store interface {
	CreateAccount(ctx context.Context, username, password string) error
	VerifyCredentials(ctx context.Context, username, password string) error
	IsAdmin(ctx context.Context, username string) (bool, error)
	DeleteAccount(ctx context.Context, username string) error
	SaveMessage(ctx context.Context, sender, recipient, content string) error
	Close()
}
