// Package repository defines the persistence contract the auth core depends on.
//
// Reads that fail for any reason return ErrNotFound (wrapping the cause);
// callers treat "not found" and "could not look up" identically so that a
// degraded store never turns into an oracle. Writes propagate their error.
package repository

import (
	"context"
	"errors"
	"time"

	"auth-core/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a guarded update found the row in a different state
	// than the caller expected.
	ErrConflict = errors.New("record changed concurrently")
	// ErrDuplicateEmail means another account already uses the email.
	ErrDuplicateEmail = errors.New("email already in use")
)

type CredentialStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	UpdateUserSecurityFields(ctx context.Context, id string, patch models.SecurityPatch) error
	// UpdateProfile applies patch and returns the updated user. Taking an
	// email held by another account is ErrDuplicateEmail.
	UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.User, error)

	// RunInTransaction runs fn atomically. Any error from fn rolls back every
	// write made through tx.
	RunInTransaction(ctx context.Context, fn func(tx CredentialTx) error) error

	ListActiveRecoveryCodes(ctx context.Context, userID string) ([]models.RecoveryCode, error)
	// ConsumeRecoveryCode marks an unused code as used. ErrConflict if it was
	// already used by a concurrent request.
	ConsumeRecoveryCode(ctx context.Context, id string, usedAt time.Time) error

	AppendAuditRow(ctx context.Context, entry *models.AuditLogEntry) error
	ListAuditRows(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error)

	CreateUser(ctx context.Context, user *models.User) error
	HealthCheck(ctx context.Context) error
}

// CredentialTx is the write surface available inside RunInTransaction.
type CredentialTx interface {
	UpdateUserSecurityFields(ctx context.Context, id string, patch models.SecurityPatch) error
	UpsertRecoveryCodes(ctx context.Context, userID string, codes []models.RecoveryCode) error
	DeleteRecoveryCodes(ctx context.Context, userID string) error
}

const DefaultAuditListLimit = 100
const MaxAuditListLimit = 1000

// ClampLimit normalizes an audit listing limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultAuditListLimit
	case limit > MaxAuditListLimit:
		return MaxAuditListLimit
	default:
		return limit
	}
}
