package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"auth-core/internal/models"
	"auth-core/internal/repository"
	"auth-core/internal/util"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const userColumns = `id::text, email, display_name, password_hash, role, failed_login_attempts,
	locked_until, totp_enabled, totp_secret, last_login_at, created_at, updated_at`

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

type CredentialStore struct {
	db DB
}

var _ repository.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore(db DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	user, err := scanUser(row)
	if err != nil {
		return nil, readFailure("find user by email", err)
	}
	return user, nil
}

func (s *CredentialStore) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed user id", repository.ErrNotFound)
	}
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, readFailure("find user by id", err)
	}
	return user, nil
}

func (s *CredentialStore) UpdateUserSecurityFields(ctx context.Context, id string, patch models.SecurityPatch) error {
	return updateSecurityFields(ctx, s.db, id, patch)
}

// RunInTransaction commits when fn returns nil and rolls back on error or panic.
func (s *CredentialStore) RunInTransaction(ctx context.Context, fn func(tx repository.CredentialTx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				util.Error("Transaction rollback failed", util.ErrorField(rbErr))
			}
			return
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cErr)
		}
	}()

	err = fn(&credentialTx{q: tx})
	return err
}

func (s *CredentialStore) ListActiveRecoveryCodes(ctx context.Context, userID string) ([]models.RecoveryCode, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, user_id::text, code_hash, created_at, used_at
		FROM recovery_codes
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, readFailure("list recovery codes", err)
	}
	defer rows.Close()

	var codes []models.RecoveryCode
	for rows.Next() {
		var c models.RecoveryCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.CreatedAt, &c.UsedAt); err != nil {
			return nil, readFailure("scan recovery code", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, readFailure("iterate recovery codes", err)
	}
	return codes, nil
}

func (s *CredentialStore) ConsumeRecoveryCode(ctx context.Context, id string, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE recovery_codes SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to consume recovery code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

func (s *CredentialStore) AppendAuditRow(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadata := "{}"
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, action, user_id, ip_address, user_agent, request_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, string(entry.Action), entry.UserID, entry.IPAddress, entry.UserAgent, entry.RequestID, metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit row: %w", err)
	}
	return nil
}

func (s *CredentialStore) ListAuditRows(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, repository.ClampLimit(filter.Limit))

	query := `SELECT id::text, action, user_id::text, ip_address, user_agent, request_id, metadata, created_at FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, readFailure("list audit rows", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var (
			e        models.AuditLogEntry
			action   string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &action, &e.UserID, &e.IPAddress, &e.UserAgent, &e.RequestID, &metadata, &e.CreatedAt); err != nil {
			return nil, readFailure("scan audit row", err)
		}
		e.Action = models.AuditAction(action)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				util.Warn("Discarding unreadable audit metadata", util.String("audit_id", e.ID), util.ErrorField(err))
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, readFailure("iterate audit rows", err)
	}
	return entries, nil
}

func (s *CredentialStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.DisplayName, user.PasswordHash, string(user.Role))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create user: %w", repository.ErrDuplicateEmail)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateProfile relies on the unique index on users.email rather than a
// lookup first, so two accounts racing for one address cannot both win.
func (s *CredentialStore) UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: malformed user id", repository.ErrNotFound)
	}

	var (
		sets []string
		args []any
	)
	if patch.DisplayName != nil {
		args = append(args, *patch.DisplayName)
		sets = append(sets, fmt.Sprintf("display_name = $%d", len(args)))
	}
	if patch.Email != nil {
		args = append(args, util.NormalizeEmail(*patch.Email))
		sets = append(sets, fmt.Sprintf("email = $%d", len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	query := "UPDATE users SET " + strings.Join(sets, ", ") +
		fmt.Sprintf(" WHERE id = $%d RETURNING ", len(args)) + userColumns
	user, err := scanUser(s.db.QueryRow(ctx, query, args...))
	switch {
	case err == nil:
		return user, nil
	case isUniqueViolation(err):
		return nil, repository.ErrDuplicateEmail
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to update profile: %w", repository.ErrNotFound)
	default:
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
}

func (s *CredentialStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.Ping(ctx)
}

type credentialTx struct {
	q DBTX
}

func (t *credentialTx) UpdateUserSecurityFields(ctx context.Context, id string, patch models.SecurityPatch) error {
	return updateSecurityFields(ctx, t.q, id, patch)
}

func (t *credentialTx) UpsertRecoveryCodes(ctx context.Context, userID string, codes []models.RecoveryCode) error {
	if len(codes) == 0 {
		return nil
	}

	ids := make([]string, len(codes))
	hashes := make([]string, len(codes))
	for i, c := range codes {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		ids[i] = c.ID
		hashes[i] = c.CodeHash
	}

	_, err := t.q.Exec(ctx, `
		INSERT INTO recovery_codes (id, user_id, code_hash, created_at)
		SELECT unnest($1::uuid[]), $2::uuid, unnest($3::text[]), now()
		ON CONFLICT (id) DO UPDATE SET code_hash = EXCLUDED.code_hash, used_at = NULL`,
		ids, userID, hashes)
	if err != nil {
		return fmt.Errorf("failed to upsert recovery codes: %w", err)
	}
	return nil
}

func (t *credentialTx) DeleteRecoveryCodes(ctx context.Context, userID string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete recovery codes: %w", err)
	}
	return nil
}

// updateSecurityFields builds one UPDATE from the patch. Guards become extra
// WHERE terms, so a guarded update that matches no row is a conflict. A patch
// with guards but nothing to write still checks its guards, under a row lock.
func updateSecurityFields(ctx context.Context, q DBTX, id string, patch models.SecurityPatch) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.FailedLoginAttempts != nil {
		set("failed_login_attempts", *patch.FailedLoginAttempts)
	}
	if patch.ClearLockedUntil {
		sets = append(sets, "locked_until = NULL")
	} else if patch.LockedUntil != nil {
		set("locked_until", *patch.LockedUntil)
	}
	if patch.TOTPEnabled != nil {
		set("totp_enabled", *patch.TOTPEnabled)
	}
	if patch.ClearTOTPSecret {
		sets = append(sets, "totp_secret = NULL")
	} else if patch.TOTPSecret != nil {
		set("totp_secret", *patch.TOTPSecret)
	}
	if patch.LastLoginAt != nil {
		set("last_login_at", *patch.LastLoginAt)
	}
	if patch.PasswordHash != nil {
		set("password_hash", *patch.PasswordHash)
	}

	where, args := securityGuards(id, patch, args)

	if patch.IsEmpty() {
		if !patch.Guarded() {
			return nil
		}
		var one int
		err := q.QueryRow(ctx, "SELECT 1 FROM users WHERE "+where+" FOR UPDATE", args...).Scan(&one)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return repository.ErrConflict
		case err != nil:
			return fmt.Errorf("failed to check user security fields: %w", err)
		}
		return nil
	}

	sets = append(sets, "updated_at = now()")
	query := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE " + where
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user security fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if patch.Guarded() {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to update user security fields: %w", repository.ErrNotFound)
	}
	return nil
}

// securityGuards appends the id and the patch's Expect values to args and
// returns the matching WHERE clause.
func securityGuards(id string, patch models.SecurityPatch, args []any) (string, []any) {
	args = append(args, id)
	where := []string{fmt.Sprintf("id = $%d", len(args))}
	if patch.ExpectFailedLoginAttempts != nil {
		args = append(args, *patch.ExpectFailedLoginAttempts)
		where = append(where, fmt.Sprintf("failed_login_attempts = $%d", len(args)))
	}
	if patch.ExpectTOTPEnabled != nil {
		args = append(args, *patch.ExpectTOTPEnabled)
		where = append(where, fmt.Sprintf("totp_enabled = $%d", len(args)))
	}
	if patch.ExpectTOTPSecret != nil {
		args = append(args, *patch.ExpectTOTPSecret)
		where = append(where, fmt.Sprintf("totp_secret = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		u    models.User
		role string
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &role, &u.FailedLoginAttempts,
		&u.LockedUntil, &u.TOTPEnabled, &u.TOTPSecret, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// readFailure folds every read error into ErrNotFound. Real failures are
// logged so they are not lost.
func readFailure(op string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		util.Error("Credential store read failed", util.String("op", op), util.ErrorField(err))
	}
	return fmt.Errorf("%w: %s: %v", repository.ErrNotFound, op, err)
}
