// Package memory is an in-process CredentialStore used by tests and by the
// development server when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"auth-core/internal/models"
	"auth-core/internal/repository"
	"auth-core/internal/util"

	"github.com/google/uuid"
)

type CredentialStore struct {
	mu            sync.Mutex
	users         map[string]*models.User
	emailIndex    map[string]string
	recoveryCodes map[string][]models.RecoveryCode
	auditRows     []models.AuditLogEntry
	now           func() time.Time

	// FailAuditWrites makes AppendAuditRow fail; tests use it to prove audit
	// failures never reach the caller.
	FailAuditWrites bool
}

var _ repository.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		users:         make(map[string]*models.User),
		emailIndex:    make(map[string]string),
		recoveryCodes: make(map[string][]models.RecoveryCode),
		now:           time.Now,
	}
}

func (s *CredentialStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.emailIndex[util.NormalizeEmail(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *CredentialStore) FindUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *CredentialStore) UpdateUserSecurityFields(_ context.Context, id string, patch models.SecurityPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyPatch(s.users, id, patch)
}

func (s *CredentialStore) UpdateProfile(_ context.Context, id string, patch models.ProfilePatch) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("failed to update profile: %w", repository.ErrNotFound)
	}
	next := u.Clone()
	if patch.Email != nil {
		email := util.NormalizeEmail(*patch.Email)
		if owner, taken := s.emailIndex[email]; taken && owner != id {
			return nil, repository.ErrDuplicateEmail
		}
		delete(s.emailIndex, u.Email)
		s.emailIndex[email] = id
		next.Email = email
	}
	if patch.DisplayName != nil {
		next.DisplayName = *patch.DisplayName
	}
	next.UpdatedAt = s.now()
	s.users[id] = next
	return next.Clone(), nil
}

// RunInTransaction stages writes against copies and swaps them in only when
// fn succeeds. The store lock is held for the whole of fn, so transactions
// are serializable.
func (s *CredentialStore) RunInTransaction(ctx context.Context, fn func(tx repository.CredentialTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &stagedTx{store: s, users: make(map[string]*models.User), codes: make(map[string][]models.RecoveryCode)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, u := range tx.users {
		s.users[id] = u
	}
	for userID, codes := range tx.codes {
		if len(codes) == 0 {
			delete(s.recoveryCodes, userID)
			continue
		}
		s.recoveryCodes[userID] = codes
	}
	return nil
}

func (s *CredentialStore) ListActiveRecoveryCodes(_ context.Context, userID string) ([]models.RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RecoveryCode
	for _, c := range s.recoveryCodes[userID] {
		if c.UsedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *CredentialStore) ConsumeRecoveryCode(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, codes := range s.recoveryCodes {
		for i := range codes {
			if codes[i].ID != id {
				continue
			}
			if codes[i].UsedAt != nil {
				return repository.ErrConflict
			}
			t := usedAt
			s.recoveryCodes[userID][i].UsedAt = &t
			return nil
		}
	}
	return repository.ErrConflict
}

func (s *CredentialStore) AppendAuditRow(_ context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAuditWrites {
		return fmt.Errorf("failed to append audit row: store unavailable")
	}
	row := *entry
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	s.auditRows = append(s.auditRows, row)
	return nil
}

func (s *CredentialStore) ListAuditRows(_ context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AuditLogEntry
	for _, row := range s.auditRows {
		if filter.UserID != "" && (row.UserID == nil || *row.UserID != filter.UserID) {
			continue
		}
		if filter.Action != "" && row.Action != filter.Action {
			continue
		}
		if filter.Since != nil && row.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit := repository.ClampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *CredentialStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := util.NormalizeEmail(user.Email)
	if _, exists := s.emailIndex[email]; exists {
		return fmt.Errorf("failed to create user: %w", repository.ErrDuplicateEmail)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	now := s.now()
	user.Email = email
	user.CreatedAt, user.UpdatedAt = now, now

	s.users[user.ID] = user.Clone()
	s.emailIndex[email] = user.ID
	return nil
}

// DeleteUser removes a user and their codes. It exists for tests that need a
// session to outlive its user.
func (s *CredentialStore) DeleteUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[id]; ok {
		delete(s.emailIndex, u.Email)
		delete(s.users, id)
		delete(s.recoveryCodes, id)
	}
}

// AuditRows returns a snapshot of every persisted audit row in insertion order.
func (s *CredentialStore) AuditRows() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLogEntry(nil), s.auditRows...)
}

func (s *CredentialStore) HealthCheck(context.Context) error {
	return nil
}

func (s *CredentialStore) applyPatch(users map[string]*models.User, id string, patch models.SecurityPatch) error {
	u, ok := users[id]
	if !ok {
		if patch.Guarded() {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to update user security fields: %w", repository.ErrNotFound)
	}
	if !patch.Matches(u) {
		return repository.ErrConflict
	}
	if patch.IsEmpty() {
		return nil
	}
	next := u.Clone()
	patch.Apply(next, s.now())
	users[id] = next
	return nil
}

type stagedTx struct {
	store *CredentialStore
	users map[string]*models.User
	codes map[string][]models.RecoveryCode
}

func (t *stagedTx) UpdateUserSecurityFields(_ context.Context, id string, patch models.SecurityPatch) error {
	if _, staged := t.users[id]; !staged {
		u, ok := t.store.users[id]
		if !ok {
			return t.store.applyPatch(t.users, id, patch)
		}
		t.users[id] = u.Clone()
	}
	return t.store.applyPatch(t.users, id, patch)
}

func (t *stagedTx) UpsertRecoveryCodes(_ context.Context, userID string, codes []models.RecoveryCode) error {
	current, staged := t.codes[userID]
	if !staged {
		current = append([]models.RecoveryCode(nil), t.store.recoveryCodes[userID]...)
	}

	now := t.store.now()
	for _, c := range codes {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.UserID = userID
		c.CreatedAt = now
		c.UsedAt = nil

		replaced := false
		for i := range current {
			if current[i].ID == c.ID {
				current[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			current = append(current, c)
		}
	}
	t.codes[userID] = current
	return nil
}

func (t *stagedTx) DeleteRecoveryCodes(_ context.Context, userID string) error {
	t.codes[userID] = []models.RecoveryCode{}
	return nil
}
