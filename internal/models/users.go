package models

import "time"

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// TOTPState is derived from the (TOTPEnabled, TOTPSecret) pair.
type TOTPState string

const (
	TOTPStateNone    TOTPState = "NONE"
	TOTPStatePending TOTPState = "PENDING"
	TOTPStateEnabled TOTPState = "ENABLED"
)

type User struct {
	ID                  string     `db:"id" json:"id"`
	Email               string     `db:"email" json:"email"`
	DisplayName         string     `db:"display_name" json:"displayName"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	Role                Role       `db:"role" json:"role"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"-"`
	LockedUntil         *time.Time `db:"locked_until" json:"-"`
	TOTPEnabled         bool       `db:"totp_enabled" json:"totpEnabled"`
	TOTPSecret          *string    `db:"totp_secret" json:"-"` // sealed by internal/encryption
	LastLoginAt         *time.Time `db:"last_login_at" json:"lastLoginAt,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updatedAt"`
}

// IsLocked reports whether a lock is in force at now. An expired lock is
// simply ignored; nothing clears it in the background.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

func (u *User) TOTPState() TOTPState {
	switch {
	case u.TOTPEnabled:
		return TOTPStateEnabled
	case u.TOTPSecret != nil && *u.TOTPSecret != "":
		return TOTPStatePending
	default:
		return TOTPStateNone
	}
}

// ProfilePatch changes the fields a user may edit on their own account. Nil
// means "leave unchanged". Email is expected already normalized.
type ProfilePatch struct {
	DisplayName *string
	Email       *string
}

func (p ProfilePatch) IsEmpty() bool {
	return p.DisplayName == nil && p.Email == nil
}

// UserProjection is the only user shape that leaves the service.
type UserProjection struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

func (u *User) Projection() UserProjection {
	return UserProjection{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, Role: u.Role}
}

// Clone returns a deep copy so stores can hand out users without sharing pointers.
func (u *User) Clone() *User {
	c := *u
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.TOTPSecret != nil {
		s := *u.TOTPSecret
		c.TOTPSecret = &s
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
