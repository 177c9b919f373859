package models

import "time"

// SecurityPatch is a partial update of a user's security fields. Nil means
// "leave unchanged"; the Clear flags set the column to NULL.
//
// The Expect fields turn the update into a compare-and-set: the write only
// applies if the stored row still has those values, otherwise the store
// reports a conflict.
type SecurityPatch struct {
	FailedLoginAttempts *int
	LockedUntil         *time.Time
	ClearLockedUntil    bool
	TOTPEnabled         *bool
	TOTPSecret          *string
	ClearTOTPSecret     bool
	LastLoginAt         *time.Time
	PasswordHash        *string

	ExpectFailedLoginAttempts *int
	ExpectTOTPEnabled         *bool
	ExpectTOTPSecret          *string
}

func (p SecurityPatch) IsEmpty() bool {
	return p.FailedLoginAttempts == nil && p.LockedUntil == nil && !p.ClearLockedUntil &&
		p.TOTPEnabled == nil && p.TOTPSecret == nil && !p.ClearTOTPSecret &&
		p.LastLoginAt == nil && p.PasswordHash == nil
}

// Guarded reports whether the patch carries any Expect guard.
func (p SecurityPatch) Guarded() bool {
	return p.ExpectFailedLoginAttempts != nil || p.ExpectTOTPEnabled != nil || p.ExpectTOTPSecret != nil
}

// Matches reports whether u satisfies the patch's Expect guards.
func (p SecurityPatch) Matches(u *User) bool {
	if p.ExpectFailedLoginAttempts != nil && u.FailedLoginAttempts != *p.ExpectFailedLoginAttempts {
		return false
	}
	if p.ExpectTOTPEnabled != nil && u.TOTPEnabled != *p.ExpectTOTPEnabled {
		return false
	}
	if p.ExpectTOTPSecret != nil && (u.TOTPSecret == nil || *u.TOTPSecret != *p.ExpectTOTPSecret) {
		return false
	}
	return true
}

// Apply writes the patch onto u in place and stamps UpdatedAt.
func (p SecurityPatch) Apply(u *User, now time.Time) {
	if p.FailedLoginAttempts != nil {
		u.FailedLoginAttempts = *p.FailedLoginAttempts
	}
	if p.ClearLockedUntil {
		u.LockedUntil = nil
	} else if p.LockedUntil != nil {
		t := *p.LockedUntil
		u.LockedUntil = &t
	}
	if p.TOTPEnabled != nil {
		u.TOTPEnabled = *p.TOTPEnabled
	}
	if p.ClearTOTPSecret {
		u.TOTPSecret = nil
	} else if p.TOTPSecret != nil {
		s := *p.TOTPSecret
		u.TOTPSecret = &s
	}
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		u.LastLoginAt = &t
	}
	if p.PasswordHash != nil {
		u.PasswordHash = *p.PasswordHash
	}
	u.UpdatedAt = now
}

func Ptr[T any](v T) *T {
	return &v
}
