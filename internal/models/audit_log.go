package models

import "time"

type AuditAction string

const (
	AuditLoginSuccess             AuditAction = "LOGIN_SUCCESS"
	AuditLoginFailed              AuditAction = "LOGIN_FAILED"
	AuditLoginFailedLocked        AuditAction = "LOGIN_FAILED_LOCKED"
	AuditAccountLocked            AuditAction = "ACCOUNT_LOCKED"
	AuditLogout                   AuditAction = "LOGOUT"
	AuditTOTPSetupStarted         AuditAction = "TOTP_SETUP_STARTED"
	AuditTOTPEnabled              AuditAction = "TOTP_ENABLED"
	AuditTOTPDisabled             AuditAction = "TOTP_DISABLED"
	AuditTOTPVerifyFailed         AuditAction = "TOTP_VERIFY_FAILED"
	AuditTOTPDisableFailed        AuditAction = "TOTP_DISABLE_FAILED"
	AuditRecoveryCodeUsed         AuditAction = "RECOVERY_CODE_USED"
	AuditRecoveryCodesRegenerated AuditAction = "RECOVERY_CODES_REGENERATED"
	AuditPasswordRehashed         AuditAction = "PASSWORD_REHASHED"
	AuditSessionUserMissing       AuditAction = "SESSION_USER_MISSING"
	AuditProfileUpdated           AuditAction = "PROFILE_UPDATED"
)

// AuditLogEntry is the durable row. UserID is nil for events with no known
// actor, such as a login attempt for an unknown email.
type AuditLogEntry struct {
	ID        string         `db:"id" json:"id"`
	Action    AuditAction    `db:"action" json:"action"`
	UserID    *string        `db:"user_id" json:"userId,omitempty"`
	IPAddress string         `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent string         `db:"user_agent" json:"userAgent,omitempty"`
	RequestID string         `db:"request_id" json:"requestId,omitempty"`
	Metadata  map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}

// AuditFilter narrows an admin listing of audit rows. Zero values mean no filter.
type AuditFilter struct {
	UserID string
	Action AuditAction
	Since  *time.Time
	Limit  int
}
