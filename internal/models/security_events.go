package models

import (
	"net"
	"time"
)

// SecurityEvent is the wide-column projection of an AuditLogEntry, partitioned
// by (event_bucket, event_date) to spread hot days across nodes.
type SecurityEvent struct {
	EventBucket int       `db:"event_bucket" json:"-"`
	EventDate   string    `db:"event_date" json:"eventDate"`
	EventTime   time.Time `db:"event_time" json:"eventTime"`
	EventID     string    `db:"event_id" json:"id"`
	UserID      string    `db:"user_id" json:"userId,omitempty"`
	EventType   string    `db:"event_type" json:"action"`
	IPAddress   net.IP    `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent   string    `db:"user_agent" json:"userAgent,omitempty"`
	RequestID   string    `db:"request_id" json:"requestId,omitempty"`
	Details     string    `db:"details" json:"details,omitempty"`
}
