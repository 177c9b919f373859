package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gocql/gocql"

	"auth-core/internal/bucketing"
	"auth-core/internal/models"
	"auth-core/internal/repository"
)

const insertSecurityEvent = `
	INSERT INTO security_events (
		event_bucket, event_date, event_time, event_id, user_id,
		event_type, ip_address, user_agent, request_id, details
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// selectSecurityEventsByUser reads one user's partition for a day. user_id is
// not part of the key, but the partition is already narrowed to the bucket
// the user hashes to, so the filter only scans that partition.
const selectSecurityEventsByUser = `
	SELECT event_time, event_id, user_id, event_type, ip_address, user_agent, request_id, details
	FROM security_events
	WHERE event_bucket = ? AND event_date = ? AND user_id = ?
	LIMIT ? ALLOW FILTERING`

// SecurityEventRepository archives audit events in a time-bucketed wide table.
// It is registered with the audit recorder as a sink.
type SecurityEventRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewSecurityEventRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *SecurityEventRepository {
	return &SecurityEventRepository{client: client, buckets: buckets}
}

func (r *SecurityEventRepository) Name() string { return "scylla" }

func (r *SecurityEventRepository) Write(ctx context.Context, entry models.AuditLogEntry) error {
	event, err := toSecurityEvent(entry, r.buckets)
	if err != nil {
		return err
	}
	eventID, err := gocql.ParseUUID(event.EventID)
	if err != nil {
		return fmt.Errorf("invalid event id %q: %w", event.EventID, err)
	}

	err = r.client.Session.Query(insertSecurityEvent,
		event.EventBucket, event.EventDate, event.EventTime, eventID, event.UserID,
		event.EventType, event.IPAddress, event.UserAgent, event.RequestID, event.Details,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// ListByUser returns the user's archived events for the UTC day of day,
// newest first.
func (r *SecurityEventRepository) ListByUser(ctx context.Context, userID string, day time.Time, limit int) ([]models.SecurityEvent, error) {
	bucket, date, args := listByUserArgs(r.buckets, userID, day, limit)

	iter := r.client.Session.Query(selectSecurityEventsByUser, args...).WithContext(ctx).Iter()
	events := []models.SecurityEvent{}
	for {
		var (
			event   models.SecurityEvent
			eventID gocql.UUID
		)
		if !iter.Scan(&event.EventTime, &eventID, &event.UserID, &event.EventType,
			&event.IPAddress, &event.UserAgent, &event.RequestID, &event.Details) {
			break
		}
		event.EventBucket = bucket
		event.EventDate = date
		event.EventID = eventID.String()
		events = append(events, event)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// listByUserArgs derives the partition a user's events for day live in, and
// the bind values for selectSecurityEventsByUser.
func listByUserArgs(buckets *bucketing.BucketingManager, userID string, day time.Time, limit int) (int, string, []any) {
	bucket := buckets.EventBucket(userID)
	date := buckets.DateBucket(day)
	return bucket, date, []any{bucket, date, userID, repository.ClampLimit(limit)}
}

// toSecurityEvent buckets by actor so one user's history stays in a single
// partition per day. Anonymous events are bucketed by their own id.
func toSecurityEvent(entry models.AuditLogEntry, buckets *bucketing.BucketingManager) (models.SecurityEvent, error) {
	details := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return models.SecurityEvent{}, fmt.Errorf("failed to encode event details: %w", err)
		}
		details = string(raw)
	}

	userID := ""
	bucketKey := entry.ID
	if entry.UserID != nil {
		userID = *entry.UserID
		bucketKey = userID
	}

	return models.SecurityEvent{
		EventBucket: buckets.EventBucket(bucketKey),
		EventDate:   buckets.DateBucket(entry.CreatedAt),
		EventTime:   entry.CreatedAt.UTC(),
		EventID:     entry.ID,
		UserID:      userID,
		EventType:   string(entry.Action),
		IPAddress:   net.ParseIP(entry.IPAddress),
		UserAgent:   entry.UserAgent,
		RequestID:   entry.RequestID,
		Details:     details,
	}, nil
}
