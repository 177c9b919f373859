package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"auth-core/internal/models"
)

// EventPublisher is satisfied by client.KafkaProducer.
type EventPublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// BatchInserter is satisfied by client.ClickHouseClient.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]any) error
}

// auditDocument is the wire shape shared by the stream and the search index.
type auditDocument struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	UserID    *string        `json:"userId"`
	IPAddress string         `json:"ipAddress,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toDocument(entry models.AuditLogEntry) auditDocument {
	return auditDocument{
		ID:        entry.ID,
		Action:    string(entry.Action),
		UserID:    entry.UserID,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		RequestID: entry.RequestID,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	}
}

// StreamSink publishes each event to a Kafka topic, keyed by user so one
// user's events stay ordered within a partition.
type StreamSink struct {
	publisher EventPublisher
	topic     string
}

func NewStreamSink(publisher EventPublisher, topic string) *StreamSink {
	return &StreamSink{publisher: publisher, topic: topic}
}

func (s *StreamSink) Name() string { return "kafka" }

func (s *StreamSink) Write(ctx context.Context, entry models.AuditLogEntry) error {
	value, err := json.Marshal(toDocument(entry))
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := entry.ID
	if entry.UserID != nil {
		key = *entry.UserID
	}
	return s.publisher.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"action":     string(entry.Action),
		"request_id": entry.RequestID,
	})
}

// SearchSink indexes each event as a document for ad-hoc investigation.
type SearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewSearchSink(indexer DocumentIndexer, index string) *SearchSink {
	return &SearchSink{indexer: indexer, index: index}
}

func (s *SearchSink) Name() string { return "elasticsearch" }

func (s *SearchSink) Write(ctx context.Context, entry models.AuditLogEntry) error {
	return s.indexer.IndexDocument(ctx, s.index, entry.ID, toDocument(entry))
}

const insertAuditEvent = "INSERT INTO audit_events (id, action, user_id, ip_address, user_agent, request_id, metadata, created_at)"

// AnalyticsSink appends each event to a ClickHouse table for reporting.
type AnalyticsSink struct {
	inserter BatchInserter
}

func NewAnalyticsSink(inserter BatchInserter) *AnalyticsSink {
	return &AnalyticsSink{inserter: inserter}
}

func (s *AnalyticsSink) Name() string { return "clickhouse" }

func (s *AnalyticsSink) Write(ctx context.Context, entry models.AuditLogEntry) error {
	metadata := "{}"
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = string(raw)
	}
	userID := ""
	if entry.UserID != nil {
		userID = *entry.UserID
	}
	return s.inserter.BatchInsert(ctx, insertAuditEvent, [][]any{{
		entry.ID,
		string(entry.Action),
		userID,
		entry.IPAddress,
		entry.UserAgent,
		entry.RequestID,
		metadata,
		entry.CreatedAt,
	}})
}
