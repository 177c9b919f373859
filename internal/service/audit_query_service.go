package service

import (
	"context"
	"errors"
	"time"

	"auth-core/internal/models"
	"auth-core/internal/repository"
)

// ErrArchiveUnavailable means no audit archive backend is configured.
var ErrArchiveUnavailable = errors.New("audit archive not configured")

// AuditArchive is the long-term event store. The Scylla security event
// repository satisfies it.
type AuditArchive interface {
	ListByUser(ctx context.Context, userID string, day time.Time, limit int) ([]models.SecurityEvent, error)
}

// AuditQueryService lists durable audit rows for administrators.
type AuditQueryService struct {
	store   repository.CredentialStore
	archive AuditArchive
}

func NewAuditQueryService(store repository.CredentialStore, archive AuditArchive) *AuditQueryService {
	return &AuditQueryService{store: store, archive: archive}
}

func (s *AuditQueryService) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	filter.Limit = repository.ClampLimit(filter.Limit)
	rows, err := s.store.ListAuditRows(ctx, filter)
	if err != nil {
		return nil, internalError("list audit rows", err)
	}
	if rows == nil {
		rows = []models.AuditLogEntry{}
	}
	return rows, nil
}

// ListArchived reads one user's archived events for a single UTC day.
func (s *AuditQueryService) ListArchived(ctx context.Context, userID string, day time.Time, limit int) ([]models.SecurityEvent, error) {
	if s.archive == nil {
		return nil, ErrArchiveUnavailable
	}
	events, err := s.archive.ListByUser(ctx, userID, day, repository.ClampLimit(limit))
	if err != nil {
		return nil, internalError("list archived events", err)
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	return events, nil
}
