package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"auth-core/internal/models"
	"auth-core/internal/repository/memory"
)

type captureSink struct {
	mu      sync.Mutex
	name    string
	err     error
	entries []models.AuditLogEntry
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Write(_ context.Context, entry models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *captureSink) Entries() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLogEntry(nil), s.entries...)
}

func drain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestRecordPersistsSanitizedRow(t *testing.T) {
	store := memory.NewCredentialStore()
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewRecorder(store, zap.New(core), time.Second)

	userID := "u1"
	r.Record(context.Background(), models.AuditLoginFailed, &userID,
		RequestContext{IPAddress: "203.0.113.7", UserAgent: "curl/8", RequestID: "req-1"},
		map[string]any{"reason": "invalid_password", "password": "hunter2"})
	drain(t, r)

	rows := store.AuditRows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.AuditLoginFailed, rows[0].Action)
	assert.Equal(t, "req-1", rows[0].RequestID)
	assert.Equal(t, map[string]any{"reason": "invalid_password"}, rows[0].Metadata)

	logged := logs.FilterMessage("Audit: LOGIN_FAILED").All()
	require.Len(t, logged, 1)
	assert.Equal(t, true, logged[0].ContextMap()["audit"])
	assert.NotContains(t, logged[0].ContextMap()["metadata"], "password")
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := memory.NewCredentialStore()
	store.FailAuditWrites = true
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &captureSink{name: "capture"}
	r := NewRecorder(store, zap.New(core), time.Second, sink)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), models.AuditLogout, nil, RequestContext{}, nil)
	})
	drain(t, r)

	assert.Empty(t, store.AuditRows())
	assert.Len(t, sink.Entries(), 1, "other destinations still receive the event")
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist audit log").Len())
}

func TestRecordSinkFailureDoesNotAffectRow(t *testing.T) {
	store := memory.NewCredentialStore()
	failing := &captureSink{name: "broken", err: errors.New("broker down")}
	r := NewRecorder(store, zap.NewNop(), time.Second, failing)

	r.Record(context.Background(), models.AuditTOTPEnabled, nil, RequestContext{}, nil)
	drain(t, r)

	assert.Len(t, store.AuditRows(), 1)
	assert.Len(t, failing.Entries(), 1)
}

func TestRecordSurvivesCancelledRequest(t *testing.T) {
	store := memory.NewCredentialStore()
	r := NewRecorder(store, zap.NewNop(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, models.AuditLogout, nil, RequestContext{}, nil)
	drain(t, r)

	assert.Len(t, store.AuditRows(), 1)
}

func TestRecordAfterCloseIsLoggedOnly(t *testing.T) {
	store := memory.NewCredentialStore()
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewRecorder(store, zap.New(core), time.Second)
	drain(t, r)

	r.Record(context.Background(), models.AuditLogout, nil, RequestContext{}, nil)

	assert.Empty(t, store.AuditRows())
	assert.Equal(t, 1, logs.FilterMessage("Audit: LOGOUT").Len())
}

type fakePublisher struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *fakePublisher) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

type fakeIndexer struct {
	index, id string
	doc       any
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, document any) error {
	f.index, f.id, f.doc = index, id, document
	return nil
}

type fakeInserter struct {
	query string
	rows  [][]any
}

func (f *fakeInserter) BatchInsert(_ context.Context, query string, rows [][]any) error {
	f.query, f.rows = query, rows
	return nil
}

func TestSinks(t *testing.T) {
	userID := "u1"
	entry := models.AuditLogEntry{
		ID:        "a1",
		Action:    models.AuditAccountLocked,
		UserID:    &userID,
		RequestID: "req-9",
		Metadata:  map[string]any{"attempts": 5},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	ctx := context.Background()

	pub := &fakePublisher{}
	stream := NewStreamSink(pub, "auth.audit")
	require.NoError(t, stream.Write(ctx, entry))
	assert.Equal(t, "kafka", stream.Name())
	assert.Equal(t, "auth.audit", pub.topic)
	assert.Equal(t, []byte("u1"), pub.key)
	assert.Equal(t, "ACCOUNT_LOCKED", pub.headers["action"])
	var doc map[string]any
	require.NoError(t, json.Unmarshal(pub.value, &doc))
	assert.Equal(t, "a1", doc["id"])
	assert.Equal(t, "u1", doc["userId"])

	idx := &fakeIndexer{}
	require.NoError(t, NewSearchSink(idx, "audit-logs").Write(ctx, entry))
	assert.Equal(t, "audit-logs", idx.index)
	assert.Equal(t, "a1", idx.id)

	ins := &fakeInserter{}
	require.NoError(t, NewAnalyticsSink(ins).Write(ctx, entry))
	assert.Contains(t, ins.query, "INSERT INTO audit_events")
	require.Len(t, ins.rows, 1)
	assert.Equal(t, []any{"a1", "ACCOUNT_LOCKED", "u1", "", "", "req-9", `{"attempts":5}`, entry.CreatedAt}, ins.rows[0])
}

func TestStreamSinkKeysAnonymousEventsByID(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewStreamSink(pub, "t").Write(context.Background(), models.AuditLogEntry{ID: "a2", Action: models.AuditLoginFailed}))
	assert.Equal(t, []byte("a2"), pub.key)
}
