package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*InboxEntry
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, entries: map[string]*InboxEntry{}}
}

func (m *memStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) Start(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = m.now()
		return nil
	}
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handler,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      m.now(),
		UpdatedAt:      m.now(),
		ExpiresAt:      &expiresAt,
	}
	return nil
}

func (m *memStore) MarkStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *memStore) Cleanup(context.Context, time.Duration) (int64, error) { return 0, nil }

func (m *memStore) RecoverStale(context.Context, time.Duration) (int64, error) { return 0, nil }

func (m *memStore) Stats(context.Context) (*InboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &InboxStats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		switch e.Status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusRecoverable:
			s.Recoverable++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

var errTerminal = errors.New("bad payload")

func newTestInbox() (*Inbox, *memStore, *time.Time) {
	clock := time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := newMemStore(now)
	cfg := DefaultInboxConfig()
	cfg.IsTerminal = func(err error) bool { return errors.Is(err, errTerminal) }
	inbox := NewInbox(store, cfg, nil)
	inbox.now = now
	return inbox, store, &clock
}

func TestProcessRunsOnce(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"action":"scheduled"}`), nil
	}

	first, err := inbox.Process(ctx, "k1", "dispense", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, "k1", "dispense", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"action":"scheduled"}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetryableErrorIsRecoverable(t *testing.T) {
	inbox, store, _ := newTestInbox()
	ctx := context.Background()
	transient := errors.New("connection reset")

	_, err := inbox.Process(ctx, "k", "dispense", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, transient
	})
	assert.ErrorIs(t, err, transient)
	e, _ := store.Get(ctx, "k")
	assert.Equal(t, StatusRecoverable, e.Status)

	res, err := inbox.Process(ctx, "k", "dispense", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	e, _ = store.Get(ctx, "k")
	assert.Equal(t, StatusFinished, e.Status)
}

func TestProcessTerminalErrorIsNotRetried(t *testing.T) {
	inbox, _, _ := newTestInbox()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errTerminal
	}

	_, err := inbox.Process(ctx, "k", "dispense", nil, fn)
	assert.ErrorIs(t, err, errTerminal)
	_, err = inbox.Process(ctx, "k", "dispense", nil, fn)
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
	assert.Equal(t, 1, calls)
}

func TestProcessStartedEntry(t *testing.T) {
	inbox, store, clock := newTestInbox()
	ctx := context.Background()
	require.NoError(t, store.Start(ctx, "k", "dispense", nil, clock.Add(time.Hour)))

	_, err := inbox.Process(ctx, "k", "dispense", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run while another is in progress")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	*clock = clock.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k", "dispense", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)

	stats, err := inbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Finished)
}

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("item-1", "2024-01-10", "08:00", "10")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateKey("item-1", "2024-01-10", "08:00", "10"))
	assert.NotEqual(t, a, GenerateKey("item-1", "2024-01-10", "08:00", "20"))
}

func TestDefaultTerminalClassifier(t *testing.T) {
	assert.True(t, isTerminalError(errors.New("validation failed: dosage")))
	assert.True(t, isTerminalError(errors.New("item Not Found")))
	assert.False(t, isTerminalError(errors.New("connection refused")))
}
