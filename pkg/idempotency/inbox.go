// Package idempotency provides the Inbox pattern for exactly-once message processing.
// Keys are deterministic hashes of the message's identifying fields, so a
// redelivered dispense notification maps to the same inbox row.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxStats counts entries per status.
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

var (
	// ErrDuplicateMessage indicates message was already processed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates message is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
	// ErrEntryNotFound is returned by Store.Get for unknown keys
	ErrEntryNotFound = errors.New("inbox entry not found")
)

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*InboxEntry, error)
	// Start inserts a STARTED entry, or flips a RECOVERABLE one back to
	// STARTED. Any other existing entry yields ErrDuplicateMessage.
	Start(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error
	MarkStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	Cleanup(ctx context.Context, finishedRetention time.Duration) (int64, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*InboxStats, error)
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is the default time-to-live for inbox entries
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried.
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
		IsTerminal:      isTerminalError,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates a new inbox manager
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsTerminal == nil {
		cfg.IsTerminal = isTerminalError
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process executes a handler with idempotency guarantees. A finished key
// returns the stored result without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			// The previous handler most likely crashed.
			if err := i.store.MarkStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable

		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.store.Start(ctx, key, handlerName, payload, i.now().Add(i.config.DefaultTTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.MarkStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.MarkStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler's effects are committed; a later redelivery will rerun it.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

// Run cleans expired entries and recovers stale ones every CleanupInterval
// until ctx is cancelled.
func (i *Inbox) Run(ctx context.Context) {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.housekeeping(ctx)
		}
	}
}

func (i *Inbox) housekeeping(ctx context.Context) {
	deleted, err := i.store.Cleanup(ctx, i.config.DefaultTTL)
	if err != nil {
		i.logger.Error("inbox cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", deleted))
	}

	recovered, err := i.store.RecoverStale(ctx, i.config.RecoveryTimeout)
	if err != nil {
		i.logger.Error("inbox recovery failed", zap.Error(err))
	} else if recovered > 0 {
		i.logger.Warn("recovered stale inbox entries", zap.Int64("recovered", recovered))
	}
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*InboxStats, error) {
	return i.store.Stats(ctx)
}

// GenerateKey hashes the given parts into a deterministic key.
func GenerateKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// isTerminalError is the fallback used when no classifier is configured.
func isTerminalError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
