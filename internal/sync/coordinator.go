// Package sync drains the offline outbox against the authoritative store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"splitledger/internal/log"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
)

// ErrSyncInProgress is returned when a drain is requested while another is
// still running. Callers wait for the running drain instead of stacking.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config holds coordinator configuration.
type Config struct {
	// PollInterval is how often the background loop checks for due entries.
	PollInterval time.Duration

	// BatchSize is the max number of entries fetched per drain pass.
	BatchSize int

	// MaxRetries is the retry budget per entry before it is parked.
	MaxRetries int

	// BackoffBase is the delay after the first failure; it doubles per retry.
	BackoffBase time.Duration

	// BackoffCap bounds the computed backoff delay.
	BackoffCap time.Duration

	// SubmitTimeout bounds a single submission attempt.
	SubmitTimeout time.Duration

	// StaleAfter is the age at which a syncing entry is considered orphaned.
	StaleAfter time.Duration

	// CleanupInterval is how often synced entries are pruned.
	CleanupInterval time.Duration

	// CleanupAge is how old synced entries must be before pruning.
	CleanupAge time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      3,
		BackoffBase:     1 * time.Second,
		BackoffCap:      30 * time.Second,
		SubmitTimeout:   10 * time.Second,
		StaleAfter:      5 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// Report summarizes one drain pass.
type Report struct {
	Total     int // entries picked up
	Processed int // durably applied (created or duplicate)
	Parked    int // moved to conflict or permanently failed
	Errors    int // retryable failures
}

// Coordinator drains the outbox: it submits due entries in creation order,
// applies exponential backoff on retryable failures, and parks entries
// that are rejected or out of retry budget.
type Coordinator struct {
	store     *outbox.Store
	submitter remote.Submitter
	config    Config
	logger    *log.Logger
	notifier  *Notifier

	// one drain at a time, across manual triggers and the poll loop
	drainMu  sync.Mutex
	draining bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewCoordinator(store *outbox.Store, submitter remote.Submitter, config Config, logger *log.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		submitter: submitter,
		config:    config,
		logger:    logger.WithComponent(log.ComponentSync),
		notifier:  NewNotifier(),
	}
}

// Notifier exposes the coordinator's event stream.
func (c *Coordinator) Notifier() *Notifier {
	return c.notifier
}

// Start begins the background drain loop. Returns an error if already
// running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("sync coordinator is already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	// Requeue entries orphaned in syncing by a previous crash.
	if _, err := c.store.ResetStaleSyncing(ctx, 0); err != nil {
		c.logger.WarnContext(ctx, "Failed to reset stale syncing entries", log.FieldError, err)
	}

	go c.runLoop(ctx)

	c.logger.InfoContext(ctx, "Sync coordinator started",
		"poll_interval", c.config.PollInterval,
		"batch_size", c.config.BatchSize)
	return nil
}

// Stop gracefully stops the loop and waits for completion.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	close(c.stopCh)

	select {
	case <-c.doneCh:
		c.logger.InfoContext(ctx, "Sync coordinator stopped gracefully")
	case <-ctx.Done():
		c.logger.WarnContext(ctx, "Sync coordinator stop timed out")
		return ctx.Err()
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// IsRunning reports whether the background loop is active.
func (c *Coordinator) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer close(c.doneCh)

	pollTicker := time.NewTicker(c.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(c.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Drain immediately on startup.
	c.drain(ctx)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			c.drain(ctx)
		case <-cleanupTicker.C:
			if _, err := c.store.PruneSynced(ctx, c.config.CleanupAge); err != nil {
				c.logger.ErrorContext(ctx, "Failed to prune synced entries", log.FieldError, err)
			}
			if _, err := c.store.ResetStaleSyncing(ctx, c.config.StaleAfter); err != nil {
				c.logger.ErrorContext(ctx, "Failed to reset stale syncing entries", log.FieldError, err)
			}
		}
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	report, err := c.SyncAll(ctx)
	if err != nil {
		if !errors.Is(err, ErrSyncInProgress) {
			c.logger.ErrorContext(ctx, "Drain pass failed", log.FieldError, err)
		}
		return
	}
	if report.Total > 0 {
		c.logger.InfoContext(ctx, "Drain pass complete",
			"total", report.Total,
			"processed", report.Processed,
			"parked", report.Parked,
			"errors", report.Errors)
	}
}

// SyncAll drains every due entry once, oldest first. Only one drain runs
// at a time; a second concurrent call returns ErrSyncInProgress.
func (c *Coordinator) SyncAll(ctx context.Context) (*Report, error) {
	c.drainMu.Lock()
	if c.draining {
		c.drainMu.Unlock()
		return nil, ErrSyncInProgress
	}
	c.draining = true
	c.drainMu.Unlock()

	defer func() {
		c.drainMu.Lock()
		c.draining = false
		c.drainMu.Unlock()
	}()

	report := &Report{}
	for {
		entries, err := c.store.ListDue(ctx, time.Now(), c.config.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list due entries: %w", err)
		}
		if len(entries) == 0 {
			return report, nil
		}

		progressed := false
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			default:
			}
			report.Total++
			switch c.processEntry(ctx, entry) {
			case entrySynced:
				report.Processed++
				progressed = true
			case entryParked:
				report.Parked++
				progressed = true
			case entryRetrying:
				report.Errors++
			}
		}

		// Every remaining entry is waiting out a backoff; let the next
		// poll pick them up instead of spinning.
		if !progressed {
			return report, nil
		}
	}
}

type entryResult int

const (
	entrySynced entryResult = iota
	entryParked
	entryRetrying
)

// processEntry attempts one submission. Failure of one entry never blocks
// the others; it only delays that entry's own next attempt.
func (c *Coordinator) processEntry(ctx context.Context, entry outbox.Entry) entryResult {
	if err := c.store.MarkSyncing(ctx, entry.ClientID); err != nil {
		c.logger.ErrorContext(ctx, "Failed to claim entry",
			log.FieldClientID, entry.ClientID, log.FieldError, err)
		return entryRetrying
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	defer cancel()

	syncAttempts.Inc()
	result, err := c.submitter.Submit(submitCtx, entry.ClientID, entry.Mutation)
	if err == nil {
		if err := c.store.MarkSynced(ctx, entry.ClientID, result.CanonicalID); err != nil {
			c.logger.ErrorContext(ctx, "Failed to mark entry synced",
				log.FieldClientID, entry.ClientID, log.FieldError, err)
			return entryRetrying
		}
		syncSynced.Inc()
		c.notifier.publish(Event{Type: EventSynced, ClientID: entry.ClientID, CanonicalID: result.CanonicalID})
		c.logger.InfoContext(ctx, "Entry synced",
			log.FieldClientID, entry.ClientID,
			log.FieldCanonicalID, result.CanonicalID,
			log.FieldStatus, string(result.Outcome))
		return entrySynced
	}

	var submitErr *remote.SubmitError
	if errors.As(err, &submitErr) && submitErr.Conflict {
		// Semantic rejection. Retrying cannot change the answer.
		syncConflicts.Inc()
		if markErr := c.store.MarkConflict(ctx, entry.ClientID, submitErr.Reason); markErr != nil {
			c.logger.ErrorContext(ctx, "Failed to park conflicting entry",
				log.FieldClientID, entry.ClientID, log.FieldError, markErr)
			return entryRetrying
		}
		c.notifier.publish(Event{Type: EventConflict, ClientID: entry.ClientID, Reason: submitErr.Reason})
		c.logger.WarnContext(ctx, "Entry parked on conflict",
			log.FieldClientID, entry.ClientID,
			"reason", submitErr.Reason)
		return entryParked
	}

	// Everything else is retryable, including non-conflict rejections
	// like a rate limit.
	return c.handleRetryableFailure(ctx, entry, err)
}

func (c *Coordinator) handleRetryableFailure(ctx context.Context, entry outbox.Entry, submitErr error) entryResult {
	retryCount := entry.RetryCount + 1
	syncFailures.Inc()

	c.logger.WarnContext(ctx, "Submission failed",
		log.FieldClientID, entry.ClientID,
		log.FieldRetryCount, retryCount,
		log.FieldError, submitErr)

	if retryCount >= c.config.MaxRetries {
		if err := c.store.MarkPermanentlyFailed(ctx, entry.ClientID, submitErr.Error()); err != nil {
			c.logger.ErrorContext(ctx, "Failed to park exhausted entry",
				log.FieldClientID, entry.ClientID, log.FieldError, err)
			return entryRetrying
		}
		c.notifier.publish(Event{Type: EventPermanentlyFailed, ClientID: entry.ClientID, Reason: submitErr.Error()})
		c.logger.ErrorContext(ctx, "Entry permanently failed after max retries",
			log.FieldClientID, entry.ClientID,
			log.FieldRetryCount, retryCount)
		return entryParked
	}

	nextAttempt := time.Now().Add(backoff(c.config.BackoffBase, c.config.BackoffCap, entry.RetryCount))
	if err := c.store.MarkFailed(ctx, entry.ClientID, submitErr.Error(), retryCount, nextAttempt); err != nil {
		c.logger.ErrorContext(ctx, "Failed to schedule retry",
			log.FieldClientID, entry.ClientID, log.FieldError, err)
	}
	c.notifier.publish(Event{Type: EventRetrying, ClientID: entry.ClientID, Reason: submitErr.Error()})
	return entryRetrying
}

// backoff computes base doubled per completed retry, bounded by cap.
func backoff(base, cap time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Stats exposes the underlying queue statistics.
func (c *Coordinator) Stats(ctx context.Context) (outbox.Stats, error) {
	return c.store.Stats(ctx)
}

// RetryFailed requeues all parked entries.
func (c *Coordinator) RetryFailed(ctx context.Context) (int, error) {
	return c.store.RetryFailed(ctx)
}
