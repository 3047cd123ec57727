// Package idempotency records which logical ledger writes have completed.
//
// The cache is the at-most-once guard for ledger submission: every write is
// keyed by a deterministic operation id (ballot.OperationID), recorded as
// pending before submission and finalized once. Records persist in the
// durable local store beyond the process lifetime.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/store"
)

// CollectionKey is the namespaced key holding every record.
var CollectionKey = store.Namespace("ballotsync", "idempotency", "v1")

// Cache is the durable idempotency ledger cache.
//
// Thread-safety: mutations are serialized by an internal mutex. The cache
// assumes one active operator session per durable store.
type Cache struct {
	mu      sync.Mutex
	backend store.Backend
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock used for record timestamps and purges.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for verification warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a cache over the given durable backend.
func New(backend store.Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record upserts rec by its deterministic id.
//
// A success record is never downgraded: recording pending or failed for an
// id that already succeeded is a no-op. The collection is read back after
// writing; a mismatch is retried once and then reported as a
// PersistenceVerification error.
func (c *Cache) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record operation: empty id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return fmt.Errorf("record operation %s: %w", rec.ID, err)
	}

	if existing, ok := records[rec.ID]; ok && existing.Status == StatusSuccess {
		if rec.Status != StatusSuccess {
			c.logger.Debug("ignoring downgrade of completed operation",
				"id", rec.ID, "type", existing.Type, "status", rec.Status)
			return nil
		}
		if rec.LedgerID == nil {
			rec.LedgerID = existing.LedgerID
		}
	}
	records[rec.ID] = rec

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := c.save(ctx, records); err != nil {
			return fmt.Errorf("record operation %s: %w", rec.ID, err)
		}
		lastErr = c.verify(ctx, rec)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("idempotency write not confirmed",
			"id", rec.ID, "type", rec.Type, "attempt", attempt, "error", lastErr)
	}

	return &ballot.Error{
		Code:     ballot.ErrCodePersistenceVerification,
		Op:       "record operation",
		Entity:   "operation",
		EntityID: rec.ID,
		Reason:   "durable cache write unconfirmed after retry",
		Err:      lastErr,
	}
}

// IsCompleted reports whether a record with id has status success.
func (c *Cache) IsCompleted(ctx context.Context, id string) (bool, error) {
	rec, ok, err := c.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == StatusSuccess, nil
}

// Get returns the record with id, if any.
func (c *Cache) Get(ctx context.Context, id string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("get operation %s: %w", id, err)
	}
	rec, ok := records[id]
	return rec, ok, nil
}

// List returns every record ordered by timestamp, then id.
func (c *Cache) List(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return sortedRecords(records), nil
}

// PurgeOlderThan removes pending and failed records older than days.
// Success records are retained indefinitely to preserve the at-most-once
// guarantee. Returns the number of records removed.
func (c *Cache) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("purge: negative retention %d", days)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.load(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	horizon := c.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0
	for id, rec := range records {
		if rec.Status == StatusSuccess {
			continue
		}
		if rec.Timestamp.Before(horizon) {
			delete(records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := c.save(ctx, records); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	c.logger.Info("purged stale idempotency records", "removed", removed, "retention_days", days)
	return removed, nil
}

// ClearAll removes every record. Administrative and testing use only.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.Delete(ctx, CollectionKey); err != nil {
		return fmt.Errorf("clear idempotency cache: %w", err)
	}
	return nil
}

// load reads the collection. Callers hold c.mu.
func (c *Cache) load(ctx context.Context) (map[string]Record, error) {
	data, found, err := c.backend.Get(ctx, CollectionKey)
	if err != nil {
		return nil, err
	}
	records := make(map[string]Record)
	if !found || len(data) == 0 {
		return records, nil
	}

	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", CollectionKey, err)
	}
	for _, rec := range list {
		records[rec.ID] = rec
	}
	return records, nil
}

// save writes the collection in deterministic order. Callers hold c.mu.
func (c *Cache) save(ctx context.Context, records map[string]Record) error {
	data, err := json.Marshal(sortedRecords(records))
	if err != nil {
		return fmt.Errorf("encode %s: %w", CollectionKey, err)
	}
	return c.backend.Put(ctx, CollectionKey, data)
}

// verify reads the collection back and checks rec is stored as written.
func (c *Cache) verify(ctx context.Context, rec Record) error {
	records, err := c.load(ctx)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	stored, ok := records[rec.ID]
	if !ok {
		return fmt.Errorf("read back: record %s missing", rec.ID)
	}
	if !stored.equal(rec) {
		return fmt.Errorf("read back: record %s differs (status %s, want %s)", rec.ID, stored.Status, rec.Status)
	}
	return nil
}

func sortedRecords(records map[string]Record) []Record {
	list := make([]Record, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		return list[i].ID < list[j].ID
	})
	return list
}
