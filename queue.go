package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueStore is the view of the pending-mutation queue the engine drains.
type QueueStore interface {
	List(ctx context.Context) ([]QueueEntry, error)
	Remove(ctx context.Context, entryID string) error
	Complete(ctx context.Context, entry QueueEntry) (bool, error)
	IncrementRetry(ctx context.Context, entryID string) (int, error)
	Rekey(ctx context.Context, entityType, oldID, newID string) error
	Size(ctx context.Context) (int, error)
}

type enqueueOutcome int

const (
	enqueueDuplicate enqueueOutcome = iota
	enqueueCreated
	enqueueReplaced
)

// Queue is the durable, ordered list of pending mutations, persisted in the
// sync_queue table of the local store.
type Queue struct {
	store  *Store
	notify func(QueueEntry)
}

// NewQueue returns a queue backed by store.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// OnEnqueue registers a callback fired after an enqueue changes the queue.
// The callback runs synchronously and must not block.
func (q *Queue) OnEnqueue(fn func(QueueEntry)) {
	q.notify = fn
}

// Enqueue records a pending mutation for (entityType, entityID) and reports
// whether a new entry was created.
//
// At most one entry exists per pair. Enqueueing the same op again returns
// the pending entry. A different op replaces the pending op in place, so a
// delete issued after an unsynced edit is not lost. Both bump the entry's
// revision, which keeps an entry changed during a pass queued for the next.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID string, op Op, data json.RawMessage) (QueueEntry, bool, error) {
	if entityType == "" || entityID == "" {
		return QueueEntry{}, false, fmt.Errorf("queue: entity type and id are required")
	}
	if !op.IsValid() {
		return QueueEntry{}, false, fmt.Errorf("queue: %w: %q", ErrInvalidOp, op)
	}

	entry, outcome, err := q.enqueue(ctx, entityType, entityID, op, data)
	if err != nil {
		return QueueEntry{}, false, err
	}
	if outcome != enqueueDuplicate && q.notify != nil {
		q.notify(entry)
	}
	return entry, outcome == enqueueCreated, nil
}

func (q *Queue) enqueue(ctx context.Context, entityType, entityID string, op Op, data json.RawMessage) (QueueEntry, enqueueOutcome, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return QueueEntry{}, enqueueDuplicate, ErrStoreClosed
	}

	existing, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, created_at, retry_count, revision
		FROM sync_queue WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID))
	switch {
	case err == nil:
		existing.Revision++
		if existing.Op == op {
			if _, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET revision = ? WHERE id = ?`,
				existing.Revision, existing.ID); err != nil {
				return QueueEntry{}, enqueueDuplicate, fmt.Errorf("queue: touch entry: %w", err)
			}
			return existing, enqueueDuplicate, nil
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET operation = ?, payload = ?, revision = ? WHERE id = ?`,
			string(op), nullJSON(data), existing.Revision, existing.ID); err != nil {
			return QueueEntry{}, enqueueDuplicate, fmt.Errorf("queue: replace op: %w", err)
		}
		existing.Op = op
		existing.Data = data
		return existing, enqueueReplaced, nil
	case !errors.Is(err, ErrNotFound):
		return QueueEntry{}, enqueueDuplicate, err
	}

	entry := QueueEntry{
		ID:         newEntryID(),
		EntityType: entityType,
		EntityID:   entityID,
		Op:         op,
		Data:       data,
		CreatedAt:  s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, created_at, retry_count, revision)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
	`, entry.ID, entry.EntityType, entry.EntityID, string(entry.Op), nullJSON(data), entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueueEntry{}, enqueueDuplicate, fmt.Errorf("queue: insert: %w", err)
	}
	return entry, enqueueCreated, nil
}

// List returns every pending entry in enqueue order.
func (q *Queue) List(ctx context.Context) ([]QueueEntry, error) {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, created_at, retry_count, revision
		FROM sync_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Remove deletes an entry. Removing an unknown entry is not an error.
func (q *Queue) Remove(ctx context.Context, entryID string) error {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID); err != nil {
		return fmt.Errorf("queue: remove %s: %w", entryID, err)
	}
	return nil
}

// Complete removes entry only if it has not been enqueued again since it was
// read, and reports whether it was removed. An entry changed in the meantime
// stays queued for the next pass.
func (q *Queue) Complete(ctx context.Context, entry QueueEntry) (bool, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND revision = ?`, entry.ID, entry.Revision)
	if err != nil {
		return false, fmt.Errorf("queue: complete %s: %w", entry.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: complete %s: %w", entry.ID, err)
	}
	return n > 0, nil
}

// IncrementRetry bumps an entry's retry count and returns the new value.
func (q *Queue) IncrementRetry(ctx context.Context, entryID string) (int, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?
		RETURNING retry_count
	`, entryID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("queue: entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("queue: increment retry %s: %w", entryID, err)
	}
	return count, nil
}

// Rekey points the pending entry for (entityType, oldID) at newID. Used when
// reconciliation moves a dependent record to a new primary key.
func (q *Queue) Rekey(ctx context.Context, entityType, oldID, newID string) error {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE OR IGNORE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?
	`, newID, entityType, oldID)
	if err != nil {
		return fmt.Errorf("queue: rekey %s/%s: %w", entityType, oldID, err)
	}
	return nil
}

// Size returns the number of pending entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return n, nil
}

func scanEntry(sc scanner) (QueueEntry, error) {
	var (
		entry     QueueEntry
		op        string
		payload   sql.NullString
		createdAt string
	)
	err := sc.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &op, &payload, &createdAt, &entry.RetryCount, &entry.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("queue: scan entry: %w", err)
	}
	entry.Op = Op(op)
	if payload.Valid && payload.String != "" {
		entry.Data = json.RawMessage(payload.String)
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, nil
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullJSON(data json.RawMessage) *string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	return &s
}
