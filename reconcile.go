package possync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AliasTable records retired local ids and the canonical ids that replaced them.
const AliasTable = "_id_aliases"

func aliasKey(table, oldID string) string {
	return table + ":" + oldID
}

// ResolveAlias returns the canonical id that replaced oldID in table, or
// ErrNotFound when oldID was never reconciled.
func ResolveAlias(ctx context.Context, local LocalStore, table, oldID string) (string, error) {
	rec, err := local.Get(ctx, AliasTable, aliasKey(table, oldID))
	if err != nil {
		return "", err
	}
	newID := rec.String("new_id")
	if newID == "" {
		return "", ErrNotFound
	}
	return newID, nil
}

// maxAliasHops bounds alias chains. A re-keyed dependent gets one hop to its
// re-keyed local id and one more once it is created remotely.
const maxAliasHops = 4

// ResolveID follows aliases from id toward its canonical replacement and
// returns the last id reached. Canonical ids are returned unchanged.
func ResolveID(ctx context.Context, local LocalStore, table, id string) (string, error) {
	for hop := 0; hop < maxAliasHops && !IsCanonicalID(id); hop++ {
		next, err := ResolveAlias(ctx, local, table, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return "", err
		}
		id = next
	}
	return id, nil
}

func putAlias(ctx context.Context, tx LocalStore, table, oldID, newID string) error {
	return tx.Put(ctx, AliasTable, Record{
		"id":     aliasKey(table, oldID),
		"table":  table,
		"old_id": oldID,
		"new_id": newID,
	})
}

// atomically runs fn in a transaction when local supports one.
func atomically(ctx context.Context, local LocalStore, fn func(tx LocalStore) error) error {
	if a, ok := local.(AtomicStore); ok {
		return a.Atomic(ctx, fn)
	}
	return fn(local)
}

type rekeyedEntry struct {
	entityType string
	oldID      string
	newID      string
}

// reconciler migrates a record and its dependents from a local id to the
// canonical id assigned by the server. Migrations never interleave.
type reconciler struct {
	mu     sync.Mutex
	local  LocalStore
	queue  QueueStore
	logger *zap.Logger
}

// reconcile moves the entity from localRec's id to remote's id. localRec is
// the snapshot that was sent. If the local record was deleted since, only
// the alias and dependents are updated so a pending delete resolves to the
// canonical id.
func (r *reconciler) reconcile(ctx context.Context, a Adapter, localRec, remote Record) error {
	oldID := localRec.ID()
	newID := remote.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		rekeyed []rekeyedEntry
		gone    bool
	)
	err := atomically(ctx, r.local, func(tx LocalStore) error {
		rekeyed = rekeyed[:0]

		current, err := tx.Get(ctx, a.Table(), oldID)
		switch {
		case errors.Is(err, ErrNotFound):
			gone = true
		case err != nil:
			return err
		default:
			merged := mergeRemote(current, localRec, remote)
			merged["id"] = newID
			if err := tx.Put(ctx, a.Table(), merged); err != nil {
				return err
			}
			if err := tx.Delete(ctx, a.Table(), oldID); err != nil {
				return err
			}
		}

		for _, c := range a.Cascades() {
			moved, err := rewriteDependents(ctx, tx, c, oldID, newID)
			if err != nil {
				return fmt.Errorf("cascade %s.%s: %w", c.Table, c.Field, err)
			}
			rekeyed = append(rekeyed, moved...)
		}

		return putAlias(ctx, tx, a.Table(), oldID, newID)
	})
	if err != nil {
		return fmt.Errorf("reconcile %s %s -> %s: %w", a.EntityType(), oldID, newID, err)
	}

	rekeyed = append(rekeyed, rekeyedEntry{entityType: a.EntityType(), oldID: oldID, newID: newID})
	for _, rk := range rekeyed {
		if err := r.queue.Rekey(ctx, rk.entityType, rk.oldID, rk.newID); err != nil {
			r.logger.Warn("failed to rekey pending entry",
				zap.String("entity_type", rk.entityType),
				zap.String("old_id", rk.oldID),
				zap.String("new_id", rk.newID),
				zap.Error(err))
		}
	}

	r.logger.Info("reconciled identifier",
		zap.String("entity_type", a.EntityType()),
		zap.String("local_id", oldID),
		zap.String("canonical_id", newID),
		zap.Int("rekeyed", len(rekeyed)-1),
		zap.Bool("local_deleted", gone))
	return nil
}

// mergeRemote overlays the server's fields on current, skipping fields
// changed locally since snapshot was taken.
func mergeRemote(current, snapshot, remote Record) Record {
	merged := current.Clone()
	for k, v := range remote {
		if reflect.DeepEqual(current[k], snapshot[k]) {
			merged[k] = v
		}
	}
	return merged
}

func rewriteDependents(ctx context.Context, tx LocalStore, c Cascade, oldID, newID string) ([]rekeyedEntry, error) {
	deps, err := tx.Query(ctx, c.Table, c.Field, oldID)
	if err != nil {
		return nil, err
	}

	var moved []rekeyedEntry
	for _, dep := range deps {
		updated := dep.Clone()
		updated[c.Field] = newID

		depID := dep.ID()
		if c.Rekey && strings.HasPrefix(depID, oldID) {
			newDepID := newID + strings.TrimPrefix(depID, oldID)
			updated["id"] = newDepID
			if err := tx.Delete(ctx, c.Table, depID); err != nil {
				return nil, err
			}
			if err := putAlias(ctx, tx, c.Table, depID, newDepID); err != nil {
				return nil, err
			}
			if c.EntityType != "" {
				moved = append(moved, rekeyedEntry{entityType: c.EntityType, oldID: depID, newID: newDepID})
			}
		}

		if err := tx.Put(ctx, c.Table, updated); err != nil {
			return nil, err
		}
	}
	return moved, nil
}
