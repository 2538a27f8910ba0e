// Package adapter provides entity adapters backed by the REST resources of
// the retail server.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/CharlySistemas23/possync"
)

// Remote is the resource-level transport an adapter calls.
// *remote.HTTPClient satisfies it.
type Remote interface {
	Create(ctx context.Context, resource string, payload possync.Record) (possync.Record, error)
	Update(ctx context.Context, resource, id string, payload possync.Record) (possync.Record, error)
	Delete(ctx context.Context, resource, id string) error
	Get(ctx context.Context, resource, id string) (possync.Record, error)
	List(ctx context.Context, resource string, query url.Values) ([]possync.Record, error)
}

// Reference is a foreign key held by an entity.
type Reference struct {
	Field string
	// Table holds the referenced records locally.
	Table string
	// Required references that cannot be resolved to a canonical id fail
	// normalization so the entry is retried after its parent syncs.
	// Optional ones are dropped from the payload.
	Required bool
}

// Spec describes one entity type.
type Spec struct {
	EntityType string
	Table      string
	// Path is the resource segment under /api/v1.
	Path       string
	References []Reference
	Cascades   []possync.Cascade
	// NaturalKey is a field the server enforces as unique. A create that
	// conflicts on it is resolved by looking the existing entity up.
	NaturalKey    string
	ServerDerived bool
}

// Resource is a possync.Adapter for a REST resource.
type Resource struct {
	spec   Spec
	remote Remote
}

// New returns an adapter for spec.
func New(spec Spec, remote Remote) *Resource {
	if spec.Path == "" {
		spec.Path = spec.Table
	}
	return &Resource{spec: spec, remote: remote}
}

func (r *Resource) EntityType() string { return r.spec.EntityType }

func (r *Resource) Table() string { return r.spec.Table }

func (r *Resource) IsServerDerived() bool { return r.spec.ServerDerived }

func (r *Resource) Cascades() []possync.Cascade { return r.spec.Cascades }

// FetchLocal loads the record, following the alias table when id was
// already replaced by a canonical id.
func (r *Resource) FetchLocal(ctx context.Context, local possync.LocalStore, id string) (possync.Record, error) {
	rec, err := local.Get(ctx, r.spec.Table, id)
	if !errors.Is(err, possync.ErrNotFound) {
		return rec, err
	}

	resolved, rerr := possync.ResolveID(ctx, local, r.spec.Table, id)
	if rerr != nil {
		return nil, rerr
	}
	if resolved == id {
		return nil, possync.ErrNotFound
	}
	return local.Get(ctx, r.spec.Table, resolved)
}

// Normalize builds the wire payload: local bookkeeping fields (leading
// underscore) and non-canonical ids are stripped, and foreign keys are
// resolved to canonical ids or dropped.
func (r *Resource) Normalize(ctx context.Context, local possync.LocalStore, rec possync.Record) (possync.Record, error) {
	payload := make(possync.Record, len(rec))
	for k, v := range rec {
		if strings.HasPrefix(k, "_") {
			continue
		}
		payload[k] = v
	}
	if !possync.IsCanonicalID(payload.ID()) {
		delete(payload, "id")
	}

	for _, ref := range r.spec.References {
		value := payload.String(ref.Field)
		if value == "" {
			if ref.Required {
				return nil, fmt.Errorf("%s: missing required reference %s", r.spec.EntityType, ref.Field)
			}
			continue
		}
		if possync.IsCanonicalID(value) {
			continue
		}

		resolved, err := possync.ResolveID(ctx, local, ref.Table, value)
		if err != nil {
			return nil, err
		}
		switch {
		case possync.IsCanonicalID(resolved):
			payload[ref.Field] = resolved
		case ref.Required:
			return nil, fmt.Errorf("%s: reference %s=%s not yet synced", r.spec.EntityType, ref.Field, value)
		default:
			delete(payload, ref.Field)
		}
	}
	return payload, nil
}

// Exists looks the entity up by id.
func (r *Resource) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.remote.Get(ctx, r.spec.Path, id)
	if err == nil {
		return true, nil
	}
	if possync.Classify(err) == possync.FailureNotFound {
		return false, nil
	}
	return false, err
}

// Create posts the payload. A uniqueness conflict on the natural key means
// an earlier attempt already created the entity; the existing one is returned.
func (r *Resource) Create(ctx context.Context, payload possync.Record) (possync.Record, error) {
	created, err := r.remote.Create(ctx, r.spec.Path, payload)
	if err == nil {
		return created, nil
	}
	if !possync.IsConflict(err) || r.spec.NaturalKey == "" {
		return nil, err
	}

	key := payload.String(r.spec.NaturalKey)
	if key == "" {
		return nil, err
	}
	matches, lerr := r.remote.List(ctx, r.spec.Path, url.Values{r.spec.NaturalKey: {key}})
	if lerr != nil {
		return nil, fmt.Errorf("%s: resolve conflict on %s=%s: %w", r.spec.EntityType, r.spec.NaturalKey, key, lerr)
	}
	for _, m := range matches {
		if m.String(r.spec.NaturalKey) == key && m.ID() != "" {
			return m, nil
		}
	}
	return nil, err
}

// Update replaces the remote entity.
func (r *Resource) Update(ctx context.Context, id string, payload possync.Record) (possync.Record, error) {
	return r.remote.Update(ctx, r.spec.Path, id, payload)
}

// Delete removes the remote entity. A missing entity is reported, not failed.
func (r *Resource) Delete(ctx context.Context, id string) (possync.DeleteOutcome, error) {
	err := r.remote.Delete(ctx, r.spec.Path, id)
	if err == nil {
		return possync.DeleteApplied, nil
	}
	if possync.Classify(err) == possync.FailureNotFound {
		return possync.DeleteNotFound, nil
	}
	return possync.DeleteApplied, err
}

var _ possync.Adapter = (*Resource)(nil)
