// Package graph is the tool execution layer: the fixed set of atomic
// graph-mutation and query operations exposed to protocol clients.
//
// Every operation validates its inputs before any write and checkpoints the
// write-ahead log before returning, so a later tool call — from any client,
// via any adapter — observes the effects of an earlier one. The create and
// add operations run their writes in one storage transaction; the two delete
// operations commit each target in a transaction of its own.
package graph

import (
	"context"
	"log"

	"github.com/kgraph-dev/kgraph/internal/embed"
	"github.com/kgraph-dev/kgraph/internal/storage"
	"github.com/kgraph-dev/kgraph/internal/vector"
)

// Defaults parameterize search and embedding generation.
type Defaults struct {
	K            int
	Threshold    float64
	HybridWeight float64
	BatchSize    int
}

// DefaultDefaults mirrors the configuration record's defaults.
func DefaultDefaults() Defaults {
	return Defaults{K: 10, Threshold: 0.0, HybridWeight: 0.7, BatchSize: 32}
}

// API composes the storage engine, the vector store, and the embedding
// registry into the tool set. One API instance serves all adapters.
type API struct {
	store    *storage.Store
	vectors  *vector.Store
	registry *embed.Registry
	defaults Defaults
}

// New builds the tool layer over its three collaborators.
func New(store *storage.Store, vectors *vector.Store, registry *embed.Registry, d Defaults) *API {
	if d.K <= 0 {
		d.K = 10
	}
	if d.HybridWeight <= 0 {
		d.HybridWeight = 0.7
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 32
	}
	return &API{store: store, vectors: vectors, registry: registry, defaults: d}
}

// Store exposes the storage engine for the supervisor's lifecycle hooks.
func (a *API) Store() *storage.Store {
	return a.store
}

// ─── Input and result shapes ────────────────────────────────────────────────

// EntitySpec is one entity in a create batch.
type EntitySpec struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entity_type"`
	Observations []string `json:"observations,omitempty"`
}

// RelationSpec is one edge in a create or delete batch.
type RelationSpec struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relation_type"`
}

// ObservationsSpec appends observations to one pre-existing entity.
type ObservationsSpec struct {
	EntityName   string   `json:"entity_name"`
	Observations []string `json:"observations"`
}

// CreateEntitiesResult reports the created count and skipped duplicates.
type CreateEntitiesResult struct {
	Created int      `json:"created"`
	Skipped []string `json:"skipped"`
}

// CreateRelationsResult reports created edges and duplicate no-ops.
type CreateRelationsResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// AddObservationsResult reports the appended observation count.
type AddObservationsResult struct {
	EntityName string `json:"entity_name"`
	Added      int    `json:"added"`
}

// CreateSubgraphResult reports the atomic batch outcome.
type CreateSubgraphResult struct {
	EntitiesCreated   int `json:"entities_created"`
	RelationsCreated  int `json:"relations_created"`
	ObservationsAdded int `json:"observations_added"`
}

// DeleteResult reports how many targets existed and were removed.
type DeleteResult struct {
	Deleted int `json:"deleted"`
}

// ─── Mutations ───────────────────────────────────────────────────────────────

// CreateEntities creates each entity and its observations in order, in one
// transaction. A name collision skips that entity — reported, not updated —
// while the rest of the batch proceeds.
func (a *API) CreateEntities(ctx context.Context, specs []EntitySpec) (*CreateEntitiesResult, *Error) {
	if len(specs) == 0 {
		return nil, Invalid("entities", "at least one entity is required")
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, Invalid("name", "entity name must be non-empty")
		}
		if spec.EntityType == "" {
			return nil, Invalid("entity_type", "entity type must be non-empty")
		}
		for _, o := range spec.Observations {
			if o == "" {
				return nil, Invalid("observations", "observation content must be non-empty")
			}
		}
	}

	result := &CreateEntitiesResult{Skipped: []string{}}
	err := a.mutate(func() error {
		result.Created = 0
		result.Skipped = result.Skipped[:0]
		tx, err := a.store.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		for _, spec := range specs {
			if _, err := a.store.CreateEntityTx(tx, spec.Name, spec.EntityType); err != nil {
				if wrap(err).Kind == KindAlreadyExists {
					result.Skipped = append(result.Skipped, spec.Name)
					continue
				}
				return err
			}
			result.Created++
			for _, content := range spec.Observations {
				if _, err := a.store.AddObservationTx(tx, spec.Name, content); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// CreateRelations creates the batch after validating external_refs: every
// from/to must be declared in refs, and every ref must resolve. A missing
// name fails the whole call with MissingEntities — no partial commit.
func (a *API) CreateRelations(ctx context.Context, relations []RelationSpec, externalRefs []string) (*CreateRelationsResult, *Error) {
	if len(relations) == 0 {
		return nil, Invalid("relations", "at least one relation is required")
	}
	if len(externalRefs) == 0 {
		return nil, Invalid("external_refs", "external_refs is required: declare every entity name this batch depends on")
	}
	refs := toSet(externalRefs)
	for _, r := range relations {
		if r.RelationType == "" {
			return nil, Invalid("relation_type", "relation type must be non-empty")
		}
		if !refs[r.From] {
			return nil, Invalid("external_refs", "relation endpoint "+quote(r.From)+" is not declared in external_refs")
		}
		if !refs[r.To] {
			return nil, Invalid("external_refs", "relation endpoint "+quote(r.To)+" is not declared in external_refs")
		}
	}

	result := &CreateRelationsResult{}
	err := a.mutate(func() error {
		result.Created, result.Existing = 0, 0
		tx, err := a.store.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		_, missing, err := a.store.ResolveNamesTx(tx, externalRefs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return MissingEntities(missing)
		}

		for _, r := range relations {
			_, created, err := a.store.CreateRelationTx(tx, r.From, r.To, r.RelationType)
			if err != nil {
				return err
			}
			if created {
				result.Created++
			} else {
				result.Existing++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// AddObservations appends observations to a named entity in order. The
// entity name must itself be declared in external_refs.
func (a *API) AddObservations(ctx context.Context, entityName string, observations []string, externalRefs []string) (*AddObservationsResult, *Error) {
	if entityName == "" {
		return nil, Invalid("entity_name", "entity name must be non-empty")
	}
	if len(observations) == 0 {
		return nil, Invalid("observations", "at least one observation is required")
	}
	for _, o := range observations {
		if o == "" {
			return nil, Invalid("observations", "observation content must be non-empty")
		}
	}
	if !toSet(externalRefs)[entityName] {
		return nil, Invalid("external_refs", "external_refs must include "+quote(entityName))
	}

	result := &AddObservationsResult{EntityName: entityName}
	err := a.mutate(func() error {
		result.Added = 0
		tx, err := a.store.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		_, missing, err := a.store.ResolveNamesTx(tx, externalRefs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return MissingEntities(missing)
		}

		for _, content := range observations {
			if _, err := a.store.AddObservationTx(tx, entityName, content); err != nil {
				return err
			}
			result.Added++
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// CreateSubgraph atomically creates entities, then relations whose endpoints
// may be new or pre-existing, then observations on pre-existing entities.
// Any failure rolls back the whole call. This is the only operation that
// combines entity creation with relation creation.
func (a *API) CreateSubgraph(ctx context.Context, entities []EntitySpec, relations []RelationSpec, observations []ObservationsSpec) (*CreateSubgraphResult, *Error) {
	newNames := map[string]bool{}
	for _, spec := range entities {
		if spec.Name == "" {
			return nil, Invalid("name", "entity name must be non-empty")
		}
		if spec.EntityType == "" {
			return nil, Invalid("entity_type", "entity type must be non-empty")
		}
		newNames[spec.Name] = true
	}
	for _, r := range relations {
		if r.RelationType == "" {
			return nil, Invalid("relation_type", "relation type must be non-empty")
		}
	}
	for _, o := range observations {
		if o.EntityName == "" {
			return nil, Invalid("entity_name", "entity name must be non-empty")
		}
		for _, c := range o.Observations {
			if c == "" {
				return nil, Invalid("observations", "observation content must be non-empty")
			}
		}
	}

	// Names the batch depends on but does not create.
	var external []string
	for _, r := range relations {
		if !newNames[r.From] {
			external = append(external, r.From)
		}
		if !newNames[r.To] {
			external = append(external, r.To)
		}
	}
	for _, o := range observations {
		if !newNames[o.EntityName] {
			external = append(external, o.EntityName)
		}
	}

	result := &CreateSubgraphResult{}
	err := a.mutate(func() error {
		result.EntitiesCreated, result.RelationsCreated, result.ObservationsAdded = 0, 0, 0
		tx, err := a.store.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		_, missing, err := a.store.ResolveNamesTx(tx, external)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return MissingEntities(missing)
		}

		for _, spec := range entities {
			if _, err := a.store.CreateEntityTx(tx, spec.Name, spec.EntityType); err != nil {
				return err
			}
			result.EntitiesCreated++
			for _, content := range spec.Observations {
				if _, err := a.store.AddObservationTx(tx, spec.Name, content); err != nil {
					return err
				}
			}
		}
		for _, r := range relations {
			_, created, err := a.store.CreateRelationTx(tx, r.From, r.To, r.RelationType)
			if err != nil {
				return err
			}
			if created {
				result.RelationsCreated++
			}
		}
		for _, o := range observations {
			for _, content := range o.Observations {
				if _, err := a.store.AddObservationTx(tx, o.EntityName, content); err != nil {
					return err
				}
				result.ObservationsAdded++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// DeleteEntities removes each named entity with its observations, relations,
// and embeddings. Idempotent: missing names count as not deleted. Each name
// is deleted in its own transaction; when one fails, the deletions before it
// stay committed.
func (a *API) DeleteEntities(ctx context.Context, names []string) (*DeleteResult, *Error) {
	result := &DeleteResult{}
	err := a.mutate(func() error {
		result.Deleted = 0
		for _, name := range names {
			deleted, err := a.store.DeleteEntity(name)
			if err != nil {
				return err
			}
			if deleted {
				result.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// DeleteRelations removes each relation by logical identity. Idempotent.
// Each relation is deleted by its own statement; when one fails, the
// deletions before it stay committed.
func (a *API) DeleteRelations(ctx context.Context, relations []RelationSpec) (*DeleteResult, *Error) {
	result := &DeleteResult{}
	err := a.mutate(func() error {
		result.Deleted = 0
		for _, r := range relations {
			deleted, err := a.store.DeleteRelation(r.From, r.To, r.RelationType)
			if err != nil {
				return err
			}
			if deleted {
				result.Deleted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	return result, nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// ReadGraph returns the full dump: entities with ordered observations, plus
// all relations.
func (a *API) ReadGraph(ctx context.Context) (*storage.Graph, *Error) {
	g, err := a.store.ReadGraph()
	if err != nil {
		return nil, wrap(err)
	}
	return g, nil
}

// GetStats returns aggregate counts.
func (a *API) GetStats(ctx context.Context) (*storage.Stats, *Error) {
	st, err := a.store.GetStats()
	if err != nil {
		return nil, wrap(err)
	}
	return st, nil
}

// ─── Internals ───────────────────────────────────────────────────────────────

// mutate runs a write operation, retrying once when the busy-timeout was
// exceeded, and checkpoints the WAL on success. The checkpoint happens here,
// before any response leaves the adapter, so a fast-following call cannot
// race ahead of it.
func (a *API) mutate(fn func() error) error {
	err := fn()
	if storage.IsBusy(err) {
		log.Printf("WARNING: storage busy, retrying once: %v", err)
		err = fn()
	}
	if err != nil {
		return err
	}
	return a.store.Checkpoint()
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func quote(s string) string {
	return `"` + s + `"`
}
