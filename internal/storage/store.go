// Package storage implements the persistent graph store for kgraph.
//
// It owns the single SQLite database file: entities, observations,
// relations, embeddings, and the two FTS5 indices live here. Every other
// component reaches persistent state only through this package.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Types ───────────────────────────────────────────────────────────────────

// Entity is a named, typed node in the graph. The name is the external key;
// the numeric ID never leaves this package's callers.
type Entity struct {
	ID         int64  `json:"-"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	CreatedAt  string `json:"created_at,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// Observation is an append-only text statement owned by exactly one entity.
type Observation struct {
	ID        int64  `json:"-"`
	EntityID  int64  `json:"-"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Relation is a directed, typed edge. Identity is (from, to, type).
type Relation struct {
	ID           int64  `json:"-"`
	FromEntity   string `json:"from_entity"`
	ToEntity     string `json:"to_entity"`
	RelationType string `json:"relation_type"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// EntityWithObservations is an entity plus its ordered observation contents.
type EntityWithObservations struct {
	Entity
	Observations []string `json:"observations"`
}

// Graph is the full dump shape returned by ReadGraph.
type Graph struct {
	Entities  []EntityWithObservations `json:"entities"`
	Relations []Relation               `json:"relations"`
}

// Stats holds aggregate graph statistics.
type Stats struct {
	EntityCount       int `json:"entity_count"`
	RelationCount     int `json:"relation_count"`
	ObservationCount  int `json:"observation_count"`
	EntityTypeCount   int `json:"entity_type_count"`
	RelationTypeCount int `json:"relation_type_count"`
}

// Sentinel errors returned by the typed CRUD API. Callers map these onto
// the tool-layer taxonomy.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid input")
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds storage engine configuration.
type Config struct {
	// Path is the absolute path of the primary database file. The parent
	// directory is created if needed.
	Path string
	// SnapshotDir receives the pre-migration snapshot. Defaults to the
	// database file's directory.
	SnapshotDir string
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the storage engine bound to one database file. It is safe for
// concurrent use; all access serializes through SQLite's WAL locking.
type Store struct {
	db   *sql.DB
	path string
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Open opens (or creates) the database file, applies the mandatory pragmas,
// and brings the schema to the current version. The pragma set is load-bearing:
// WAL + busy_timeout + foreign_keys is what makes the concurrency model hold.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: %w: empty database path", ErrInvalid)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// One connection: busy_timeout and foreign_keys are connection-scoped,
	// and all access serializes through the WAL locking protocol anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migration: %w", err)
	}
	return s, nil
}

// Close checkpoints and closes the underlying database connection.
func (s *Store) Close() error {
	_ = s.Checkpoint()
	return s.db.Close()
}

// DB exposes the shared connection for sibling stores (vector) bound to the
// same file. There is exactly one *sql.DB per database file in the process.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Checkpoint folds the write-ahead log back into the main database file so
// that the next reader — same process or another one on the same file — sees
// every committed write. Called after each write-producing tool invocation.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("storage: checkpoint: %w", err)
	}
	return nil
}

// Begin starts a transaction for multi-statement tool operations.
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

// ─── Entities ────────────────────────────────────────────────────────────────

// CreateEntity inserts a new entity. Fails with ErrAlreadyExists when the
// name is taken and ErrInvalid on empty name or type.
func (s *Store) CreateEntity(name, entityType string) (int64, error) {
	return createEntity(s.db, name, entityType)
}

// CreateEntityTx is CreateEntity inside a caller-owned transaction.
func (s *Store) CreateEntityTx(tx *sql.Tx, name, entityType string) (int64, error) {
	return createEntity(tx, name, entityType)
}

func createEntity(db execer, name, entityType string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: entity name must be non-empty", ErrInvalid)
	}
	if strings.TrimSpace(entityType) == "" {
		return 0, fmt.Errorf("%w: entity type must be non-empty", ErrInvalid)
	}
	res, err := db.Exec(
		`INSERT INTO entities (name, entity_type) VALUES (?, ?)`,
		name, entityType,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("entity %q: %w", name, ErrAlreadyExists)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// GetEntity resolves a name to its entity row.
func (s *Store) GetEntity(name string) (*Entity, error) {
	return getEntity(s.db, name)
}

// GetEntityTx is GetEntity inside a caller-owned transaction.
func (s *Store) GetEntityTx(tx *sql.Tx, name string) (*Entity, error) {
	return getEntity(tx, name)
}

func getEntity(db queryer, name string) (*Entity, error) {
	var e Entity
	err := db.QueryRow(
		`SELECT id, name, entity_type, created_at, updated_at FROM entities WHERE name = ?`,
		name,
	).Scan(&e.ID, &e.Name, &e.EntityType, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ResolveNames maps entity names to IDs, reporting every name that does not
// resolve. The missing list preserves the input order with duplicates removed.
func (s *Store) ResolveNames(names []string) (ids map[string]int64, missing []string, err error) {
	return resolveNames(s.db, names)
}

// ResolveNamesTx is ResolveNames inside a caller-owned transaction.
func (s *Store) ResolveNamesTx(tx *sql.Tx, names []string) (map[string]int64, []string, error) {
	return resolveNames(tx, names)
}

func resolveNames(db queryer, names []string) (map[string]int64, []string, error) {
	ids := make(map[string]int64, len(names))
	var missing []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		var id int64
		err := db.QueryRow(`SELECT id FROM entities WHERE name = ?`, name).Scan(&id)
		if err == sql.ErrNoRows {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		ids[name] = id
	}
	return ids, missing, nil
}

// DeleteEntity removes an entity with its observations, relations, and
// embeddings. Idempotent: reports false when the name does not resolve,
// never an error. Observations are deleted by statement rather than left to
// the cascade so the FTS delete triggers see them.
func (s *Store) DeleteEntity(name string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRow(`SELECT id FROM entities WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(`DELETE FROM observations WHERE entity_id = ?`, id); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`DELETE FROM entities WHERE id = ?`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetEntityByID loads an entity row by its internal id.
func (s *Store) GetEntityByID(id int64) (*Entity, error) {
	var e Entity
	err := s.db.QueryRow(
		`SELECT id, name, entity_type, created_at, updated_at FROM entities WHERE id = ?`,
		id,
	).Scan(&e.ID, &e.Name, &e.EntityType, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntities returns every entity ordered by name.
func (s *Store) ListEntities() ([]Entity, error) {
	rows, err := s.db.Query(
		`SELECT id, name, entity_type, created_at, updated_at FROM entities ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Observations ────────────────────────────────────────────────────────────

// AddObservation appends an observation to a named entity.
func (s *Store) AddObservation(entityName, content string) (int64, error) {
	return addObservation(s.db, entityName, content)
}

// AddObservationTx is AddObservation inside a caller-owned transaction.
func (s *Store) AddObservationTx(tx *sql.Tx, entityName, content string) (int64, error) {
	return addObservation(tx, entityName, content)
}

type execQueryer interface {
	execer
	queryer
}

func addObservation(db execQueryer, entityName, content string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("%w: observation content must be non-empty", ErrInvalid)
	}
	e, err := getEntity(db, entityName)
	if err != nil {
		return 0, err
	}
	return addObservationByID(db, e.ID, content)
}

func addObservationByID(db execer, entityID int64, content string) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO observations (entity_id, content) VALUES (?, ?)`,
		entityID, content,
	)
	if err != nil {
		return 0, err
	}
	if _, err := db.Exec(
		`UPDATE entities SET updated_at = datetime('now') WHERE id = ?`, entityID,
	); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ObservationsFor returns an entity's observation contents in created order,
// ties broken by insertion id.
func (s *Store) ObservationsFor(entityID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT content FROM observations WHERE entity_id = ? ORDER BY created_at ASC, id ASC`,
		entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Relations ───────────────────────────────────────────────────────────────

// CreateRelation inserts a directed typed edge between two named entities.
// An identical (from, to, type) triple is a no-op returning the existing
// row's id and created=false. Self-loops are permitted.
func (s *Store) CreateRelation(fromName, toName, relationType string) (id int64, created bool, err error) {
	return createRelation(s.db, fromName, toName, relationType)
}

// CreateRelationTx is CreateRelation inside a caller-owned transaction.
func (s *Store) CreateRelationTx(tx *sql.Tx, fromName, toName, relationType string) (int64, bool, error) {
	return createRelation(tx, fromName, toName, relationType)
}

func createRelation(db execQueryer, fromName, toName, relationType string) (int64, bool, error) {
	if strings.TrimSpace(relationType) == "" {
		return 0, false, fmt.Errorf("%w: relation type must be non-empty", ErrInvalid)
	}
	from, err := getEntity(db, fromName)
	if err != nil {
		return 0, false, err
	}
	to, err := getEntity(db, toName)
	if err != nil {
		return 0, false, err
	}

	res, err := db.Exec(
		`INSERT INTO relations (from_entity, to_entity, relation_type) VALUES (?, ?, ?)`,
		from.ID, to.ID, relationType,
	)
	if err != nil {
		if isUniqueViolation(err) {
			var existing int64
			err := db.QueryRow(
				`SELECT id FROM relations WHERE from_entity = ? AND to_entity = ? AND relation_type = ?`,
				from.ID, to.ID, relationType,
			).Scan(&existing)
			if err != nil {
				return 0, false, err
			}
			return existing, false, nil
		}
		return 0, false, err
	}
	id, _ := res.LastInsertId()
	return id, true, nil
}

// DeleteRelation removes a relation by its logical identity. Idempotent.
func (s *Store) DeleteRelation(fromName, toName, relationType string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM relations
		 WHERE from_entity = (SELECT id FROM entities WHERE name = ?)
		   AND to_entity   = (SELECT id FROM entities WHERE name = ?)
		   AND relation_type = ?`,
		fromName, toName, relationType,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ─── Graph dump ──────────────────────────────────────────────────────────────

// ReadGraph returns the full graph: entities ordered by name, each carrying
// its ordered observation list, plus all relations ordered by endpoint names.
func (s *Store) ReadGraph() (*Graph, error) {
	g := &Graph{
		Entities:  []EntityWithObservations{},
		Relations: []Relation{},
	}

	rows, err := s.db.Query(
		`SELECT id, name, entity_type, created_at, updated_at FROM entities ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := map[int64]int{}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		byID[e.ID] = len(g.Entities)
		g.Entities = append(g.Entities, EntityWithObservations{Entity: e, Observations: []string{}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	obsRows, err := s.db.Query(
		`SELECT entity_id, content FROM observations ORDER BY entity_id, created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer obsRows.Close()
	for obsRows.Next() {
		var entityID int64
		var content string
		if err := obsRows.Scan(&entityID, &content); err != nil {
			return nil, err
		}
		if i, ok := byID[entityID]; ok {
			g.Entities[i].Observations = append(g.Entities[i].Observations, content)
		}
	}
	if err := obsRows.Err(); err != nil {
		return nil, err
	}

	relRows, err := s.db.Query(
		`SELECT r.id, ef.name, et.name, r.relation_type, r.created_at, r.updated_at
		 FROM relations r
		 JOIN entities ef ON ef.id = r.from_entity
		 JOIN entities et ON et.id = r.to_entity
		 ORDER BY ef.name, et.name, r.relation_type`,
	)
	if err != nil {
		return nil, err
	}
	defer relRows.Close()
	for relRows.Next() {
		var r Relation
		if err := relRows.Scan(&r.ID, &r.FromEntity, &r.ToEntity, &r.RelationType, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		g.Relations = append(g.Relations, r)
	}
	return g, relRows.Err()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// GetStats returns aggregate counts across the graph.
func (s *Store) GetStats() (*Stats, error) {
	st := &Stats{}
	queries := []struct {
		q    string
		dest *int
	}{
		{"SELECT COUNT(*) FROM entities", &st.EntityCount},
		{"SELECT COUNT(*) FROM relations", &st.RelationCount},
		{"SELECT COUNT(*) FROM observations", &st.ObservationCount},
		{"SELECT COUNT(DISTINCT entity_type) FROM entities", &st.EntityTypeCount},
		{"SELECT COUNT(DISTINCT relation_type) FROM relations", &st.RelationTypeCount},
	}
	for _, c := range queries {
		if err := s.db.QueryRow(c.q).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsBusy reports whether an error is SQLite lock contention that exceeded
// the busy timeout. The tool layer retries these once.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Now returns the current time formatted for SQLite.
func Now() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}
