package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the current schema version recorded in schema_metadata.
const SchemaVersion = 2

const schemaV2 = `
	CREATE TABLE IF NOT EXISTS entities (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT    NOT NULL UNIQUE,
		entity_type TEXT    NOT NULL,
		created_at  TEXT    NOT NULL DEFAULT (datetime('now')),
		updated_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS observations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id  INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		content    TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS relations (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		from_entity   INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		to_entity     INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		relation_type TEXT    NOT NULL,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now')),
		updated_at    TEXT    NOT NULL DEFAULT (datetime('now')),
		UNIQUE(from_entity, to_entity, relation_type)
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		entity_id  INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		model_name TEXT    NOT NULL,
		dimensions INTEGER NOT NULL,
		embedding  BLOB    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (entity_id, model_name)
	);

	CREATE TABLE IF NOT EXISTS schema_metadata (
		version     INTEGER NOT NULL,
		description TEXT,
		applied_at  TEXT    NOT NULL DEFAULT (datetime('now')),
		updated_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_obs_entity_created ON observations(entity_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entities_type      ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_rel_from           ON relations(from_entity);
	CREATE INDEX IF NOT EXISTS idx_rel_to             ON relations(to_entity);
	CREATE INDEX IF NOT EXISTS idx_rel_type           ON relations(relation_type);
	CREATE INDEX IF NOT EXISTS idx_emb_model          ON embeddings(model_name);

	CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
		name,
		entity_type,
		content='entities',
		content_rowid='id'
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
		content,
		content='observations',
		content_rowid='id'
	);
`

const ftsTriggers = `
	CREATE TRIGGER entities_fts_insert AFTER INSERT ON entities BEGIN
		INSERT INTO entities_fts(rowid, name, entity_type)
		VALUES (new.id, new.name, new.entity_type);
	END;

	CREATE TRIGGER entities_fts_delete AFTER DELETE ON entities BEGIN
		INSERT INTO entities_fts(entities_fts, rowid, name, entity_type)
		VALUES ('delete', old.id, old.name, old.entity_type);
	END;

	CREATE TRIGGER entities_fts_update AFTER UPDATE OF name, entity_type ON entities BEGIN
		INSERT INTO entities_fts(entities_fts, rowid, name, entity_type)
		VALUES ('delete', old.id, old.name, old.entity_type);
		INSERT INTO entities_fts(rowid, name, entity_type)
		VALUES (new.id, new.name, new.entity_type);
	END;

	CREATE TRIGGER observations_fts_insert AFTER INSERT ON observations BEGIN
		INSERT INTO observations_fts(rowid, content)
		VALUES (new.id, new.content);
	END;

	CREATE TRIGGER observations_fts_delete AFTER DELETE ON observations BEGIN
		INSERT INTO observations_fts(observations_fts, rowid, content)
		VALUES ('delete', old.id, old.content);
	END;
`

func (s *Store) migrate(cfg Config) error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= SchemaVersion {
		return nil
	}

	legacy, err := s.hasLegacySchema()
	if err != nil {
		return err
	}
	if legacy {
		if err := s.snapshotBefore(cfg); err != nil {
			return err
		}
		return s.migrateFromV1()
	}
	return s.createFresh()
}

// schemaVersion reads schema_metadata.version; 0 means the table is absent.
func (s *Store) schemaVersion() (int, error) {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_metadata'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	err = s.db.QueryRow(`SELECT version FROM schema_metadata LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// hasLegacySchema reports whether the file carries the version-1 layout:
// an entities table with a JSON-array observations column.
func (s *Store) hasLegacySchema() (bool, error) {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='entities'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rows, err := s.db.Query(`PRAGMA table_info(entities)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt any
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if colName == "observations" {
			return true, nil
		}
	}
	return false, rows.Err()
}

// createFresh installs the version-2 schema on an empty or observation-less
// database and records the version.
func (s *Store) createFresh() error {
	if _, err := s.db.Exec(schemaV2); err != nil {
		return err
	}
	if err := s.createTriggers(); err != nil {
		return err
	}
	return s.recordVersion("initial schema")
}

func (s *Store) createTriggers() error {
	// Idempotency check mirrors table creation: triggers have no IF NOT EXISTS
	// shorthand usable with external-content FTS, so probe sqlite_master.
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='trigger' AND name='entities_fts_insert'`,
	).Scan(&name)
	if err == sql.ErrNoRows {
		_, err := s.db.Exec(ftsTriggers)
		return err
	}
	return err
}

func (s *Store) recordVersion(description string) error {
	if _, err := s.db.Exec(`DELETE FROM schema_metadata`); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO schema_metadata (version, description) VALUES (?, ?)`,
		SchemaVersion, description,
	)
	return err
}

// snapshotBefore copies the database file aside before a migration touches it.
func (s *Store) snapshotBefore(cfg Config) error {
	dir := cfg.SnapshotDir
	if dir == "" {
		dir = filepath.Dir(cfg.Path)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	dst := filepath.Join(dir, fmt.Sprintf("knowledge_graph_premigration_%d.db", time.Now().Unix()))
	return copyFile(cfg.Path, dst)
}

// migrateFromV1 rewrites the version-1 layout in a single transaction:
// the legacy JSON observations column becomes one observations row per
// array element, order preserved, created_at stamped from the owning
// entity; name-keyed relations become id-keyed; FTS is rebuilt.
func (s *Store) migrateFromV1() error {
	// Table rebuilds need the cascade enforcement out of the way; the pragma
	// cannot change inside a transaction.
	if _, err := s.db.Exec(`PRAGMA foreign_keys = OFF`); err != nil {
		return err
	}
	defer func() { _, _ = s.db.Exec(`PRAGMA foreign_keys = ON`) }()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	// Drop the legacy FTS mirror and triggers before rebuilding the table.
	legacyObjects := []string{
		`DROP TRIGGER IF EXISTS entities_fts_insert`,
		`DROP TRIGGER IF EXISTS entities_fts_delete`,
		`DROP TRIGGER IF EXISTS entities_fts_update`,
		`DROP TABLE IF EXISTS entities_fts`,
	}
	for _, stmt := range legacyObjects {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	rebuild := `
		CREATE TABLE entities_v2 (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT    NOT NULL UNIQUE,
			entity_type TEXT    NOT NULL,
			created_at  TEXT    NOT NULL DEFAULT (datetime('now')),
			updated_at  TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		INSERT INTO entities_v2 (id, name, entity_type, created_at, updated_at)
		SELECT id, name, entity_type, created_at, updated_at FROM entities;

		CREATE TABLE observations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id  INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			content    TEXT    NOT NULL,
			created_at TEXT    NOT NULL DEFAULT (datetime('now'))
		);
	`
	if _, err := tx.Exec(rebuild); err != nil {
		return err
	}

	// Explode the JSON arrays row by row so array order maps onto ascending
	// observation ids.
	rows, err := tx.Query(`SELECT id, observations, created_at FROM entities ORDER BY id`)
	if err != nil {
		return err
	}
	type legacyRow struct {
		id        int64
		obs       []string
		createdAt string
	}
	var legacy []legacyRow
	for rows.Next() {
		var lr legacyRow
		var raw string
		if err := rows.Scan(&lr.id, &raw, &lr.createdAt); err != nil {
			rows.Close()
			return err
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &lr.obs); err != nil {
				rows.Close()
				return fmt.Errorf("entity %d: bad observations array: %w", lr.id, err)
			}
		}
		legacy = append(legacy, lr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, lr := range legacy {
		for _, content := range lr.obs {
			if _, err := tx.Exec(
				`INSERT INTO observations (entity_id, content, created_at) VALUES (?, ?, ?)`,
				lr.id, content, lr.createdAt,
			); err != nil {
				return err
			}
		}
	}

	// Relations: version 1 keyed edges by entity name.
	relations := `
		CREATE TABLE relations_v2 (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			from_entity   INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			to_entity     INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			relation_type TEXT    NOT NULL,
			created_at    TEXT    NOT NULL DEFAULT (datetime('now')),
			updated_at    TEXT    NOT NULL DEFAULT (datetime('now')),
			UNIQUE(from_entity, to_entity, relation_type)
		);

		INSERT OR IGNORE INTO relations_v2 (from_entity, to_entity, relation_type, created_at, updated_at)
		SELECT ef.id, et.id, r.relation_type, r.created_at, r.updated_at
		FROM relations r
		JOIN entities ef ON ef.name = r.from_entity
		JOIN entities et ON et.name = r.to_entity;

		DROP TABLE relations;
		ALTER TABLE relations_v2 RENAME TO relations;

		DROP TABLE entities;
		ALTER TABLE entities_v2 RENAME TO entities;
	`
	if _, err := tx.Exec(relations); err != nil {
		return err
	}

	if _, err := tx.Exec(schemaV2); err != nil {
		return err
	}
	if _, err := tx.Exec(ftsTriggers); err != nil {
		return err
	}

	// Backfill the rebuilt FTS indices from the migrated rows.
	backfill := `
		INSERT INTO entities_fts(rowid, name, entity_type)
		SELECT id, name, entity_type FROM entities;

		INSERT INTO observations_fts(rowid, content)
		SELECT id, content FROM observations;
	`
	if _, err := tx.Exec(backfill); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM schema_metadata`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_metadata (version, description) VALUES (?, ?)`,
		SchemaVersion, "migrated observations column to observations table",
	); err != nil {
		return err
	}

	return tx.Commit()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
