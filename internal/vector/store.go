// Package vector persists per-(entity, model) embedding rows and serves
// cosine k-NN retrieval over them.
//
// Retrieval is a full scan filtered by model name. That is fine to roughly
// 10⁴ entities; the interface matches an ANN backend so the scan can be
// swapped out without touching callers.
package vector

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Store runs against the storage engine's connection; its writes use their
// own transactions on the shared database file.
type Store struct {
	db *sql.DB
}

// New binds a vector store to the shared database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Match is one k-NN hit.
type Match struct {
	EntityID   int64
	Similarity float64
}

// Row is one embedding row for batch writes.
type Row struct {
	EntityID int64
	Model    string
	Vector   []float32
}

// Put upserts the embedding for (entityID, model). Dimensions are derived
// from the vector length. Regeneration replaces the row; vectors are never
// mutated in place.
func (s *Store) Put(entityID int64, model string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector: empty embedding for entity %d", entityID)
	}
	_, err := s.db.Exec(
		`INSERT INTO embeddings (entity_id, model_name, dimensions, embedding)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id, model_name) DO UPDATE SET
			dimensions = excluded.dimensions,
			embedding  = excluded.embedding,
			created_at = datetime('now')`,
		entityID, model, len(vec), encode(vec),
	)
	return err
}

// BatchPut writes the whole batch in one transaction.
func (s *Store) BatchPut(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		`INSERT INTO embeddings (entity_id, model_name, dimensions, embedding)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_id, model_name) DO UPDATE SET
			dimensions = excluded.dimensions,
			embedding  = excluded.embedding,
			created_at = datetime('now')`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if len(r.Vector) == 0 {
			return fmt.Errorf("vector: empty embedding for entity %d", r.EntityID)
		}
		if _, err := stmt.Exec(r.EntityID, r.Model, len(r.Vector), encode(r.Vector)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the stored vector for the entity. With model empty, it returns
// the first embedding by model name so single-model callers stay stable.
func (s *Store) Get(entityID int64, model string) ([]float32, error) {
	var blob []byte
	var dims int
	var err error
	if model == "" {
		err = s.db.QueryRow(
			`SELECT embedding, dimensions FROM embeddings
			 WHERE entity_id = ? ORDER BY model_name LIMIT 1`,
			entityID,
		).Scan(&blob, &dims)
	} else {
		err = s.db.QueryRow(
			`SELECT embedding, dimensions FROM embeddings
			 WHERE entity_id = ? AND model_name = ?`,
			entityID, model,
		).Scan(&blob, &dims)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vec := decode(blob)
	if len(vec) != dims {
		return nil, fmt.Errorf("vector: entity %d: stored length %d does not match dimensions %d",
			entityID, len(vec), dims)
	}
	return vec, nil
}

// Exists reports whether an embedding is stored for the entity, restricted
// to one model when given. Drives "skip already-embedded" in regeneration.
func (s *Store) Exists(entityID int64, model string) (bool, error) {
	var n int
	var err error
	if model == "" {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM embeddings WHERE entity_id = ?`, entityID,
		).Scan(&n)
	} else {
		err = s.db.QueryRow(
			`SELECT COUNT(*) FROM embeddings WHERE entity_id = ? AND model_name = ?`,
			entityID, model,
		).Scan(&n)
	}
	return n > 0, err
}

// Delete removes the entity's embedding for one model, or all of its
// embeddings when model is empty.
func (s *Store) Delete(entityID int64, model string) error {
	var err error
	if model == "" {
		_, err = s.db.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, entityID)
	} else {
		_, err = s.db.Exec(
			`DELETE FROM embeddings WHERE entity_id = ? AND model_name = ?`,
			entityID, model,
		)
	}
	return err
}

// Search scans embeddings for the model, keeps hits with similarity ≥
// threshold, and returns the top k by descending similarity. Reads are
// consistent within the one scan query.
func (s *Store) Search(query []float32, k int, threshold float64, model string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}

	var rows *sql.Rows
	var err error
	if model == "" {
		rows, err = s.db.Query(`SELECT entity_id, embedding FROM embeddings`)
	} else {
		rows, err = s.db.Query(
			`SELECT entity_id, embedding FROM embeddings WHERE model_name = ?`, model,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		sim := CosineSimilarity(query, decode(blob))
		if sim >= threshold {
			matches = append(matches, Match{EntityID: id, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].EntityID < matches[j].EntityID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// CosineSimilarity is the inner product of the unit-normalized vectors,
// range −1…1. Either operand having norm 0 (or mismatched length) yields 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// encode serializes a vector as little-endian float32, the blob layout
// shared with sqlite-vec and libsql F32_BLOB columns.
func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decode(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
