package storage

import (
	"fmt"
	"sort"
	"strings"
)

// LexicalResult is one ranked entity from full-text search. Observations are
// reordered so that matching ones come first; created order is preserved
// within each group.
type LexicalResult struct {
	Entity           Entity
	Score            float64
	ObservationHits  int
	Observations     []string
	MatchedSet       map[int64]bool
	NameScore        float64
	ObservationScore float64
}

// SearchLexical ranks entities against the two FTS streams. Query tokens are
// OR-joined: a document matching any token is a candidate. An AND default
// was observed to return nothing for natural multi-word queries and push
// callers into creating duplicate entities.
//
// Per-entity score = 2 × best name/type match + Σ observation matches, each
// converted from raw BM25 (lower is better) to positive relevance by
// negation. The 2× name weight keeps exact-name hits above observation-only
// hits.
func (s *Store) SearchLexical(query string, k int) ([]LexicalResult, error) {
	if k <= 0 {
		k = 10
	}
	ftsQuery := orQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	type acc struct {
		nameScore float64
		obsScore  float64
		obsHits   int
		matched   map[int64]bool
	}
	scores := map[int64]*acc{}
	get := func(id int64) *acc {
		a, ok := scores[id]
		if !ok {
			a = &acc{matched: map[int64]bool{}}
			scores[id] = a
		}
		return a
	}

	// Name/type stream. bm25() needs the FTS table itself and an inner join;
	// it misbehaves under LEFT JOIN, which is why matches are marked by
	// joining the FTS rowid rather than outer-joining a scored column.
	nameRows, err := s.db.Query(
		`SELECT entities_fts.rowid, -bm25(entities_fts)
		 FROM entities_fts
		 WHERE entities_fts MATCH ?`,
		ftsQuery,
	)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	for nameRows.Next() {
		var id int64
		var rel float64
		if err := nameRows.Scan(&id, &rel); err != nil {
			nameRows.Close()
			return nil, err
		}
		a := get(id)
		if rel > a.nameScore {
			a.nameScore = rel
		}
	}
	nameRows.Close()
	if err := nameRows.Err(); err != nil {
		return nil, err
	}

	// Observation stream.
	obsRows, err := s.db.Query(
		`SELECT o.entity_id, o.id, -bm25(observations_fts)
		 FROM observations_fts
		 JOIN observations o ON o.id = observations_fts.rowid
		 WHERE observations_fts MATCH ?`,
		ftsQuery,
	)
	if err != nil {
		return nil, fmt.Errorf("search observations: %w", err)
	}
	for obsRows.Next() {
		var entityID, obsID int64
		var rel float64
		if err := obsRows.Scan(&entityID, &obsID, &rel); err != nil {
			obsRows.Close()
			return nil, err
		}
		a := get(entityID)
		a.obsScore += rel
		a.obsHits++
		a.matched[obsID] = true
	}
	obsRows.Close()
	if err := obsRows.Err(); err != nil {
		return nil, err
	}

	results := make([]LexicalResult, 0, len(scores))
	for id, a := range scores {
		var e Entity
		err := s.db.QueryRow(
			`SELECT id, name, entity_type, created_at, updated_at FROM entities WHERE id = ?`, id,
		).Scan(&e.ID, &e.Name, &e.EntityType, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			// FTS can briefly outlive a deleted row between statements.
			continue
		}
		results = append(results, LexicalResult{
			Entity:           e,
			Score:            2*a.nameScore + a.obsScore,
			ObservationHits:  a.obsHits,
			MatchedSet:       a.matched,
			NameScore:        a.nameScore,
			ObservationScore: a.obsScore,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entity.Name < results[j].Entity.Name
	})
	if len(results) > k {
		results = results[:k]
	}

	// Hydrate observations matches-first. Entities with large observation
	// lists stay usable only because the hits surface at the top.
	for i := range results {
		ordered, err := s.observationsMatchedFirst(results[i].Entity.ID, results[i].MatchedSet)
		if err != nil {
			return nil, err
		}
		results[i].Observations = ordered
	}
	return results, nil
}

// observationsMatchedFirst returns the entity's observations with members of
// matched first, preserving created order inside both groups.
func (s *Store) observationsMatchedFirst(entityID int64, matched map[int64]bool) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id, content FROM observations WHERE entity_id = ? ORDER BY created_at ASC, id ASC`,
		entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits, rest []string
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		if matched[id] {
			hits = append(hits, content)
		} else {
			rest = append(rest, content)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return append(hits, rest...), nil
}

// orQuery turns free text into an OR-joined FTS5 match expression with each
// token quoted. "fix auth bug" → `"fix" OR "auth" OR "bug"`.
func orQuery(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, `"`)
		if w == "" {
			continue
		}
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}
