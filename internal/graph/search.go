package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/kgraph-dev/kgraph/internal/embed"
	"github.com/kgraph-dev/kgraph/internal/storage"
	"github.com/kgraph-dev/kgraph/internal/vector"
)

// ComponentScores carries the two fusion contributions of a hybrid hit.
type ComponentScores struct {
	Lexical  float64 `json:"lexical"`
	Semantic float64 `json:"semantic"`
}

// SearchEntity is one ranked hit with its payload. Observations come
// matches-first for lexical results.
type SearchEntity struct {
	Name               string           `json:"name"`
	EntityType         string           `json:"entity_type"`
	Observations       []string         `json:"observations"`
	ObservationMatches int              `json:"observation_matches"`
	Score              float64          `json:"score"`
	ComponentScores    *ComponentScores `json:"component_scores,omitempty"`
}

// SearchResult is the shaped result of the three search tools.
type SearchResult struct {
	Entities []SearchEntity `json:"entities"`
	Warning  string         `json:"warning,omitempty"`
}

// SearchNodes is lexical search over the two FTS streams.
func (a *API) SearchNodes(ctx context.Context, query string, k int) (*SearchResult, *Error) {
	if k <= 0 {
		k = a.defaults.K
	}
	hits, err := a.store.SearchLexical(query, k)
	if err != nil {
		return nil, wrap(err)
	}
	result := &SearchResult{Entities: make([]SearchEntity, 0, len(hits))}
	for _, h := range hits {
		result.Entities = append(result.Entities, SearchEntity{
			Name:               h.Entity.Name,
			EntityType:         h.Entity.EntityType,
			Observations:       orEmpty(h.Observations),
			ObservationMatches: h.ObservationHits,
			Score:              h.Score,
		})
	}
	return result, nil
}

// SearchSemantic embeds the query with the current provider and ranks
// entities by cosine similarity of their stored vectors under that model.
func (a *API) SearchSemantic(ctx context.Context, query string, k int, threshold float64) (*SearchResult, *Error) {
	if k <= 0 {
		k = a.defaults.K
	}
	hits, err := a.semanticMatches(ctx, query, k, threshold)
	if err != nil {
		return nil, wrap(err)
	}
	result := &SearchResult{Entities: make([]SearchEntity, 0, len(hits))}
	for _, h := range hits {
		se, err := a.hydrate(h.EntityID, h.Similarity)
		if err != nil {
			// Embedding rows can outlive their entity between the scan and
			// hydration only across separate calls; skip the orphan.
			continue
		}
		result.Entities = append(result.Entities, *se)
	}
	return result, nil
}

// SearchHybrid fuses lexical and semantic rankings. Both sides run at depth
// 2k, each side's scores are normalized to [0,1] by its own max, and the
// fused score is weight × semantic + (1−weight) × lexical; an entity absent
// from one side contributes 0 for it. When the semantic side fails the
// result degrades to lexical-only with a warning.
func (a *API) SearchHybrid(ctx context.Context, query string, k int, vectorWeight float64) (*SearchResult, *Error) {
	if k <= 0 {
		k = a.defaults.K
	}
	if vectorWeight < 0 || vectorWeight > 1 {
		return nil, Invalid("vector_weight", "must be between 0 and 1")
	}
	depth := 2 * k

	lexical, err := a.store.SearchLexical(query, depth)
	if err != nil {
		return nil, wrap(err)
	}

	var warning string
	var semantic []vector.Match
	semantic, semErr := a.semanticMatches(ctx, query, depth, 0)
	if semErr != nil {
		warning = fmt.Sprintf("semantic search unavailable, lexical only: %v", semErr)
		semantic = nil
	}

	type fused struct {
		entityID int64
		lex      *storage.LexicalResult
		lexNorm  float64
		semNorm  float64
	}
	byID := map[int64]*fused{}

	var lexMax float64
	for _, h := range lexical {
		if h.Score > lexMax {
			lexMax = h.Score
		}
	}
	for i := range lexical {
		h := &lexical[i]
		f := &fused{entityID: h.Entity.ID, lex: h}
		if lexMax > 0 {
			f.lexNorm = h.Score / lexMax
		}
		byID[h.Entity.ID] = f
	}

	var semMax float64
	for _, m := range semantic {
		if m.Similarity > semMax {
			semMax = m.Similarity
		}
	}
	for _, m := range semantic {
		f, ok := byID[m.EntityID]
		if !ok {
			f = &fused{entityID: m.EntityID}
			byID[m.EntityID] = f
		}
		if semMax > 0 {
			f.semNorm = m.Similarity / semMax
		}
	}

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	score := func(f *fused) float64 {
		return vectorWeight*f.semNorm + (1-vectorWeight)*f.lexNorm
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := score(all[i]), score(all[j])
		if si != sj {
			return si > sj
		}
		return all[i].entityID < all[j].entityID
	})
	if len(all) > k {
		all = all[:k]
	}

	result := &SearchResult{Entities: make([]SearchEntity, 0, len(all)), Warning: warning}
	for _, f := range all {
		var se *SearchEntity
		if f.lex != nil {
			se = &SearchEntity{
				Name:               f.lex.Entity.Name,
				EntityType:         f.lex.Entity.EntityType,
				Observations:       orEmpty(f.lex.Observations),
				ObservationMatches: f.lex.ObservationHits,
			}
		} else {
			var err error
			se, err = a.hydrate(f.entityID, 0)
			if err != nil {
				continue
			}
		}
		se.Score = score(f)
		se.ComponentScores = &ComponentScores{Lexical: f.lexNorm, Semantic: f.semNorm}
		result.Entities = append(result.Entities, *se)
	}
	return result, nil
}

// GenerateResult reports an embedding generation pass.
type GenerateResult struct {
	Model     string `json:"model"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
}

// GenerateEmbeddings embeds the selected entities — all of them when names
// is empty — under the current provider's model. Entities already embedded
// for that model are skipped unless force is set. The embedding source text
// is the entity name joined with its observations.
func (a *API) GenerateEmbeddings(ctx context.Context, names []string, force bool, batchSize int) (*GenerateResult, *Error) {
	if batchSize <= 0 {
		batchSize = a.defaults.BatchSize
	}
	provider := a.registry.Current()
	model := provider.ModelName()
	result := &GenerateResult{Model: model}

	var entities []storage.Entity
	if len(names) == 0 {
		all, err := a.store.ListEntities()
		if err != nil {
			return nil, wrap(err)
		}
		entities = all
	} else {
		ids, missing, err := a.store.ResolveNames(names)
		if err != nil {
			return nil, wrap(err)
		}
		if len(missing) > 0 {
			return nil, MissingEntities(missing)
		}
		for _, name := range names {
			if id, ok := ids[name]; ok {
				e, err := a.store.GetEntityByID(id)
				if err != nil {
					return nil, wrap(err)
				}
				entities = append(entities, *e)
			}
		}
	}

	var pending []storage.Entity
	for _, e := range entities {
		if !force {
			exists, err := a.vectors.Exists(e.ID, model)
			if err != nil {
				return nil, wrap(err)
			}
			if exists {
				result.Skipped++
				continue
			}
		}
		pending = append(pending, e)
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, 0, len(batch))
		for _, e := range batch {
			text, err := a.embeddingText(e)
			if err != nil {
				return nil, wrap(err)
			}
			texts = append(texts, text)
		}

		vecs, err := provider.BatchGenerate(ctx, texts)
		if err != nil {
			return nil, wrap(err)
		}
		rows := make([]vector.Row, 0, len(batch))
		for i, e := range batch {
			rows = append(rows, vector.Row{EntityID: e.ID, Model: model, Vector: vecs[i]})
		}
		if err := a.vectors.BatchPut(rows); err != nil {
			return nil, wrap(err)
		}
		result.Generated += len(batch)
	}

	if result.Generated > 0 {
		if err := a.store.Checkpoint(); err != nil {
			return nil, wrap(err)
		}
	}
	return result, nil
}

// ConfigureResult reports the provider now current.
type ConfigureResult struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// ConfigureEmbeddings replaces the registry's current provider. In-flight
// generate calls complete against the old one.
func (a *API) ConfigureEmbeddings(ctx context.Context, providerName, model, apiKey string) (*ConfigureResult, *Error) {
	p, err := a.registry.Configure(embed.Config{
		Provider: providerName,
		Model:    model,
		APIKey:   apiKey,
	})
	if err != nil {
		return nil, Invalid("provider", err.Error())
	}
	return &ConfigureResult{
		Provider:   providerName,
		Model:      p.ModelName(),
		Dimensions: p.Dimensions(),
	}, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *API) semanticMatches(ctx context.Context, query string, k int, threshold float64) ([]vector.Match, error) {
	provider := a.registry.Current()
	qvec, err := provider.Generate(ctx, query)
	if err != nil {
		return nil, err
	}
	return a.vectors.Search(qvec, k, threshold, provider.ModelName())
}

func (a *API) hydrate(entityID int64, score float64) (*SearchEntity, error) {
	e, err := a.store.GetEntityByID(entityID)
	if err != nil {
		return nil, err
	}
	obs, err := a.store.ObservationsFor(entityID)
	if err != nil {
		return nil, err
	}
	return &SearchEntity{
		Name:         e.Name,
		EntityType:   e.EntityType,
		Observations: orEmpty(obs),
		Score:        score,
	}, nil
}

func (a *API) embeddingText(e storage.Entity) (string, error) {
	obs, err := a.store.ObservationsFor(e.ID)
	if err != nil {
		return "", err
	}
	text := e.Name
	for _, o := range obs {
		text += "\n" + o
	}
	return text, nil
}

func orEmpty(obs []string) []string {
	if obs == nil {
		return []string{}
	}
	return obs
}
