package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kgraph-dev/kgraph/internal/embed"
	"github.com/kgraph-dev/kgraph/internal/storage"
	"github.com/kgraph-dev/kgraph/internal/vector"
)

// newTestAPI builds the tool layer over a temp database, returning the
// registry so tests can install stub providers.
func newTestAPI(t *testing.T) (*API, *embed.Registry) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "knowledge_graph.db")})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := embed.NewRegistry()
	api := New(store, vector.New(store.DB()), registry, DefaultDefaults())
	return api, registry
}

var ctx = context.Background()

// ─── create_entities ─────────────────────────────────────────────────────────

func TestCreateEntities_CreateReadDelete(t *testing.T) {
	api, _ := newTestAPI(t)

	result, gerr := api.CreateEntities(ctx, []EntitySpec{
		{Name: "Ada", EntityType: "person", Observations: []string{"wrote first program"}},
	})
	if gerr != nil {
		t.Fatalf("CreateEntities: %v", gerr)
	}
	if result.Created != 1 || len(result.Skipped) != 0 {
		t.Errorf("result = %+v, want created 1, no skips", result)
	}

	g, gerr := api.ReadGraph(ctx)
	if gerr != nil {
		t.Fatalf("ReadGraph: %v", gerr)
	}
	if len(g.Entities) != 1 || len(g.Relations) != 0 {
		t.Fatalf("graph = %+v", g)
	}
	e := g.Entities[0]
	if e.Name != "Ada" || e.EntityType != "person" {
		t.Errorf("entity = %+v", e)
	}
	if len(e.Observations) != 1 || e.Observations[0] != "wrote first program" {
		t.Errorf("observations = %v", e.Observations)
	}

	del, gerr := api.DeleteEntities(ctx, []string{"Ada"})
	if gerr != nil {
		t.Fatalf("DeleteEntities: %v", gerr)
	}
	if del.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", del.Deleted)
	}

	g, _ = api.ReadGraph(ctx)
	if len(g.Entities) != 0 || len(g.Relations) != 0 {
		t.Errorf("graph after delete = %+v", g)
	}
}

func TestCreateEntities_SkipAndReport(t *testing.T) {
	api, _ := newTestAPI(t)

	_, _ = api.CreateEntities(ctx, []EntitySpec{
		{Name: "Ada", EntityType: "person", Observations: []string{"original"}},
	})
	result, gerr := api.CreateEntities(ctx, []EntitySpec{
		{Name: "Ada", EntityType: "robot", Observations: []string{"imposter"}},
		{Name: "Babbage", EntityType: "person"},
	})
	if gerr != nil {
		t.Fatalf("CreateEntities: %v", gerr)
	}
	if result.Created != 1 {
		t.Errorf("created = %d, want 1", result.Created)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "Ada" {
		t.Errorf("skipped = %v, want [Ada]", result.Skipped)
	}

	// The collision neither updates the type nor appends observations.
	g, _ := api.ReadGraph(ctx)
	for _, e := range g.Entities {
		if e.Name == "Ada" {
			if e.EntityType != "person" {
				t.Errorf("skipped entity was updated: %+v", e)
			}
			if len(e.Observations) != 1 || e.Observations[0] != "original" {
				t.Errorf("skipped entity gained observations: %v", e.Observations)
			}
		}
	}
}

func TestCreateEntities_Validation(t *testing.T) {
	api, _ := newTestAPI(t)

	tests := []struct {
		name  string
		specs []EntitySpec
		field string
	}{
		{"empty batch", nil, "entities"},
		{"missing name", []EntitySpec{{EntityType: "t"}}, "name"},
		{"missing type", []EntitySpec{{Name: "x"}}, "entity_type"},
		{"empty observation", []EntitySpec{{Name: "x", EntityType: "t", Observations: []string{""}}}, "observations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, gerr := api.CreateEntities(ctx, tt.specs)
			if gerr == nil || gerr.Kind != KindInvalid {
				t.Fatalf("gerr = %+v, want Invalid", gerr)
			}
			if gerr.Field != tt.field {
				t.Errorf("field = %s, want %s", gerr.Field, tt.field)
			}
		})
	}
}

// ─── create_relations ────────────────────────────────────────────────────────

func TestCreateRelations_MissingEntitiesFailsAtomically(t *testing.T) {
	api, _ := newTestAPI(t)

	_, gerr := api.CreateRelations(ctx,
		[]RelationSpec{{From: "Ada", To: "Babbage", RelationType: "inspired"}},
		[]string{"Ada", "Babbage"},
	)
	if gerr == nil || gerr.Kind != KindMissingEntities {
		t.Fatalf("gerr = %+v, want MissingEntities", gerr)
	}
	if len(gerr.Names) != 2 || gerr.Names[0] != "Ada" || gerr.Names[1] != "Babbage" {
		t.Errorf("names = %v, want [Ada Babbage]", gerr.Names)
	}

	// No side effects: the store stays empty.
	g, _ := api.ReadGraph(ctx)
	if len(g.Entities) != 0 || len(g.Relations) != 0 {
		t.Errorf("graph after failed call = %+v", g)
	}
}

func TestCreateRelations_UndeclaredEndpointIsInvalid(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{
		{Name: "Ada", EntityType: "person"},
		{Name: "Babbage", EntityType: "person"},
	})

	_, gerr := api.CreateRelations(ctx,
		[]RelationSpec{{From: "Ada", To: "Babbage", RelationType: "knows"}},
		[]string{"Ada"},
	)
	if gerr == nil || gerr.Kind != KindInvalid {
		t.Errorf("gerr = %+v, want Invalid for undeclared endpoint", gerr)
	}

	_, gerr = api.CreateRelations(ctx,
		[]RelationSpec{{From: "Ada", To: "Babbage", RelationType: "knows"}},
		nil,
	)
	if gerr == nil || gerr.Kind != KindInvalid {
		t.Errorf("gerr = %+v, want Invalid for absent external_refs", gerr)
	}
}

func TestCreateRelations_DuplicateIsNoOp(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{
		{Name: "Ada", EntityType: "person"},
		{Name: "Babbage", EntityType: "person"},
	})

	refs := []string{"Ada", "Babbage"}
	rel := []RelationSpec{{From: "Ada", To: "Babbage", RelationType: "collaborated_with"}}

	for i := 0; i < 2; i++ {
		if _, gerr := api.CreateRelations(ctx, rel, refs); gerr != nil {
			t.Fatalf("call %d: %v", i+1, gerr)
		}
	}

	stats, _ := api.GetStats(ctx)
	if stats.RelationCount != 1 {
		t.Errorf("relation count = %d, want 1", stats.RelationCount)
	}
}

// ─── add_observations ────────────────────────────────────────────────────────

func TestAddObservations_CrossCallVisibility(t *testing.T) {
	api, _ := newTestAPI(t)

	if _, gerr := api.CreateEntities(ctx, []EntitySpec{{Name: "X", EntityType: "t"}}); gerr != nil {
		t.Fatalf("CreateEntities: %v", gerr)
	}

	// Immediately following call must see the entity.
	result, gerr := api.AddObservations(ctx, "X", []string{"o1"}, []string{"X"})
	if gerr != nil {
		t.Fatalf("AddObservations right after create: %v", gerr)
	}
	if result.Added != 1 {
		t.Errorf("added = %d", result.Added)
	}

	g, _ := api.ReadGraph(ctx)
	if len(g.Entities) != 1 || len(g.Entities[0].Observations) != 1 || g.Entities[0].Observations[0] != "o1" {
		t.Errorf("graph = %+v", g)
	}
}

func TestAddObservations_RefsMustIncludeTarget(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{{Name: "X", EntityType: "t"}})

	_, gerr := api.AddObservations(ctx, "X", []string{"o1"}, []string{"Y"})
	if gerr == nil || gerr.Kind != KindInvalid {
		t.Errorf("gerr = %+v, want Invalid", gerr)
	}
}

func TestAddObservations_MissingEntity(t *testing.T) {
	api, _ := newTestAPI(t)

	_, gerr := api.AddObservations(ctx, "ghost", []string{"o1"}, []string{"ghost"})
	if gerr == nil || gerr.Kind != KindMissingEntities {
		t.Errorf("gerr = %+v, want MissingEntities", gerr)
	}
}

// ─── create_subgraph ─────────────────────────────────────────────────────────

func TestCreateSubgraph_Atomic(t *testing.T) {
	api, _ := newTestAPI(t)

	result, gerr := api.CreateSubgraph(ctx,
		[]EntitySpec{
			{Name: "Ada", EntityType: "person"},
			{Name: "Babbage", EntityType: "person"},
		},
		[]RelationSpec{{From: "Ada", To: "Babbage", RelationType: "collaborated_with"}},
		nil,
	)
	if gerr != nil {
		t.Fatalf("CreateSubgraph: %v", gerr)
	}
	if result.EntitiesCreated != 2 || result.RelationsCreated != 1 {
		t.Errorf("result = %+v", result)
	}

	g, _ := api.ReadGraph(ctx)
	if len(g.Entities) != 2 || len(g.Relations) != 1 {
		t.Errorf("graph = %+v", g)
	}
}

func TestCreateSubgraph_RollsBackOnMissingExternal(t *testing.T) {
	api, _ := newTestAPI(t)

	_, gerr := api.CreateSubgraph(ctx,
		[]EntitySpec{{Name: "Ada", EntityType: "person"}},
		[]RelationSpec{{From: "Ada", To: "ghost", RelationType: "haunts"}},
		nil,
	)
	if gerr == nil || gerr.Kind != KindMissingEntities {
		t.Fatalf("gerr = %+v, want MissingEntities", gerr)
	}
	if len(gerr.Names) != 1 || gerr.Names[0] != "ghost" {
		t.Errorf("names = %v", gerr.Names)
	}

	g, _ := api.ReadGraph(ctx)
	if len(g.Entities) != 0 {
		t.Errorf("entity creation survived rollback: %+v", g.Entities)
	}
}

func TestCreateSubgraph_RollsBackOnDuplicateEntity(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{{Name: "Ada", EntityType: "person"}})

	_, gerr := api.CreateSubgraph(ctx,
		[]EntitySpec{
			{Name: "Turing", EntityType: "person"},
			{Name: "Ada", EntityType: "person"},
		},
		nil, nil,
	)
	if gerr == nil || gerr.Kind != KindAlreadyExists {
		t.Fatalf("gerr = %+v, want AlreadyExists", gerr)
	}

	g, _ := api.ReadGraph(ctx)
	if len(g.Entities) != 1 {
		t.Errorf("partial subgraph committed: %+v", g.Entities)
	}
}

func TestCreateSubgraph_ObservationsForExisting(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{{Name: "Ada", EntityType: "person"}})

	result, gerr := api.CreateSubgraph(ctx,
		[]EntitySpec{{Name: "engine", EntityType: "machine"}},
		[]RelationSpec{{From: "Ada", To: "engine", RelationType: "programmed"}},
		[]ObservationsSpec{{EntityName: "Ada", Observations: []string{"wrote notes on the engine"}}},
	)
	if gerr != nil {
		t.Fatalf("CreateSubgraph: %v", gerr)
	}
	if result.ObservationsAdded != 1 {
		t.Errorf("observations added = %d", result.ObservationsAdded)
	}
}

// ─── deletes ─────────────────────────────────────────────────────────────────

func TestDeleteEntities_TwiceReportsZero(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateEntities(ctx, []EntitySpec{{Name: "Ada", EntityType: "person"}})

	first, _ := api.DeleteEntities(ctx, []string{"Ada"})
	second, gerr := api.DeleteEntities(ctx, []string{"Ada"})
	if gerr != nil {
		t.Fatalf("second delete: %v", gerr)
	}
	if first.Deleted != 1 || second.Deleted != 0 {
		t.Errorf("deleted = %d then %d, want 1 then 0", first.Deleted, second.Deleted)
	}
}

func TestDeleteRelations_Idempotent(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.CreateSubgraph(ctx,
		[]EntitySpec{{Name: "a", EntityType: "t"}, {Name: "b", EntityType: "t"}},
		[]RelationSpec{{From: "a", To: "b", RelationType: "r"}},
		nil,
	)

	rel := []RelationSpec{{From: "a", To: "b", RelationType: "r"}}
	first, _ := api.DeleteRelations(ctx, rel)
	second, gerr := api.DeleteRelations(ctx, rel)
	if gerr != nil {
		t.Fatalf("second delete: %v", gerr)
	}
	if first.Deleted != 1 || second.Deleted != 0 {
		t.Errorf("deleted = %d then %d", first.Deleted, second.Deleted)
	}
}
