package kernel

import (
	"testing"

	"gluegate/internal/identity"
)

func testContext() Context {
	return Context{ID: "ctx-1", CtxRef: "head-1"}
}

func TestBuildCoverNormalizesAndOrders(t *testing.T) {
	strategy := CoverStrategy{
		Name: "by-worker",
		Parts: []PartSpec{
			{Name: "  zeta ", Selector: []byte("z")},
			{Name: "alpha", Selector: []byte("a")},
		},
	}
	cover, err := BuildCover(testContext(), strategy)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}
	if len(cover.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(cover.Parts))
	}
	if cover.Parts[0].ID != "alpha" || cover.Parts[1].ID != "zeta" {
		t.Fatalf("parts not ordered: %v", cover.PartIDs())
	}
	if !identity.IsDigest(cover.ID) {
		t.Fatalf("cover id not a digest: %q", cover.ID)
	}
	if _, ok := cover.Part("zeta"); !ok {
		t.Fatal("normalized part not indexed")
	}
}

func TestBuildCoverDeterministicAcrossPartOrder(t *testing.T) {
	a := CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "A", Selector: []byte("1")}, {Name: "B", Selector: []byte("2")}}}
	b := CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "B", Selector: []byte("2")}, {Name: "A", Selector: []byte("1")}}}

	ca, err := BuildCover(testContext(), a)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}
	cb, err := BuildCover(testContext(), b)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}
	if ca.ID != cb.ID {
		t.Fatalf("cover id depends on proposal order: %s vs %s", ca.ID, cb.ID)
	}
}

func TestBuildCoverRejections(t *testing.T) {
	cases := []struct {
		name     string
		ctx      Context
		strategy CoverStrategy
	}{
		{name: "no_ctx_ref", ctx: Context{ID: "ctx-1"}, strategy: CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "A"}}}},
		{name: "no_strategy_name", ctx: testContext(), strategy: CoverStrategy{Parts: []PartSpec{{Name: "A"}}}},
		{name: "no_parts", ctx: testContext(), strategy: CoverStrategy{Name: "s"}},
		{name: "bad_name", ctx: testContext(), strategy: CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "bad name!"}}}},
		{name: "empty_name", ctx: testContext(), strategy: CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "   "}}}},
		{name: "duplicate", ctx: testContext(), strategy: CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "A"}, {Name: " A "}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildCover(tc.ctx, tc.strategy); err == nil {
				t.Fatal("BuildCover accepted invalid input")
			}
		})
	}
}

func TestEnumerateOverlapsPairwiseOrder(t *testing.T) {
	strategy := CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "C"}, {Name: "A"}, {Name: "B"}}}
	cover, err := BuildCover(testContext(), strategy)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}

	obs, err := EnumerateOverlaps(cover, OverlapPairwise)
	if err != nil {
		t.Fatalf("EnumerateOverlaps: %v", err)
	}
	wantTuples := [][]CoverPartID{{"A", "B"}, {"A", "C"}, {"B", "C"}}
	if len(obs) != len(wantTuples) {
		t.Fatalf("obligations = %d, want %d", len(obs), len(wantTuples))
	}
	for i, want := range wantTuples {
		if obs[i].Arity != 2 {
			t.Fatalf("obs[%d].Arity = %d", i, obs[i].Arity)
		}
		for j, p := range want {
			if obs[i].Parts[j] != p {
				t.Fatalf("obs[%d].Parts = %v, want %v", i, obs[i].Parts, want)
			}
		}
		if !identity.IsDigest(string(obs[i].ID)) {
			t.Fatalf("obs[%d].ID not a digest", i)
		}
	}
}

func TestEnumerateOverlapsHigherCechAddsTriples(t *testing.T) {
	strategy := CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}}}
	cover, err := BuildCover(testContext(), strategy)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}

	obs, err := EnumerateOverlaps(cover, OverlapHigherCech)
	if err != nil {
		t.Fatalf("EnumerateOverlaps: %v", err)
	}
	// 3 pairs + 1 triple, arity ascending.
	if len(obs) != 4 {
		t.Fatalf("obligations = %d, want 4", len(obs))
	}
	for i := 0; i < 3; i++ {
		if obs[i].Arity != 2 {
			t.Fatalf("obs[%d].Arity = %d, want 2", i, obs[i].Arity)
		}
	}
	if obs[3].Arity != 3 {
		t.Fatalf("obs[3].Arity = %d, want 3", obs[3].Arity)
	}
}

func TestNewDescentCoreValidation(t *testing.T) {
	cover, err := BuildCover(testContext(), CoverStrategy{Name: "s", Parts: []PartSpec{{Name: "A"}}})
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}
	mode := identity.Mode{NormalizerID: "n", PolicyDigest: "dg1:p"}

	t.Run("foreign_local", func(t *testing.T) {
		_, err := NewDescentCore(cover, map[CoverPartID]LocalState{"X": {}}, nil, mode, OverlapPairwise)
		if err == nil {
			t.Fatal("accepted local for part outside cover")
		}
	})
	t.Run("duplicate_witness", func(t *testing.T) {
		ws := []CompatWitness{{Overlap: "o1"}, {Overlap: "o1"}}
		_, err := NewDescentCore(cover, nil, ws, mode, OverlapPairwise)
		if err == nil {
			t.Fatal("accepted duplicate compat witness")
		}
	})
	t.Run("bad_level", func(t *testing.T) {
		_, err := NewDescentCore(cover, nil, nil, mode, OverlapLevel("triple"))
		if err == nil {
			t.Fatal("accepted unknown overlap level")
		}
	})
	t.Run("compat_sorted", func(t *testing.T) {
		ws := []CompatWitness{{Overlap: "o2"}, {Overlap: "o1"}}
		core, err := NewDescentCore(cover, nil, ws, mode, OverlapPairwise)
		if err != nil {
			t.Fatalf("NewDescentCore: %v", err)
		}
		if core.Compat[0].Overlap != "o1" {
			t.Fatalf("compat not sorted: %v", core.Compat)
		}
		if _, ok := core.Witness("o2"); !ok {
			t.Fatal("Witness lookup failed")
		}
	})
}
