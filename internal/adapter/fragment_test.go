package adapter

import (
	"errors"
	"testing"

	"gluegate/internal/identity"
	"gluegate/internal/kernel"
)

func testMode(t *testing.T) identity.Mode {
	t.Helper()
	pd, err := identity.PolicyDigest(identity.PolicyParams{
		NormalizerID:    NormalizerCanonical,
		OverlapLevel:    string(kernel.OverlapPairwise),
		EquivalenceMode: "canonical",
	})
	if err != nil {
		t.Fatalf("PolicyDigest: %v", err)
	}
	return identity.Mode{NormalizerID: NormalizerCanonical, PolicyDigest: pd}
}

func buildCover(t *testing.T, ctx kernel.Context, parts map[string][]string) *kernel.Cover {
	t.Helper()
	strategy := kernel.CoverStrategy{Name: "by-worker"}
	for name, keys := range parts {
		strategy.Parts = append(strategy.Parts, kernel.PartSpec{Name: name, Selector: NewSelector(keys...)})
	}
	cover, err := kernel.BuildCover(ctx, strategy)
	if err != nil {
		t.Fatalf("BuildCover: %v", err)
	}
	return cover
}

func projectAll(t *testing.T, ad kernel.Adapter, cover *kernel.Cover) map[kernel.CoverPartID]kernel.LocalState {
	t.Helper()
	locals := map[kernel.CoverPartID]kernel.LocalState{}
	for _, part := range cover.Parts {
		ls, err := ad.Project(cover.Context, part)
		if err != nil {
			t.Fatalf("Project(%s): %v", part.ID, err)
		}
		locals[part.ID] = ls
	}
	return locals
}

func TestTaskGraphProjectAndRestrictAgree(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	tg := NewTaskGraph("1")
	tg.AddSnapshot("head-1", map[string]string{
		"t1": "done",
		"t2": "open",
		"t3": "claimed",
	})
	cover := buildCover(t, ctx, map[string][]string{
		"A": {"t1", "t2"},
		"B": {"t2", "t3"},
	})
	locals := projectAll(t, tg, cover)

	proposal, err := NewProposal(map[string]string{"t1": "done", "t2": "open", "t3": "claimed"})
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	for _, part := range cover.Parts {
		restricted, err := tg.Restrict(proposal, part)
		if err != nil {
			t.Fatalf("Restrict(%s): %v", part.ID, err)
		}
		if restricted != locals[part.ID].Digest {
			t.Fatalf("restriction of consistent proposal disagrees with local on %s", part.ID)
		}
	}
}

func TestTaskGraphRejectsUnknownStatus(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	tg := NewTaskGraph("1")
	tg.AddSnapshot("head-1", map[string]string{"t1": "wibble"})
	cover := buildCover(t, ctx, map[string][]string{"A": {"t1"}})

	if _, err := tg.Project(ctx, cover.Parts[0]); err == nil {
		t.Fatal("Project accepted unknown task status")
	}
}

func TestLedgerRejectsNonIntegerBalance(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	l := NewLedger("1")
	l.AddSnapshot("head-1", map[string]string{"acct": "12.5"})
	cover := buildCover(t, ctx, map[string][]string{"A": {"acct"}})

	if _, err := l.Project(ctx, cover.Parts[0]); err == nil {
		t.Fatal("Project accepted non-integer balance")
	}
}

func TestProjectDriftRaisesContextDrift(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	tg := NewTaskGraph("1")
	tg.AddSnapshot("head-1", map[string]string{"t1": "open"})
	cover := buildCover(t, ctx, map[string][]string{"A": {"t1"}})

	tg.MarkDrifted("head-1")
	_, err := tg.Project(ctx, cover.Parts[0])
	if !errors.Is(err, kernel.ErrContextDrift) {
		t.Fatalf("err = %v, want ErrContextDrift", err)
	}
}

func TestCompatibilityHonestAndDishonestWitnesses(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	tg := NewTaskGraph("1")
	tg.AddSnapshot("head-1", map[string]string{"t1": "done", "t2": "open", "t3": "claimed"})
	cover := buildCover(t, ctx, map[string][]string{
		"A": {"t1", "t2"},
		"B": {"t2", "t3"},
	})
	locals := projectAll(t, tg, cover)
	obligations, err := kernel.EnumerateOverlaps(cover, kernel.OverlapPairwise)
	if err != nil {
		t.Fatalf("EnumerateOverlaps: %v", err)
	}
	if len(obligations) != 1 {
		t.Fatalf("obligations = %d, want 1", len(obligations))
	}

	honest, err := NewCompatWitness(obligations[0], locals)
	if err != nil {
		t.Fatalf("NewCompatWitness: %v", err)
	}
	ok, err := tg.Compatibility(honest, locals)
	if err != nil || !ok {
		t.Fatalf("honest witness rejected: ok=%v err=%v", ok, err)
	}

	// A witness claiming a value the fragments do not share must fail.
	forged := honest
	forged.Payload = []byte(`{"t2":"done"}`)
	ok, err = tg.Compatibility(forged, locals)
	if err != nil {
		t.Fatalf("Compatibility: %v", err)
	}
	if ok {
		t.Fatal("forged witness passed re-evaluation")
	}
}

func TestProposeGlueMergesAgreeingFragments(t *testing.T) {
	ctx := kernel.Context{ID: "ctx-1", CtxRef: "head-1"}
	tg := NewTaskGraph("1")
	tg.AddSnapshot("head-1", map[string]string{"t1": "done", "t2": "open"})
	cover := buildCover(t, ctx, map[string][]string{
		"A": {"t1", "t2"},
		"B": {"t2"},
	})
	locals := projectAll(t, tg, cover)
	mode := testMode(t)
	core, err := kernel.NewDescentCore(cover, locals, nil, mode, kernel.OverlapPairwise)
	if err != nil {
		t.Fatalf("NewDescentCore: %v", err)
	}

	proposals, err := tg.ProposeGlue(core)
	if err != nil {
		t.Fatalf("ProposeGlue: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	want, err := NewProposal(map[string]string{"t1": "done", "t2": "open"})
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	if proposals[0].Digest != want.Digest {
		t.Fatalf("merged proposal digest mismatch: %s vs %s", proposals[0].Digest, want.Digest)
	}
}

func TestNormalizers(t *testing.T) {
	a, err := NewProposal(map[string]string{"t1": "done"})
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	b, err := NewProposal(map[string]string{"t1": "done"})
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	c, err := NewProposal(map[string]string{"t1": "open"})
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}

	t.Run("canonical", func(t *testing.T) {
		n := CanonicalNormalizer{}
		if eq, err := n.Equivalent(a, b); err != nil || !eq {
			t.Fatalf("identical content not equivalent: eq=%v err=%v", eq, err)
		}
		if eq, err := n.Equivalent(a, c); err != nil || eq {
			t.Fatalf("distinct content equivalent: eq=%v err=%v", eq, err)
		}
		bad := a
		bad.Payload = []byte("not json")
		if _, err := n.Equivalent(bad, b); !errors.Is(err, kernel.ErrComparisonUnavailable) {
			t.Fatalf("err = %v, want ErrComparisonUnavailable", err)
		}
	})

	t.Run("strict-bytes", func(t *testing.T) {
		n := StrictBytesNormalizer{}
		if eq, err := n.Equivalent(a, b); err != nil || !eq {
			t.Fatalf("identical bytes not equivalent: eq=%v err=%v", eq, err)
		}
		if eq, err := n.Equivalent(a, c); err != nil || eq {
			t.Fatalf("distinct bytes equivalent: eq=%v err=%v", eq, err)
		}
	})

	t.Run("unknown_normalizer", func(t *testing.T) {
		w := NewStaticWorld("world-1", kernel.OverlapPairwise)
		if _, err := w.Normalizer("nope"); !errors.Is(err, kernel.ErrComparisonUnavailable) {
			t.Fatalf("err = %v, want ErrComparisonUnavailable", err)
		}
	})
}
