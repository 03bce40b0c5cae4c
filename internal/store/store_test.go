package store

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gluegate/internal/identity"
	"gluegate/internal/refine"
	"gluegate/internal/witness"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWitness(t *testing.T, runID string, accepted bool) witness.GateWitness {
	t.Helper()
	core := witness.Core{
		RunID:          runID,
		WorldID:        "w",
		ContextID:      "ctx",
		AdapterID:      "taskgraph",
		AdapterVersion: "1",
		CtxRef:         "dg1:head",
		Mode:           identity.Mode{NormalizerID: "canonical", PolicyDigest: "dg1:p"},
	}
	var w witness.GateWitness
	var err error
	if accepted {
		w, err = witness.Emit(core, &witness.GlueResult{Selected: "glue-1"}, nil)
	} else {
		w, err = witness.Emit(core, nil, []witness.Failure{{
			Class:                witness.DescentFailure,
			Phase:                witness.PhaseProposeGlue,
			ResponsibleComponent: witness.ComponentAdapter,
		}})
	}
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	return w
}

func TestSaveWitnessRoundTrip(t *testing.T) {
	s := testStore(t)
	w := testWitness(t, "dg1:r1", true)

	if err := s.SaveWitness(w); err != nil {
		t.Fatalf("SaveWitness: %v", err)
	}

	got, err := s.GetRun(w.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if diff := cmp.Diff(w, got); diff != "" {
		t.Fatalf("witness mismatch (-want +got):\n%s", diff)
	}

	byDigest, err := s.GetByDigest(w.Digest)
	if err != nil {
		t.Fatalf("GetByDigest: %v", err)
	}
	if byDigest.RunID != w.RunID {
		t.Fatalf("GetByDigest run = %s, want %s", byDigest.RunID, w.RunID)
	}
}

func TestSaveWitnessIdempotent(t *testing.T) {
	s := testStore(t)
	w := testWitness(t, "dg1:r1", false)

	for i := 0; i < 3; i++ {
		if err := s.SaveWitness(w); err != nil {
			t.Fatalf("SaveWitness #%d: %v", i, err)
		}
	}
	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
}

func TestSaveWitnessDigestConflict(t *testing.T) {
	s := testStore(t)
	if err := s.SaveWitness(testWitness(t, "dg1:r1", true)); err != nil {
		t.Fatalf("SaveWitness: %v", err)
	}
	other := testWitness(t, "dg1:r1", false)
	if err := s.SaveWitness(other); !errors.Is(err, ErrDigestConflict) {
		t.Fatalf("err = %v, want ErrDigestConflict", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetRun("dg1:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStepsAndChain(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{"dg1:r1", "dg1:r2", "dg1:r3"} {
		if err := s.SaveWitness(testWitness(t, id, false)); err != nil {
			t.Fatalf("SaveWitness(%s): %v", id, err)
		}
	}
	steps := []refine.Step{
		{ParentRunID: "dg1:r1", ChildRunID: "dg1:r2", Axis: refine.AxisCover},
		{ParentRunID: "dg1:r2", ChildRunID: "dg1:r3", Axis: refine.AxisCtxRef},
	}
	for _, st := range steps {
		if err := s.SaveStep(st); err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
		if err := s.SaveStep(st); err != nil {
			t.Fatalf("SaveStep repeat: %v", err)
		}
	}

	chain, err := s.Chain("dg1:r3")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	want := []refine.Step{
		{ParentRunID: "dg1:r2", ChildRunID: "dg1:r3", Axis: refine.AxisCtxRef},
		{ParentRunID: "dg1:r1", ChildRunID: "dg1:r2", Axis: refine.AxisCover},
	}
	if diff := cmp.Diff(want, chain); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}

	children, err := s.Children("dg1:r1")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0].ChildRunID != "dg1:r2" {
		t.Fatalf("children = %+v", children)
	}
}

func TestSaveStepConflict(t *testing.T) {
	s := testStore(t)
	if err := s.SaveStep(refine.Step{ParentRunID: "dg1:r1", ChildRunID: "dg1:r2", Axis: refine.AxisCover}); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
	err := s.SaveStep(refine.Step{ParentRunID: "dg1:r1", ChildRunID: "dg1:r2", Axis: refine.AxisMode})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("err = %v, want ErrStepConflict", err)
	}
}
