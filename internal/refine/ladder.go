// Package refine implements the deterministic refinement ladder: after a
// rejection, it proposes the next single-axis change to try, and proves the
// one-axis invariant over the resulting run chain. Nothing here re-runs
// checks; the caller builds the refined run and goes back through the
// kernel.
package refine

import (
	"errors"
	"fmt"

	"gluegate/internal/identity"
	"gluegate/internal/logging"
	"gluegate/internal/witness"
)

// Axis is one of the four identity axes a refinement may change. Exactly
// one changes per step; that is enforced, not advisory.
type Axis string

const (
	AxisCover          Axis = "cover_id"
	AxisCtxRef         Axis = "ctx_ref"
	AxisAdapterVersion Axis = "adapter_version"
	AxisMode           Axis = "mode"
)

// ladderOrder is the fixed rung order: finer cover, then a different
// context snapshot, then enriched evidence from a newer adapter, then an
// explicit semantic-mode change (a new comparability boundary).
var ladderOrder = []Axis{AxisCover, AxisCtxRef, AxisAdapterVersion, AxisMode}

// RunIdentity is the axis-relevant identity of one run.
type RunIdentity struct {
	CoverID        string
	CtxRef         string
	Mode           identity.Mode
	AdapterVersion string
}

// DiffAxes reports which axes differ between two run identities, in ladder
// order.
func DiffAxes(a, b RunIdentity) []Axis {
	var out []Axis
	if a.CoverID != b.CoverID {
		out = append(out, AxisCover)
	}
	if a.CtxRef != b.CtxRef {
		out = append(out, AxisCtxRef)
	}
	if a.AdapterVersion != b.AdapterVersion {
		out = append(out, AxisAdapterVersion)
	}
	if !a.Mode.Equal(b.Mode) {
		out = append(out, AxisMode)
	}
	return out
}

// Step links one run to the run it refines.
type Step struct {
	ParentRunID string `json:"parent_run_id"`
	ChildRunID  string `json:"child_run_id,omitempty"`
	Axis        Axis   `json:"refinement_axis"`
}

// Chain-validation errors.
var (
	ErrNoAxisChanged       = errors.New("refine: refinement changed no identity axis")
	ErrMultipleAxesChanged = errors.New("refine: refinement changed more than one identity axis")
	ErrAxisMismatch        = errors.New("refine: recorded axis does not match the identity delta")
	ErrExhausted           = errors.New("refine: ladder exhausted")
)

// ValidateStep checks the one-axis invariant for a parent/child identity
// pair against the recorded step.
func ValidateStep(step Step, parent, child RunIdentity) error {
	diff := DiffAxes(parent, child)
	switch len(diff) {
	case 0:
		return ErrNoAxisChanged
	case 1:
		if diff[0] != step.Axis {
			return fmt.Errorf("%w: recorded %s, identity changed %s", ErrAxisMismatch, step.Axis, diff[0])
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrMultipleAxesChanged, diff)
	}
}

// Ladder proposes refinement axes. Deterministic for fixed input: the same
// rejection with the same history always yields the same next axis.
type Ladder struct {
	// MaxSteps bounds the chain length; 0 means the rung count.
	MaxSteps int
}

// startRung maps the highest-priority failure class of a witness to the
// rung the ladder starts climbing from. Locality and descent gaps start
// at cover refinement; instability starts at context refinement;
// persistent ambiguity starts at evidence enrichment.
func startRung(classes []witness.Class) int {
	for _, c := range classes {
		switch c {
		case witness.LocalityFailure, witness.DescentFailure:
			return 0 // cover
		case witness.GlueNonContractible:
			return 2 // evidence enrichment
		case witness.StabilityFailure:
			return 1 // context
		}
	}
	return 0
}

// Next proposes the next refinement axis for a rejected witness given the
// axes already attempted in this chain. Returns ErrExhausted when the plan
// is spent; callers emit the final reject and stop — never loop.
func (l *Ladder) Next(w witness.GateWitness, attempted []Axis) (Axis, error) {
	if w.Result != witness.Rejected {
		return "", fmt.Errorf("refine: witness %s is not a rejection", w.RunID)
	}
	max := l.MaxSteps
	if max <= 0 {
		max = len(ladderOrder)
	}
	if len(attempted) >= max {
		return "", fmt.Errorf("%w: %d steps taken", ErrExhausted, len(attempted))
	}

	used := map[Axis]bool{}
	for _, a := range attempted {
		used[a] = true
	}
	for _, axis := range ladderOrder[startRung(w.Classes()):] {
		if used[axis] {
			continue
		}
		logging.Refine("Next: run=%s classes=%v axis=%s", w.RunID, w.Classes(), axis)
		return axis, nil
	}
	return "", ErrExhausted
}
