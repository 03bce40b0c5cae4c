package kernel

import (
	"errors"

	"gluegate/internal/logging"
	"gluegate/internal/witness"
)

// CheckDescentExistence verifies that at least one structurally valid
// global assembly exists given the locally compatible data. It runs only
// after locality has passed: every obligation has a discharged witness and
// every part has a local state.
//
// Three things can sink a core here: a present witness that fails
// re-evaluated coherence, a failed triple-overlap cocycle check (when
// higher_cech is active), and zero proposals surviving restriction
// agreement. All are descent_failure. Context drift reported by the
// adapter is stability_failure instead.
func CheckDescentExistence(core *DescentCore, obligations []OverlapObligation, proposals []GlueProposal, ad Adapter) ([]GlueProposal, []witness.Failure) {
	var failures []witness.Failure

	// Re-evaluate every discharged compat witness, pairwise and (when
	// active) cocycle obligations alike. The composable cocycle pass is
	// just the arity-3 slice of the same loop; it is not a different
	// checker.
	for _, ob := range obligations {
		w, _ := core.Witness(ob.ID)
		locals := localsFor(core, ob.Parts)
		ok, err := ad.Compatibility(w, locals)
		switch {
		case errors.Is(err, ErrContextDrift):
			failures = append(failures, witness.Failure{
				Class:                witness.StabilityFailure,
				Phase:                witness.PhaseCompat,
				ResponsibleComponent: witness.ComponentContextProvider,
				OverlapID:            string(ob.ID),
				OverlapArity:         ob.Arity,
				Detail:               "context drifted during witness re-evaluation",
			})
		case err != nil:
			failures = append(failures, witness.Failure{
				Class:                witness.DescentFailure,
				Phase:                witness.PhaseCompat,
				ResponsibleComponent: witness.ComponentAdapter,
				OverlapID:            string(ob.ID),
				OverlapArity:         ob.Arity,
				Detail:               "witness re-evaluation failed: " + err.Error(),
			})
		case !ok:
			detail := "compat witness fails re-evaluated coherence"
			if ob.Arity >= 3 {
				detail = "cocycle coherence fails on re-evaluation"
			}
			failures = append(failures, witness.Failure{
				Class:                witness.DescentFailure,
				Phase:                witness.PhaseCompat,
				ResponsibleComponent: witness.ComponentAdapter,
				OverlapID:            string(ob.ID),
				OverlapArity:         ob.Arity,
				Detail:               detail,
			})
		}
	}
	if len(failures) > 0 {
		return nil, failures
	}

	// A candidate is consistent iff its restriction to every part agrees
	// with that part's local state, digest against digest. The kernel
	// never looks inside either payload.
	var survivors []GlueProposal
	for _, p := range proposals {
		valid := true
		for _, part := range core.Cover.Parts {
			restricted, err := ad.Restrict(p, part)
			if errors.Is(err, ErrContextDrift) {
				return nil, append(failures, witness.Failure{
					Class:                witness.StabilityFailure,
					Phase:                witness.PhaseRestrict,
					ResponsibleComponent: witness.ComponentContextProvider,
					CoverPart:            string(part.ID),
					Detail:               "context drifted during restriction",
				})
			}
			if err != nil {
				failures = append(failures, witness.Failure{
					Class:                witness.DescentFailure,
					Phase:                witness.PhaseRestrict,
					ResponsibleComponent: witness.ComponentAdapter,
					CoverPart:            string(part.ID),
					Detail:               "restriction failed: " + err.Error(),
				})
				valid = false
				break
			}
			if restricted != core.Locals[part.ID].Digest {
				valid = false
				break
			}
		}
		if valid {
			survivors = append(survivors, p)
		}
	}
	if len(failures) > 0 {
		return nil, failures
	}

	if len(survivors) == 0 {
		logging.KernelDebug("CheckDescentExistence: zero valid proposals out of %d supplied", len(proposals))
		return nil, []witness.Failure{{
			Class:                witness.DescentFailure,
			Phase:                witness.PhaseProposeGlue,
			ResponsibleComponent: witness.ComponentAdapter,
			Detail:               "no valid glue proposal",
		}}
	}
	return survivors, nil
}

func localsFor(core *DescentCore, parts []CoverPartID) map[CoverPartID]LocalState {
	out := make(map[CoverPartID]LocalState, len(parts))
	for _, p := range parts {
		if ls, ok := core.Locals[p]; ok {
			out[p] = ls
		}
	}
	return out
}
