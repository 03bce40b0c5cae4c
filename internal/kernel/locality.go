package kernel

import (
	"fmt"

	"gluegate/internal/identity"
	"gluegate/internal/witness"
)

// CheckLocality verifies that every cover part has a supplied local result
// and every required overlap has a present, well-formed compat witness.
// The check is purely structural: presence and shape, never semantic
// content. That is descent-existence's job.
//
// Per-part checking is order-independent; the returned failures are in the
// deterministic cover/overlap enumeration order regardless of how inputs
// arrived.
func CheckLocality(core *DescentCore, obligations []OverlapObligation) []witness.Failure {
	var failures []witness.Failure

	for _, part := range core.Cover.Parts {
		ls, ok := core.Locals[part.ID]
		if !ok {
			failures = append(failures, witness.Failure{
				Class:                witness.LocalityFailure,
				Phase:                witness.PhaseRestrict,
				ResponsibleComponent: witness.ComponentAdapter,
				CoverPart:            string(part.ID),
				Detail:               "missing local state",
			})
			continue
		}
		if !identity.IsDigest(ls.Digest) {
			failures = append(failures, witness.Failure{
				Class:                witness.LocalityFailure,
				Phase:                witness.PhaseRestrict,
				ResponsibleComponent: witness.ComponentAdapter,
				CoverPart:            string(part.ID),
				Detail:               "local state digest malformed",
			})
		}
	}

	for _, ob := range obligations {
		w, ok := core.Witness(ob.ID)
		if !ok {
			failures = append(failures, witness.Failure{
				Class:                witness.LocalityFailure,
				Phase:                witness.PhaseCompat,
				ResponsibleComponent: witness.ComponentAdapter,
				OverlapID:            string(ob.ID),
				OverlapArity:         ob.Arity,
				Detail:               "missing compat witness",
			})
			continue
		}
		if detail := witnessShapeProblem(w, ob); detail != "" {
			failures = append(failures, witness.Failure{
				Class:                witness.LocalityFailure,
				Phase:                witness.PhaseCompat,
				ResponsibleComponent: witness.ComponentAdapter,
				OverlapID:            string(ob.ID),
				OverlapArity:         ob.Arity,
				Detail:               detail,
			})
		}
	}

	return failures
}

// witnessShapeProblem reports why a compat witness is structurally invalid
// for its obligation, or "" if it is well formed.
func witnessShapeProblem(w CompatWitness, ob OverlapObligation) string {
	if !identity.IsDigest(w.Digest) {
		return "compat witness digest malformed"
	}
	if len(w.Parts) != ob.Arity {
		return fmt.Sprintf("compat witness arity %d, obligation arity %d", len(w.Parts), ob.Arity)
	}
	for i, p := range w.Parts {
		if p != ob.Parts[i] {
			return fmt.Sprintf("compat witness part tuple mismatch at position %d", i)
		}
	}
	return ""
}
