package kernel

import (
	"fmt"
	"sort"

	"gluegate/internal/identity"
	"gluegate/internal/logging"
	"gluegate/internal/witness"
)

// GlueSelectionFailure enumerates why glue selection can fail.
type GlueSelectionFailure string

const (
	NoValidProposal           GlueSelectionFailure = "no_valid_proposal"
	NonContractibleSelection  GlueSelectionFailure = "non_contractible_selection"
	ModeComparisonUnavailable GlueSelectionFailure = "mode_comparison_unavailable"
)

// SelectGlue determines equivalence classes of the surviving proposals
// under the mode's normalizer. Exactly one class accepts; the
// representative is the member with the smallest canonical digest, so the
// choice never depends on candidate order, arrival time, or proposal
// count. Two or more inequivalent classes is a terminal, explicit
// glue_non_contractible; an unavailable comparison folds into
// descent_failure with phase=normalize, responsible_component=world.
func SelectGlue(survivors []GlueProposal, norm Normalizer, mode identity.Mode) (*witness.GlueResult, []witness.Failure) {
	if len(survivors) == 0 {
		// Callers route zero survivors through descent-existence; kept as
		// a guard so the selector alone still satisfies the exactly-one
		// law.
		return nil, []witness.Failure{{
			Class:                witness.DescentFailure,
			Phase:                witness.PhaseProposeGlue,
			ResponsibleComponent: witness.ComponentAdapter,
			Detail:               string(NoValidProposal),
		}}
	}

	// Candidates are compared in digest order so the classing walk itself
	// is input-order free.
	ordered := append([]GlueProposal(nil), survivors...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Digest != ordered[j].Digest {
			return ordered[i].Digest < ordered[j].Digest
		}
		return ordered[i].ID < ordered[j].ID
	})

	var classes [][]GlueProposal
	for _, p := range ordered {
		placed := false
		for ci := range classes {
			eq, err := norm.Equivalent(classes[ci][0], p)
			if err != nil {
				return nil, []witness.Failure{{
					Class:                witness.DescentFailure,
					Phase:                witness.PhaseNormalize,
					ResponsibleComponent: witness.ComponentWorld,
					Detail:               fmt.Sprintf("%s: %v", ModeComparisonUnavailable, err),
				}}
			}
			if eq {
				classes[ci] = append(classes[ci], p)
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, []GlueProposal{p})
		}
	}

	if len(classes) > 1 {
		logging.KernelDebug("SelectGlue: %d inequivalent classes among %d survivors", len(classes), len(survivors))
		return nil, []witness.Failure{{
			Class:                witness.GlueNonContractible,
			Phase:                witness.PhaseSelectGlue,
			ResponsibleComponent: witness.ComponentAdapter,
			Detail:               fmt.Sprintf("%s: %d inequivalent classes", NonContractibleSelection, len(classes)),
		}}
	}

	// One provably unique class. Representative: smallest digest, which
	// is ordered[0] of the class since classing walked in digest order.
	class := classes[0]
	refs := make([]string, len(class))
	for i, p := range class {
		refs[i] = p.Digest
	}
	return &witness.GlueResult{
		Selected: string(class[0].ID),
		ContractibilityBasis: witness.ContractibilityBasis{
			Mode:      mode,
			ProofRefs: refs,
		},
	}, nil
}
