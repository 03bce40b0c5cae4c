package kernel

import (
	"fmt"
	"sort"

	"gluegate/internal/identity"
	"gluegate/internal/logging"
	"gluegate/internal/witness"
)

// CheckInput bundles everything one run consumes. Data flows one way:
// cover/overlap model -> locality -> descent-existence -> contractibility
// -> witness emitter. Nothing inside a run retries, blocks, or mutates
// shared state.
type CheckInput struct {
	Core        *DescentCore
	Proposals   []GlueProposal
	World       World
	Adapter     Adapter
	DataHeadRef string
}

// RunID computes the deterministic identity of a run: world, adapter,
// core identity (cover, lineage, local/compat digests, mode, level) and
// the proposal set. Identical inputs always produce the same run id.
func RunID(in CheckInput) (string, error) {
	coreID, err := in.Core.Identity()
	if err != nil {
		return "", err
	}
	props := append([]GlueProposal(nil), in.Proposals...)
	sort.Slice(props, func(i, j int) bool {
		if props[i].Digest != props[j].Digest {
			return props[i].Digest < props[j].Digest
		}
		return props[i].ID < props[j].ID
	})
	propVals := make([]identity.Value, len(props))
	for i, p := range props {
		propVals[i] = map[string]identity.Value{
			"id":     string(p.ID),
			"digest": p.Digest,
		}
	}
	return identity.Digest(map[string]identity.Value{
		"world_id":        in.World.ID(),
		"adapter_id":      in.Adapter.ID(),
		"adapter_version": in.Adapter.Version(),
		"data_head_ref":   in.DataHeadRef,
		"core":            coreID,
		"proposals":       identity.Value(propVals),
	})
}

// Check runs the full admissibility pipeline once and emits the terminal
// witness. The returned error covers only identity-machinery breakage
// (canonical encoding bugs); every domain outcome, accept or reject, is a
// witness.
func Check(in CheckInput) (witness.GateWitness, error) {
	timer := logging.StartTimer(logging.CategoryKernel, "Check")
	defer timer.Stop()

	runID, err := RunID(in)
	if err != nil {
		return witness.GateWitness{}, fmt.Errorf("run id: %w", err)
	}
	core := witness.Core{
		RunID:          runID,
		WorldID:        in.World.ID(),
		ContextID:      in.Core.Cover.Context.ID,
		AdapterID:      in.Adapter.ID(),
		AdapterVersion: in.Adapter.Version(),
		CtxRef:         in.Core.Cover.Context.CtxRef,
		DataHeadRef:    in.DataHeadRef,
		Mode:           in.Core.Mode,
	}
	logging.Kernel("Check: run=%s context=%s level=%s", runID, core.ContextID, in.Core.Level)

	// Capability gate. Requesting higher_cech against a pairwise-only
	// world is a deterministic rejection, never a silent downgrade.
	supported := in.World.SupportedOverlapLevel()
	if in.Core.Level == OverlapHigherCech && supported != OverlapHigherCech {
		return witness.Emit(core, nil, []witness.Failure{{
			Class:                 witness.DescentFailure,
			Phase:                 witness.PhaseCompat,
			ResponsibleComponent:  witness.ComponentWorld,
			OverlapLevelRequested: string(OverlapHigherCech),
			OverlapLevelSupported: string(supported),
			Detail:                "requested overlap level not supported by world",
		}})
	}

	obligations, err := EnumerateOverlaps(in.Core.Cover, in.Core.Level)
	if err != nil {
		return witness.GateWitness{}, fmt.Errorf("overlap enumeration: %w", err)
	}

	// Locality precedes descent: if anything required is missing, the
	// verdict is locality_failure no matter how many proposals arrived.
	if failures := CheckLocality(in.Core, obligations); len(failures) > 0 {
		logging.KernelDebug("Check: run=%s locality failures=%d", runID, len(failures))
		return witness.Emit(core, nil, failures)
	}

	survivors, failures := CheckDescentExistence(in.Core, obligations, in.Proposals, in.Adapter)
	if len(failures) > 0 {
		logging.KernelDebug("Check: run=%s descent failures=%d", runID, len(failures))
		return witness.Emit(core, nil, failures)
	}

	norm, err := in.World.Normalizer(in.Core.Mode.NormalizerID)
	if err != nil {
		return witness.Emit(core, nil, []witness.Failure{{
			Class:                witness.DescentFailure,
			Phase:                witness.PhaseNormalize,
			ResponsibleComponent: witness.ComponentWorld,
			Detail:               fmt.Sprintf("%s: %v", ModeComparisonUnavailable, err),
		}})
	}

	glue, failures := SelectGlue(survivors, norm, in.Core.Mode)
	if len(failures) > 0 {
		logging.KernelDebug("Check: run=%s selection failures=%d", runID, len(failures))
		return witness.Emit(core, nil, failures)
	}

	logging.Kernel("Check: run=%s accepted, selected=%s", runID, glue.Selected)
	return witness.Emit(core, glue, nil)
}
