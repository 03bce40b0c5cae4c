package kernel

import "errors"

// World advertises the comparison capabilities a run is executed against.
// The kernel consumes this interface; it never implements one.
type World interface {
	// ID identifies the world for witness attribution.
	ID() string

	// SupportedOverlapLevel reports the highest overlap level this world
	// can discharge. Requesting higher_cech against a pairwise-only world
	// is a deterministic descent_failure, never a silent downgrade.
	SupportedOverlapLevel() OverlapLevel

	// Normalizer resolves the comparison semantics bound by mode.
	// An error here means the mode itself is unusable in this world.
	Normalizer(normalizerID string) (Normalizer, error)
}

// Normalizer compares glue proposals under one Mode. Implementations must
// be deterministic and side-effect free.
type Normalizer interface {
	// Equivalent reports whether a and b denote the same global result
	// under the bound mode. ErrComparisonUnavailable means the normalizer
	// cannot compare these two candidates at all; the pipeline folds that
	// into descent_failure (phase=normalize, responsible_component=world).
	Equivalent(a, b GlueProposal) (bool, error)
}

// Adapter produces and evaluates domain payloads behind a narrow surface.
// The kernel never interprets payload bytes; it only routes them through
// these four operations and compares the digests that come back.
type Adapter interface {
	// ID identifies the adapter for witness attribution.
	ID() string

	// Version identifies the adapter build; a refinement along the
	// adapter_version axis produces a new version.
	Version() string

	// Project produces the local state for one cover part from the
	// context snapshot. Used by callers gathering inputs, not by the
	// check pipeline itself.
	Project(ctx Context, part CoverPart) (LocalState, error)

	// Restrict returns the digest of proposal restricted to the given
	// part. A candidate is consistent with a local state iff the digests
	// agree.
	Restrict(p GlueProposal, part CoverPart) (string, error)

	// Compatibility re-evaluates a compat witness against the local
	// states it claims to reconcile. False means the evidence does not
	// hold up; errors mean it could not be evaluated.
	Compatibility(w CompatWitness, locals map[CoverPartID]LocalState) (bool, error)

	// ProposeGlue derives candidate global assemblies from a core. May
	// legally return an empty set, which is distinct in meaning from
	// multiple non-equivalent proposals.
	ProposeGlue(core *DescentCore) ([]GlueProposal, error)
}

// Sentinel errors adapters and worlds raise to signal typed conditions.
var (
	// ErrComparisonUnavailable: the normalizer cannot compare two
	// candidates under the bound mode.
	ErrComparisonUnavailable = errors.New("kernel: mode comparison unavailable")

	// ErrContextDrift: the context snapshot moved underneath the
	// operation (reindexing instability). Maps to stability_failure.
	ErrContextDrift = errors.New("kernel: context drift detected")
)
