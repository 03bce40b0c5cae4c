// Package witness defines the terminal records of admissibility checks.
// A GateWitness is the only thing a kernel run ever produces: accept with
// exactly one GlueResult, or reject with a non-empty, deterministically
// ordered set of typed failure classes. Gate witnesses and cross-boundary
// transport witnesses use disjoint vocabularies and are never conflated.
package witness

import (
	"errors"
	"fmt"
	"sort"

	"gluegate/internal/identity"
)

// Kind discriminates witness records.
type Kind string

const (
	KindGate      Kind = "gate"
	KindTransport Kind = "transport"
)

// Class is a Gate failure class. The taxonomy is fixed and exhaustive;
// there is deliberately no catch-all.
type Class string

const (
	LocalityFailure     Class = "locality_failure"
	DescentFailure      Class = "descent_failure"
	GlueNonContractible Class = "glue_non_contractible"
	StabilityFailure    Class = "stability_failure"
)

// classRank fixes the deterministic ordering of failure classes in a
// witness. Pipeline order, not alphabetical: locality precedes descent
// precedes selection precedes stability.
var classRank = map[Class]int{
	LocalityFailure:     0,
	DescentFailure:      1,
	GlueNonContractible: 2,
	StabilityFailure:    3,
}

// ValidClass reports whether c belongs to the Gate taxonomy.
func ValidClass(c Class) bool {
	_, ok := classRank[c]
	return ok
}

// Phase locates a failure in the check pipeline.
type Phase string

const (
	PhaseRestrict    Phase = "restrict"
	PhaseCompat      Phase = "compat"
	PhaseProposeGlue Phase = "propose_glue"
	PhaseSelectGlue  Phase = "select_glue"
	PhaseNormalize   Phase = "normalize"
)

// Component names the collaborator responsible for a failure.
type Component string

const (
	ComponentWorld           Component = "world"
	ComponentAdapter         Component = "adapter"
	ComponentContextProvider Component = "context_provider"
	ComponentEventStore      Component = "event_store"
)

// Failure is one typed rejection with enough diagnostics to pick the next
// refinement axis.
type Failure struct {
	Class                 Class     `json:"class"`
	Phase                 Phase     `json:"phase"`
	ResponsibleComponent  Component `json:"responsible_component"`
	OverlapID             string    `json:"overlap_id,omitempty"`
	OverlapArity          int       `json:"overlap_arity,omitempty"`
	OverlapLevelRequested string    `json:"overlap_level_requested,omitempty"`
	OverlapLevelSupported string    `json:"overlap_level_supported,omitempty"`
	CoverPart             string    `json:"cover_part,omitempty"`
	Detail                string    `json:"detail,omitempty"`
}

// key returns the dedup identity of a failure. Two failures that agree on
// every diagnostic field are the same failure.
func (f Failure) key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%s|%s",
		f.Class, f.Phase, f.ResponsibleComponent, f.OverlapID, f.OverlapArity,
		f.OverlapLevelRequested, f.OverlapLevelSupported, f.CoverPart, f.Detail)
}

// ContractibilityBasis records how uniqueness of the selected glue was
// established.
type ContractibilityBasis struct {
	Mode      identity.Mode `json:"mode"`
	ProofRefs []string      `json:"proof_refs"`
}

// GlueResult is the unique chosen outcome of an accepted run.
type GlueResult struct {
	Selected             string               `json:"selected"`
	ContractibilityBasis ContractibilityBasis `json:"contractibility_basis"`
}

// Result of a run.
type Result string

const (
	Accepted Result = "accepted"
	Rejected Result = "rejected"
)

// GateWitness is the terminal, deterministically-identified record of one
// kernel run.
type GateWitness struct {
	WitnessKind    Kind        `json:"witnessKind"`
	RunID          string      `json:"runId"`
	WorldID        string      `json:"worldId"`
	ContextID      string      `json:"contextId"`
	AdapterID      string      `json:"adapterId"`
	AdapterVersion string      `json:"adapterVersion"`
	CtxRef         string      `json:"ctxRef"`
	DataHeadRef    string      `json:"dataHeadRef,omitempty"`
	NormalizerID   string      `json:"normalizerId"`
	PolicyDigest   string      `json:"policyDigest"`
	Result         Result      `json:"result"`
	Failures       []Failure   `json:"failures,omitempty"`
	Glue           *GlueResult `json:"glue,omitempty"`
	Digest         string      `json:"digest"`
}

// Identity errors.
var (
	ErrBothOutcomes    = errors.New("witness: both glue result and failures present")
	ErrNeitherOutcome  = errors.New("witness: neither glue result nor failures present")
	ErrUnknownClass    = errors.New("witness: failure class outside the gate taxonomy")
	ErrMissingIdentity = errors.New("witness: missing identity field")
)

// Core carries the identity fields of a run being witnessed.
type Core struct {
	RunID          string
	WorldID        string
	ContextID      string
	AdapterID      string
	AdapterVersion string
	CtxRef         string
	DataHeadRef    string
	Mode           identity.Mode
}

func (c Core) validate() error {
	if c.RunID == "" || c.WorldID == "" || c.ContextID == "" || c.CtxRef == "" {
		return ErrMissingIdentity
	}
	return c.Mode.Validate()
}

// Emit assembles the terminal GateWitness, enforcing the exactly-one law,
// deduplicating and deterministically ordering failures, and stamping the
// witness digest. Identical inputs produce byte-identical witnesses.
func Emit(core Core, glue *GlueResult, failures []Failure) (GateWitness, error) {
	if err := core.validate(); err != nil {
		return GateWitness{}, err
	}
	if glue != nil && len(failures) > 0 {
		return GateWitness{}, ErrBothOutcomes
	}
	if glue == nil && len(failures) == 0 {
		return GateWitness{}, ErrNeitherOutcome
	}

	ordered, err := normalizeFailures(failures)
	if err != nil {
		return GateWitness{}, err
	}

	w := GateWitness{
		WitnessKind:    KindGate,
		RunID:          core.RunID,
		WorldID:        core.WorldID,
		ContextID:      core.ContextID,
		AdapterID:      core.AdapterID,
		AdapterVersion: core.AdapterVersion,
		CtxRef:         core.CtxRef,
		DataHeadRef:    core.DataHeadRef,
		NormalizerID:   core.Mode.NormalizerID,
		PolicyDigest:   core.Mode.PolicyDigest,
		Failures:       ordered,
	}
	if glue != nil {
		w.Result = Accepted
		g := *glue
		g.ContractibilityBasis.ProofRefs = append([]string(nil), g.ContractibilityBasis.ProofRefs...)
		sort.Strings(g.ContractibilityBasis.ProofRefs)
		w.Glue = &g
	} else {
		w.Result = Rejected
	}

	d, err := digestOf(w)
	if err != nil {
		return GateWitness{}, err
	}
	w.Digest = d
	return w, nil
}

// normalizeFailures dedups and orders failures: class rank first, then
// phase, then overlap id, then cover part, then the full key as tie-break.
func normalizeFailures(failures []Failure) ([]Failure, error) {
	seen := make(map[string]bool, len(failures))
	out := make([]Failure, 0, len(failures))
	for _, f := range failures {
		if !ValidClass(f.Class) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownClass, f.Class)
		}
		k := f.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if classRank[a.Class] != classRank[b.Class] {
			return classRank[a.Class] < classRank[b.Class]
		}
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.OverlapID != b.OverlapID {
			return a.OverlapID < b.OverlapID
		}
		if a.CoverPart != b.CoverPart {
			return a.CoverPart < b.CoverPart
		}
		return a.key() < b.key()
	})
	return out, nil
}

// Classes returns the deduplicated class list of a witness, in witness order.
func (w GateWitness) Classes() []Class {
	var out []Class
	seen := map[Class]bool{}
	for _, f := range w.Failures {
		if !seen[f.Class] {
			seen[f.Class] = true
			out = append(out, f.Class)
		}
	}
	return out
}

// digestOf hashes the identity material of a witness. Derived artifacts
// (logs, caches, timestamps) never participate.
func digestOf(w GateWitness) (string, error) {
	failures := make([]identity.Value, 0, len(w.Failures))
	for _, f := range w.Failures {
		failures = append(failures, map[string]identity.Value{
			"class":                   string(f.Class),
			"phase":                   string(f.Phase),
			"responsible_component":   string(f.ResponsibleComponent),
			"overlap_id":              f.OverlapID,
			"overlap_arity":           int64(f.OverlapArity),
			"overlap_level_requested": f.OverlapLevelRequested,
			"overlap_level_supported": f.OverlapLevelSupported,
			"cover_part":              f.CoverPart,
			"detail":                  f.Detail,
		})
	}
	m := map[string]identity.Value{
		"witness_kind":    string(w.WitnessKind),
		"run_id":          w.RunID,
		"world_id":        w.WorldID,
		"context_id":      w.ContextID,
		"adapter_id":      w.AdapterID,
		"adapter_version": w.AdapterVersion,
		"ctx_ref":         w.CtxRef,
		"data_head_ref":   w.DataHeadRef,
		"normalizer_id":   w.NormalizerID,
		"policy_digest":   w.PolicyDigest,
		"result":          string(w.Result),
		"failures":        identity.Value(failures),
	}
	if w.Glue != nil {
		m["glue"] = map[string]identity.Value{
			"selected": w.Glue.Selected,
			"basis": map[string]identity.Value{
				"mode":       w.Glue.ContractibilityBasis.Mode.Identity(),
				"proof_refs": toValues(w.Glue.ContractibilityBasis.ProofRefs),
			},
		}
	}
	return identity.Digest(m)
}

func toValues(ss []string) []identity.Value {
	out := make([]identity.Value, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
