// Package kernel implements the descent/admissibility check: given local
// results over overlapping partitions of a shared context, decide whether
// they merge into exactly one globally consistent result, and if not, say
// precisely why. The pipeline is a pure function of
// (DescentCore, proposals, overlap level, Mode) -> GateWitness; it performs
// no I/O and holds no shared state, so callers may run it concurrently
// across independent contexts with no coordination.
package kernel

import (
	"errors"
	"fmt"
	"sort"

	"gluegate/internal/identity"
)

// OverlapLevel is the negotiated overlap arity capability. Pairwise is
// mandatory; higher_cech is an explicitly advertised extra that adds
// triple-overlap cocycle obligations.
type OverlapLevel string

const (
	OverlapPairwise   OverlapLevel = "pairwise"
	OverlapHigherCech OverlapLevel = "higher_cech"
)

// ValidLevel reports whether l is a known overlap level.
func ValidLevel(l OverlapLevel) bool {
	return l == OverlapPairwise || l == OverlapHigherCech
}

// CoverPartID identifies one part of a Cover. Assigned by the kernel,
// never by the adapter.
type CoverPartID string

// OverlapID identifies one overlap obligation. Derived from cover identity,
// never adapter-chosen, so an adapter cannot hide a problematic overlap by
// never naming it.
type OverlapID string

// GlueProposalID identifies a candidate global assembly.
type GlueProposalID string

// Context is the unit of work being partitioned. Owned by the caller; the
// kernel never mutates it. CtxRef is the lineage pointer to the snapshot of
// state being interpreted.
type Context struct {
	ID     string
	CtxRef string
}

// Validate checks both halves are present.
func (c Context) Validate() error {
	if c.ID == "" || c.CtxRef == "" {
		return ErrIncompleteContext
	}
	return nil
}

// CoverPart is one partition of a Context. Selector is the opaque,
// adapter-meaningful description of what the part covers; the kernel only
// digests it.
type CoverPart struct {
	ID       CoverPartID
	Selector []byte
	Digest   string
}

// Cover is the kernel-owned, ordered decomposition of one Context.
type Cover struct {
	ID      string
	Context Context
	Parts   []CoverPart

	index map[CoverPartID]int
}

// Part returns the part with the given id, if present.
func (c *Cover) Part(id CoverPartID) (CoverPart, bool) {
	i, ok := c.index[id]
	if !ok {
		return CoverPart{}, false
	}
	return c.Parts[i], true
}

// PartIDs returns the ordered part ids.
func (c *Cover) PartIDs() []CoverPartID {
	out := make([]CoverPartID, len(c.Parts))
	for i, p := range c.Parts {
		out[i] = p.ID
	}
	return out
}

// OverlapObligation is a kernel-defined required compatibility check over an
// ordered tuple of 2+ cover parts.
type OverlapObligation struct {
	ID    OverlapID
	Arity int
	Parts []CoverPartID
}

// LocalState is an opaque, adapter-owned payload attached to one CoverPart.
// The kernel treats it as bytes plus a digest and never inspects domain
// content.
type LocalState struct {
	Part    CoverPartID
	Payload []byte
	Digest  string
}

// CompatWitness is opaque adapter-owned evidence that the local states of
// the named overlap agree.
type CompatWitness struct {
	Overlap OverlapID
	Parts   []CoverPartID
	Payload []byte
	Digest  string
}

// GlueProposal is an opaque candidate global assembly. Never
// self-certifying: the pipeline re-derives its validity from restrictions
// and witnesses.
type GlueProposal struct {
	ID      GlueProposalID
	Payload []byte
	Digest  string
}

// DescentCore is the complete admissibility-check input. Immutable once
// built; construct via NewDescentCore.
type DescentCore struct {
	Cover  *Cover
	Locals map[CoverPartID]LocalState
	Compat []CompatWitness
	Mode   identity.Mode
	Level  OverlapLevel
}

// Construction errors. These are caller bugs surfaced before a run exists,
// not witness material.
var (
	ErrIncompleteContext = errors.New("kernel: context requires id and ctx_ref")
	ErrNilCover          = errors.New("kernel: descent core requires a cover")
	ErrUnknownLevel      = errors.New("kernel: unknown overlap level")
	ErrForeignLocal      = errors.New("kernel: local state names a part outside the cover")
	ErrDuplicateWitness  = errors.New("kernel: duplicate compat witness for overlap")
)

// NewDescentCore assembles and freezes a check input. Locals and compat
// witnesses are copied; compat witnesses are sorted by overlap id so the
// core's identity is independent of input arrival order.
func NewDescentCore(cover *Cover, locals map[CoverPartID]LocalState, compat []CompatWitness, mode identity.Mode, level OverlapLevel) (*DescentCore, error) {
	if cover == nil {
		return nil, ErrNilCover
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if !ValidLevel(level) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}

	localCopy := make(map[CoverPartID]LocalState, len(locals))
	for id, ls := range locals {
		if _, ok := cover.Part(id); !ok {
			return nil, fmt.Errorf("%w: %q", ErrForeignLocal, id)
		}
		ls.Part = id
		localCopy[id] = ls
	}

	seen := make(map[OverlapID]bool, len(compat))
	compatCopy := make([]CompatWitness, 0, len(compat))
	for _, w := range compat {
		if seen[w.Overlap] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateWitness, w.Overlap)
		}
		seen[w.Overlap] = true
		compatCopy = append(compatCopy, w)
	}
	sort.Slice(compatCopy, func(i, j int) bool { return compatCopy[i].Overlap < compatCopy[j].Overlap })

	return &DescentCore{
		Cover:  cover,
		Locals: localCopy,
		Compat: compatCopy,
		Mode:   mode,
		Level:  level,
	}, nil
}

// Witness returns the compat witness discharged for the given overlap.
func (c *DescentCore) Witness(id OverlapID) (CompatWitness, bool) {
	// Compat is sorted by overlap id.
	i := sort.Search(len(c.Compat), func(i int) bool { return c.Compat[i].Overlap >= id })
	if i < len(c.Compat) && c.Compat[i].Overlap == id {
		return c.Compat[i], true
	}
	return CompatWitness{}, false
}

// Identity returns the core's identity material: everything capable of
// changing the verdict, nothing else.
func (c *DescentCore) Identity() (identity.Value, error) {
	localVals := make([]identity.Value, 0, len(c.Locals))
	for _, id := range c.Cover.PartIDs() {
		ls, ok := c.Locals[id]
		if !ok {
			localVals = append(localVals, map[string]identity.Value{"part": string(id), "present": false})
			continue
		}
		localVals = append(localVals, map[string]identity.Value{
			"part":    string(id),
			"present": true,
			"digest":  ls.Digest,
		})
	}
	compatVals := make([]identity.Value, 0, len(c.Compat))
	for _, w := range c.Compat {
		parts := make([]identity.Value, len(w.Parts))
		for i, p := range w.Parts {
			parts[i] = string(p)
		}
		compatVals = append(compatVals, map[string]identity.Value{
			"overlap": string(w.Overlap),
			"parts":   identity.Value(parts),
			"digest":  w.Digest,
		})
	}
	return map[string]identity.Value{
		"cover_id": c.Cover.ID,
		"ctx_ref":  c.Cover.Context.CtxRef,
		"locals":   identity.Value(localVals),
		"compat":   identity.Value(compatVals),
		"mode":     c.Mode.Identity(),
		"level":    string(c.Level),
	}, nil
}
