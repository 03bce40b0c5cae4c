package adapter

import (
	"encoding/json"
	"fmt"
	"sort"

	"gluegate/internal/identity"
	"gluegate/internal/kernel"
)

// fragmentCore is the shared machinery of the reference adapters. The
// domain is a snapshot of string keys to string values; a cover part
// selects a key subset; a local state is the fragment of the snapshot
// under those keys; a glue proposal is a full map. Both concrete adapters
// wrap this with their own value validation, which is exactly the point:
// the kernel cannot tell them apart.
type fragmentCore struct {
	adapterID string
	version   string

	// snapshots maps ctx_ref -> key/value state.
	snapshots map[string]map[string]string

	// drifted marks ctx_refs whose snapshot moved underneath the run.
	drifted map[string]bool

	// validateValue rejects domain-invalid values at projection time.
	validateValue func(key, value string) error
}

func (f *fragmentCore) ID() string      { return f.adapterID }
func (f *fragmentCore) Version() string { return f.version }

// MarkDrifted simulates reindexing instability for a ctx_ref: subsequent
// operations against it raise kernel.ErrContextDrift.
func (f *fragmentCore) MarkDrifted(ctxRef string) {
	if f.drifted == nil {
		f.drifted = map[string]bool{}
	}
	f.drifted[ctxRef] = true
}

// AddSnapshot registers the state behind a ctx_ref.
func (f *fragmentCore) AddSnapshot(ctxRef string, state map[string]string) {
	if f.snapshots == nil {
		f.snapshots = map[string]map[string]string{}
	}
	cp := make(map[string]string, len(state))
	for k, v := range state {
		cp[k] = v
	}
	f.snapshots[ctxRef] = cp
}

// driftError reports drift for any snapshot this adapter is bound to.
// Restriction and witness re-evaluation depend on the same lineage as
// projection, so a moved snapshot poisons them too.
func (f *fragmentCore) driftError() error {
	for ref, d := range f.drifted {
		if d {
			return fmt.Errorf("snapshot %s: %w", ref, kernel.ErrContextDrift)
		}
	}
	return nil
}

func (f *fragmentCore) snapshot(ctxRef string) (map[string]string, error) {
	if f.drifted[ctxRef] {
		return nil, fmt.Errorf("snapshot %s: %w", ctxRef, kernel.ErrContextDrift)
	}
	snap, ok := f.snapshots[ctxRef]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", ctxRef, kernel.ErrContextDrift)
	}
	return snap, nil
}

// Project produces the local state for one cover part: the snapshot
// fragment under the part's selector keys.
func (f *fragmentCore) Project(ctx kernel.Context, part kernel.CoverPart) (kernel.LocalState, error) {
	snap, err := f.snapshot(ctx.CtxRef)
	if err != nil {
		return kernel.LocalState{}, err
	}
	keys, err := decodeSelector(part.Selector)
	if err != nil {
		return kernel.LocalState{}, fmt.Errorf("part %s: %w", part.ID, err)
	}
	frag := map[string]string{}
	for _, k := range keys {
		v, ok := snap[k]
		if !ok {
			continue
		}
		if f.validateValue != nil {
			if err := f.validateValue(k, v); err != nil {
				return kernel.LocalState{}, fmt.Errorf("part %s: %w", part.ID, err)
			}
		}
		frag[k] = v
	}
	payload, digest, err := encodeFragment(frag)
	if err != nil {
		return kernel.LocalState{}, err
	}
	return kernel.LocalState{Part: part.ID, Payload: payload, Digest: digest}, nil
}

// Restrict returns the digest of a proposal restricted to a part's
// selector keys.
func (f *fragmentCore) Restrict(p kernel.GlueProposal, part kernel.CoverPart) (string, error) {
	if err := f.driftError(); err != nil {
		return "", err
	}
	full, err := decodeFragment(p.Payload)
	if err != nil {
		return "", fmt.Errorf("proposal %s: %w", p.ID, err)
	}
	keys, err := decodeSelector(part.Selector)
	if err != nil {
		return "", fmt.Errorf("part %s: %w", part.ID, err)
	}
	frag := map[string]string{}
	for _, k := range keys {
		if v, ok := full[k]; ok {
			frag[k] = v
		}
	}
	_, digest, err := encodeFragment(frag)
	if err != nil {
		return "", err
	}
	return digest, nil
}

// Compatibility re-evaluates a compat witness: every key claimed in the
// witness payload must carry the same value in every local fragment that
// has it, and the witness must claim exactly the keys shared by two or
// more fragments of the tuple.
func (f *fragmentCore) Compatibility(w kernel.CompatWitness, locals map[kernel.CoverPartID]kernel.LocalState) (bool, error) {
	if err := f.driftError(); err != nil {
		return false, err
	}
	claimed, err := decodeFragment(w.Payload)
	if err != nil {
		return false, fmt.Errorf("witness %s: %w", w.Overlap, err)
	}

	frags := make([]map[string]string, 0, len(w.Parts))
	for _, part := range w.Parts {
		ls, ok := locals[part]
		if !ok {
			return false, fmt.Errorf("witness %s: no local for part %s", w.Overlap, part)
		}
		frag, err := decodeFragment(ls.Payload)
		if err != nil {
			return false, fmt.Errorf("local %s: %w", part, err)
		}
		frags = append(frags, frag)
	}

	shared := sharedValues(frags)
	if shared == nil {
		return false, nil // fragments disagree on an overlap key
	}
	if len(shared) != len(claimed) {
		return false, nil
	}
	for k, v := range shared {
		if claimed[k] != v {
			return false, nil
		}
	}
	return true, nil
}

// ProposeGlue merges the local fragments into the single obvious
// candidate, when they agree on all shared keys. Conflicting fragments
// yield an empty proposal set.
func (f *fragmentCore) ProposeGlue(core *kernel.DescentCore) ([]kernel.GlueProposal, error) {
	union := map[string]string{}
	for _, id := range core.Cover.PartIDs() {
		ls, ok := core.Locals[id]
		if !ok {
			continue
		}
		frag, err := decodeFragment(ls.Payload)
		if err != nil {
			return nil, fmt.Errorf("local %s: %w", id, err)
		}
		for k, v := range frag {
			if prev, ok := union[k]; ok && prev != v {
				return nil, nil // no consistent assembly exists
			}
			union[k] = v
		}
	}
	p, err := NewProposal(union)
	if err != nil {
		return nil, err
	}
	return []kernel.GlueProposal{p}, nil
}

// NewProposal builds a canonical glue proposal from a fragment map. The
// proposal id is derived from the content digest, so identical content
// always carries identical identity.
func NewProposal(frag map[string]string) (kernel.GlueProposal, error) {
	payload, digest, err := encodeFragment(frag)
	if err != nil {
		return kernel.GlueProposal{}, err
	}
	return kernel.GlueProposal{
		ID:      kernel.GlueProposalID("glue-" + digest[len(identity.DigestPrefix):len(identity.DigestPrefix)+12]),
		Payload: payload,
		Digest:  digest,
	}, nil
}

// NewSelector encodes a key subset as a cover part selector.
func NewSelector(keys ...string) []byte {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	b, _ := json.Marshal(sorted)
	return b
}

func decodeSelector(selector []byte) ([]string, error) {
	var keys []string
	if err := json.Unmarshal(selector, &keys); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	return keys, nil
}

// encodeFragment produces the canonical payload bytes and digest of a
// fragment. encoding/json writes map keys sorted, which keeps the payload
// byte-stable.
func encodeFragment(frag map[string]string) ([]byte, string, error) {
	payload, err := json.Marshal(frag)
	if err != nil {
		return nil, "", err
	}
	return payload, identity.DigestBytes(payload), nil
}

// sharedValues returns the agreed values of keys present in two or more
// fragments, or nil if any such key disagrees.
func sharedValues(frags []map[string]string) map[string]string {
	count := map[string]int{}
	value := map[string]string{}
	for _, frag := range frags {
		for k, v := range frag {
			if c, ok := count[k]; ok {
				if value[k] != v {
					return nil
				}
				count[k] = c + 1
			} else {
				count[k] = 1
				value[k] = v
			}
		}
	}
	shared := map[string]string{}
	for k, c := range count {
		if c >= 2 {
			shared[k] = value[k]
		}
	}
	return shared
}

// Witness emits the honest compat witness for one obligation.
func (f *fragmentCore) Witness(ob kernel.OverlapObligation, locals map[kernel.CoverPartID]kernel.LocalState) (kernel.CompatWitness, error) {
	return NewCompatWitness(ob, locals)
}

// NewCompatWitness builds the compat witness an honest adapter would emit
// for an obligation: the canonical encoding of the values shared by the
// obligation's local fragments.
func NewCompatWitness(ob kernel.OverlapObligation, locals map[kernel.CoverPartID]kernel.LocalState) (kernel.CompatWitness, error) {
	frags := make([]map[string]string, 0, len(ob.Parts))
	for _, part := range ob.Parts {
		ls, ok := locals[part]
		if !ok {
			return kernel.CompatWitness{}, fmt.Errorf("obligation %s: no local for part %s", ob.ID, part)
		}
		frag, err := decodeFragment(ls.Payload)
		if err != nil {
			return kernel.CompatWitness{}, err
		}
		frags = append(frags, frag)
	}
	shared := sharedValues(frags)
	if shared == nil {
		shared = map[string]string{} // disagreement; emit an honest empty claim that will fail re-evaluation
	}
	payload, digest, err := encodeFragment(shared)
	if err != nil {
		return kernel.CompatWitness{}, err
	}
	return kernel.CompatWitness{
		Overlap: ob.ID,
		Parts:   append([]kernel.CoverPartID(nil), ob.Parts...),
		Payload: payload,
		Digest:  digest,
	}, nil
}
