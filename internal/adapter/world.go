// Package adapter provides reference implementations of the kernel's
// narrow collaborator interfaces: a static World with pluggable
// normalizers, and two domain adapters (task-graph and ledger) that share
// a fragment-map core. The kernel never learns any of this; it sees
// payload bytes, digests, and the four adapter operations.
package adapter

import (
	"encoding/json"
	"fmt"
	"reflect"

	"gluegate/internal/identity"
	"gluegate/internal/kernel"
)

// StaticWorld advertises a fixed overlap capability and a fixed normalizer
// table. Good enough for a single-process deployment; a networked world
// would negotiate the same surface.
type StaticWorld struct {
	WorldID     string
	Level       kernel.OverlapLevel
	Normalizers map[string]kernel.Normalizer
}

// NewStaticWorld builds a world with the standard normalizer table
// (canonical and strict-bytes).
func NewStaticWorld(id string, level kernel.OverlapLevel) *StaticWorld {
	return &StaticWorld{
		WorldID: id,
		Level:   level,
		Normalizers: map[string]kernel.Normalizer{
			NormalizerCanonical:   CanonicalNormalizer{},
			NormalizerStrictBytes: StrictBytesNormalizer{},
		},
	}
}

func (w *StaticWorld) ID() string { return w.WorldID }

func (w *StaticWorld) SupportedOverlapLevel() kernel.OverlapLevel { return w.Level }

func (w *StaticWorld) Normalizer(normalizerID string) (kernel.Normalizer, error) {
	n, ok := w.Normalizers[normalizerID]
	if !ok {
		return nil, fmt.Errorf("world %s: %w: no normalizer %q", w.WorldID, kernel.ErrComparisonUnavailable, normalizerID)
	}
	return n, nil
}

// Normalizer ids.
const (
	NormalizerCanonical   = "canonical"
	NormalizerStrictBytes = "strict-bytes"
)

// CanonicalNormalizer compares proposals by decoded fragment content:
// two proposals are equivalent iff they denote the same key/value map,
// regardless of byte formatting.
type CanonicalNormalizer struct{}

func (CanonicalNormalizer) Equivalent(a, b kernel.GlueProposal) (bool, error) {
	ma, err := decodeFragment(a.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: proposal %s: %v", kernel.ErrComparisonUnavailable, a.ID, err)
	}
	mb, err := decodeFragment(b.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: proposal %s: %v", kernel.ErrComparisonUnavailable, b.ID, err)
	}
	return reflect.DeepEqual(ma, mb), nil
}

// StrictBytesNormalizer compares proposals by payload digest only.
type StrictBytesNormalizer struct{}

func (StrictBytesNormalizer) Equivalent(a, b kernel.GlueProposal) (bool, error) {
	if !identity.IsDigest(a.Digest) || !identity.IsDigest(b.Digest) {
		return false, fmt.Errorf("%w: proposal without canonical digest", kernel.ErrComparisonUnavailable)
	}
	return a.Digest == b.Digest, nil
}

func decodeFragment(payload []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}
