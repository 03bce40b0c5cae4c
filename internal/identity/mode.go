package identity

import (
	"errors"
	"fmt"
)

// Mode binds all comparison and equality semantics for one run. Two claims
// are equal iff their canonical digests under the same Mode are equal.
// Threaded explicitly through every call; there is no process-wide mode.
type Mode struct {
	NormalizerID string `json:"normalizerId"`
	PolicyDigest string `json:"policyDigest"`
}

// ErrEmptyMode is returned when either half of the pair is missing.
var ErrEmptyMode = errors.New("identity: mode requires both normalizerId and policyDigest")

// Validate checks the mode is fully specified.
func (m Mode) Validate() error {
	if m.NormalizerID == "" || m.PolicyDigest == "" {
		return ErrEmptyMode
	}
	return nil
}

// Equal reports whether two modes bind the same comparison semantics.
func (m Mode) Equal(other Mode) bool {
	return m.NormalizerID == other.NormalizerID && m.PolicyDigest == other.PolicyDigest
}

func (m Mode) String() string {
	return fmt.Sprintf("%s@%s", m.NormalizerID, m.PolicyDigest)
}

// Identity returns the mode as identity material.
func (m Mode) Identity() Value {
	return map[string]Value{
		"normalizer_id": m.NormalizerID,
		"policy_digest": m.PolicyDigest,
	}
}

// PolicyParams is the declared parameter set hashed into a policyDigest.
// Everything capable of changing an accept/reject outcome or an
// equality/contractibility result belongs here; scheduling and retry-timing
// knobs must stay out.
type PolicyParams struct {
	NormalizerID    string
	OverlapLevel    string
	EquivalenceMode string
	Params          map[string]Value
}

// PolicyDigest hashes the declared parameters into a policyDigest.
func PolicyDigest(p PolicyParams) (string, error) {
	params := map[string]Value{}
	for k, v := range p.Params {
		params[k] = v
	}
	return Digest(map[string]Value{
		"normalizer_id":    p.NormalizerID,
		"overlap_level":    p.OverlapLevel,
		"equivalence_mode": p.EquivalenceMode,
		"params":           params,
	})
}
