package witness

import (
	"errors"
	"fmt"
	"sort"

	"gluegate/internal/identity"
)

// TransportClass is a cross-boundary transport failure class. The
// vocabulary is disjoint from the Gate taxonomy on purpose: transport
// trouble between kernel instances must never masquerade as an
// admissibility verdict.
type TransportClass string

const (
	TransportCodecMismatch    TransportClass = "codec_mismatch"
	TransportVersionSkew      TransportClass = "version_skew"
	TransportIntegrityFailure TransportClass = "integrity_failure"
)

var transportRank = map[TransportClass]int{
	TransportCodecMismatch:    0,
	TransportVersionSkew:      1,
	TransportIntegrityFailure: 2,
}

// TransportFailure is one typed transport-layer rejection.
type TransportFailure struct {
	Class  TransportClass `json:"class"`
	Peer   string         `json:"peer,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// TransportWitness records the outcome of moving a Gate witness across a
// boundary. GateRef points at the carried Gate witness by digest;
// GateResult echoes its verdict read-only. A transport witness can report
// delivery trouble, but it can never upgrade (or downgrade) the Gate
// verdict it carries.
type TransportWitness struct {
	WitnessKind Kind               `json:"witnessKind"`
	GateRef     string             `json:"gateRef"`
	GateResult  Result             `json:"gateResult"`
	SourceWorld string             `json:"sourceWorld"`
	TargetWorld string             `json:"targetWorld"`
	Delivered   bool               `json:"delivered"`
	Failures    []TransportFailure `json:"failures,omitempty"`
	Digest      string             `json:"digest"`
}

var (
	ErrUnknownTransportClass = errors.New("witness: transport class outside the transport taxonomy")
	ErrMissingGateRef        = errors.New("witness: transport witness requires a gate witness reference")
)

// EmitTransport packages the crossing of gate from source to target.
// Delivered is true iff there are no transport failures.
func EmitTransport(gate GateWitness, sourceWorld, targetWorld string, failures []TransportFailure) (TransportWitness, error) {
	if gate.Digest == "" {
		return TransportWitness{}, ErrMissingGateRef
	}
	seen := map[string]bool{}
	out := make([]TransportFailure, 0, len(failures))
	for _, f := range failures {
		if _, ok := transportRank[f.Class]; !ok {
			return TransportWitness{}, fmt.Errorf("%w: %q", ErrUnknownTransportClass, f.Class)
		}
		k := string(f.Class) + "|" + f.Peer + "|" + f.Detail
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if transportRank[a.Class] != transportRank[b.Class] {
			return transportRank[a.Class] < transportRank[b.Class]
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Detail < b.Detail
	})

	tw := TransportWitness{
		WitnessKind: KindTransport,
		GateRef:     gate.Digest,
		GateResult:  gate.Result,
		SourceWorld: sourceWorld,
		TargetWorld: targetWorld,
		Delivered:   len(out) == 0,
		Failures:    out,
	}

	fvals := make([]identity.Value, 0, len(out))
	for _, f := range out {
		fvals = append(fvals, map[string]identity.Value{
			"class":  string(f.Class),
			"peer":   f.Peer,
			"detail": f.Detail,
		})
	}
	d, err := identity.Digest(map[string]identity.Value{
		"witness_kind": string(KindTransport),
		"gate_ref":     tw.GateRef,
		"gate_result":  string(tw.GateResult),
		"source_world": tw.SourceWorld,
		"target_world": tw.TargetWorld,
		"delivered":    tw.Delivered,
		"failures":     identity.Value(fvals),
	})
	if err != nil {
		return TransportWitness{}, err
	}
	tw.Digest = d
	return tw, nil
}
