package kernel

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gluegate/internal/identity"
	"gluegate/internal/logging"
)

// CoverStrategy is the caller's proposed partitioning of a context. It is
// a proposal only: the kernel constructs and owns the resulting Cover, so
// callers cannot silently omit or rename parts after the fact.
type CoverStrategy struct {
	Name  string
	Parts []PartSpec
}

// PartSpec names one proposed part and carries its opaque selector.
type PartSpec struct {
	Name     string
	Selector []byte
}

var partNameRE = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// Strategy errors — caller bugs at cover construction, not witness
// material.
var (
	ErrEmptyStrategy  = errors.New("kernel: cover strategy proposes no parts")
	ErrBadPartName    = errors.New("kernel: invalid cover part name")
	ErrDuplicatePart  = errors.New("kernel: duplicate cover part")
	ErrNoStrategyName = errors.New("kernel: cover strategy requires a name")
)

// BuildCover constructs the authoritative Cover for ctx from a proposed
// strategy. Parts are normalized, validated, deduplicated and sorted; the
// cover id is a digest over the context lineage and the normalized parts,
// so the same strategy against the same snapshot always yields the same
// cover identity.
func BuildCover(ctx Context, strategy CoverStrategy) (*Cover, error) {
	timer := logging.StartTimer(logging.CategoryCover, "BuildCover")
	defer timer.Stop()

	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if strategy.Name == "" {
		return nil, ErrNoStrategyName
	}
	if len(strategy.Parts) == 0 {
		return nil, ErrEmptyStrategy
	}

	parts := make([]CoverPart, 0, len(strategy.Parts))
	seen := make(map[CoverPartID]bool, len(strategy.Parts))
	for _, spec := range strategy.Parts {
		name := normalizePartName(spec.Name)
		if name == "" || !partNameRE.MatchString(name) {
			return nil, fmt.Errorf("%w: %q", ErrBadPartName, spec.Name)
		}
		id := CoverPartID(name)
		if seen[id] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePart, name)
		}
		seen[id] = true
		parts = append(parts, CoverPart{
			ID:       id,
			Selector: append([]byte(nil), spec.Selector...),
			Digest:   identity.DigestBytes(spec.Selector),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })

	partVals := make([]identity.Value, len(parts))
	index := make(map[CoverPartID]int, len(parts))
	for i, p := range parts {
		partVals[i] = map[string]identity.Value{
			"id":     string(p.ID),
			"digest": p.Digest,
		}
		index[p.ID] = i
	}
	coverID, err := identity.Digest(map[string]identity.Value{
		"context_id": ctx.ID,
		"ctx_ref":    ctx.CtxRef,
		"strategy":   strategy.Name,
		"parts":      identity.Value(partVals),
	})
	if err != nil {
		return nil, fmt.Errorf("cover id: %w", err)
	}

	logging.CoverDebug("BuildCover: context=%s parts=%d cover=%s", ctx.ID, len(parts), coverID)
	return &Cover{
		ID:      coverID,
		Context: ctx,
		Parts:   parts,
		index:   index,
	}, nil
}

// EnumerateOverlaps generates the overlap obligations for a cover at the
// given level. Pairwise obligations are always generated; higher_cech adds
// the triple overlaps. The enumeration order is the deterministic key
// (arity, lexicographic part tuple, overlap id) regardless of how inputs
// were gathered.
func EnumerateOverlaps(cover *Cover, level OverlapLevel) ([]OverlapObligation, error) {
	if !ValidLevel(level) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	ids := cover.PartIDs()

	var out []OverlapObligation
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			ob, err := makeObligation(cover, ids[i], ids[j])
			if err != nil {
				return nil, err
			}
			out = append(out, ob)
		}
	}
	if level == OverlapHigherCech {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				for k := j + 1; k < len(ids); k++ {
					ob, err := makeObligation(cover, ids[i], ids[j], ids[k])
					if err != nil {
						return nil, err
					}
					out = append(out, ob)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Arity != b.Arity {
			return a.Arity < b.Arity
		}
		for k := 0; k < a.Arity; k++ {
			if a.Parts[k] != b.Parts[k] {
				return a.Parts[k] < b.Parts[k]
			}
		}
		return a.ID < b.ID
	})
	logging.CoverDebug("EnumerateOverlaps: cover=%s level=%s obligations=%d", cover.ID, level, len(out))
	return out, nil
}

func makeObligation(cover *Cover, parts ...CoverPartID) (OverlapObligation, error) {
	tuple := make([]identity.Value, len(parts))
	for i, p := range parts {
		tuple[i] = string(p)
	}
	id, err := identity.Digest(map[string]identity.Value{
		"cover_id": cover.ID,
		"arity":    int64(len(parts)),
		"parts":    identity.Value(tuple),
	})
	if err != nil {
		return OverlapObligation{}, fmt.Errorf("overlap id: %w", err)
	}
	return OverlapObligation{
		ID:    OverlapID(id),
		Arity: len(parts),
		Parts: append([]CoverPartID(nil), parts...),
	}, nil
}

func normalizePartName(name string) string {
	return strings.TrimSpace(name)
}
