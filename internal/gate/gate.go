// Package gate is the closure gate: it assembles a DescentCore from a
// request, runs the kernel once, records the witness, and on rejection
// climbs the refinement ladder with caller-supplied candidates until a run
// is accepted or the ladder is exhausted. The kernel stays pure; all I/O
// and retry policy live here.
package gate

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"gluegate/internal/identity"
	"gluegate/internal/kernel"
	"gluegate/internal/logging"
	"gluegate/internal/refine"
	"gluegate/internal/store"
	"gluegate/internal/witness"
)

// Prover turns discharged obligations into compat witnesses. Separate from
// kernel.Adapter: the kernel only ever re-evaluates witnesses, it never
// asks for them.
type Prover interface {
	Witness(ob kernel.OverlapObligation, locals map[kernel.CoverPartID]kernel.LocalState) (kernel.CompatWitness, error)
}

// Request is one admissibility question.
type Request struct {
	ContextID   string
	CtxRef      string
	Strategy    kernel.CoverStrategy
	Mode        identity.Mode
	Level       kernel.OverlapLevel
	DataHeadRef string
}

func (r Request) validate() error {
	if r.ContextID == "" || r.CtxRef == "" {
		return kernel.ErrIncompleteContext
	}
	if !kernel.ValidLevel(r.Level) {
		return fmt.Errorf("%w: %q", kernel.ErrUnknownLevel, r.Level)
	}
	return r.Mode.Validate()
}

// Plan lists the refinement candidates available per axis, consumed in
// order as the ladder asks for that axis.
type Plan struct {
	Covers   []kernel.CoverStrategy
	CtxRefs  []string
	Adapters []kernel.Adapter
	Modes    []identity.Mode
}

// Deps wires a gate.
type Deps struct {
	World   kernel.World
	Adapter kernel.Adapter
	Prover  Prover
	Store   *store.Store // nil disables persistence
	Ladder  refine.Ladder
}

// Gate runs admissibility checks against one world/adapter pair.
type Gate struct {
	world   kernel.World
	adapter kernel.Adapter
	prover  Prover
	store   *store.Store
	ladder  refine.Ladder
}

var ErrIncompleteGate = errors.New("gate: world, adapter and prover are required")

// New builds a gate from its dependencies.
func New(deps Deps) (*Gate, error) {
	if deps.World == nil || deps.Adapter == nil || deps.Prover == nil {
		return nil, ErrIncompleteGate
	}
	return &Gate{
		world:   deps.World,
		adapter: deps.Adapter,
		prover:  deps.Prover,
		store:   deps.Store,
		ladder:  deps.Ladder,
	}, nil
}

// Run executes one gate check and persists its witness.
func (g *Gate) Run(ctx context.Context, req Request) (witness.GateWitness, error) {
	w, _, err := g.runWith(ctx, req, g.adapter)
	return w, err
}

// runWith assembles the core with the given adapter and runs the kernel
// once. It also returns the run's identity for refinement-step validation.
func (g *Gate) runWith(ctx context.Context, req Request, ad kernel.Adapter) (witness.GateWitness, refine.RunIdentity, error) {
	var zero refine.RunIdentity
	if err := req.validate(); err != nil {
		return witness.GateWitness{}, zero, err
	}
	if err := ctx.Err(); err != nil {
		return witness.GateWitness{}, zero, err
	}

	kctx := kernel.Context{ID: req.ContextID, CtxRef: req.CtxRef}
	cover, err := kernel.BuildCover(kctx, req.Strategy)
	if err != nil {
		return witness.GateWitness{}, zero, fmt.Errorf("build cover: %w", err)
	}
	ident := refine.RunIdentity{
		CoverID:        cover.ID,
		CtxRef:         req.CtxRef,
		Mode:           req.Mode,
		AdapterVersion: ad.Version(),
	}

	// Projection is the only per-part work; gather it in parallel. Each
	// goroutine writes its own slot.
	results := make([]kernel.LocalState, len(cover.Parts))
	eg, _ := errgroup.WithContext(ctx)
	for i, part := range cover.Parts {
		eg.Go(func() error {
			ls, err := ad.Project(kctx, part)
			if err != nil {
				return fmt.Errorf("project %s: %w", part.ID, err)
			}
			results[i] = ls
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return witness.GateWitness{}, zero, err
	}
	locals := make(map[kernel.CoverPartID]kernel.LocalState, len(results))
	for _, ls := range results {
		locals[ls.Part] = ls
	}

	obligations, err := kernel.EnumerateOverlaps(cover, req.Level)
	if err != nil {
		return witness.GateWitness{}, zero, fmt.Errorf("enumerate overlaps: %w", err)
	}
	compat := make([]kernel.CompatWitness, 0, len(obligations))
	for _, ob := range obligations {
		cw, err := g.prover.Witness(ob, locals)
		if err != nil {
			return witness.GateWitness{}, zero, fmt.Errorf("witness %s: %w", ob.ID, err)
		}
		compat = append(compat, cw)
	}

	core, err := kernel.NewDescentCore(cover, locals, compat, req.Mode, req.Level)
	if err != nil {
		return witness.GateWitness{}, zero, fmt.Errorf("assemble core: %w", err)
	}
	proposals, err := ad.ProposeGlue(core)
	if err != nil {
		return witness.GateWitness{}, zero, fmt.Errorf("propose glue: %w", err)
	}

	w, err := kernel.Check(kernel.CheckInput{
		Core:        core,
		Proposals:   proposals,
		World:       g.world,
		Adapter:     ad,
		DataHeadRef: req.DataHeadRef,
	})
	if err != nil {
		return witness.GateWitness{}, zero, err
	}
	logging.Gate("run=%s result=%s", w.RunID, w.Result)

	if g.store != nil {
		if err := g.store.SaveWitness(w); err != nil {
			return witness.GateWitness{}, zero, fmt.Errorf("persist witness: %w", err)
		}
	}
	return w, ident, nil
}

// RunWithRefinement runs the request, and while it is rejected, asks the
// ladder for the next axis and applies the plan's next candidate for that
// axis. Axes with no remaining candidate are skipped but still consume a
// rung. Returns every witness in chain order; the last one is terminal.
func (g *Gate) RunWithRefinement(ctx context.Context, req Request, plan Plan) ([]witness.GateWitness, error) {
	ad := g.adapter
	w, ident, err := g.runWith(ctx, req, ad)
	if err != nil {
		return nil, err
	}
	out := []witness.GateWitness{w}

	var attempted []refine.Axis
	used := map[refine.Axis]int{}
	for w.Result == witness.Rejected {
		axis, err := g.ladder.Next(w, attempted)
		if errors.Is(err, refine.ErrExhausted) {
			logging.Gate("refinement exhausted: run=%s steps=%d", w.RunID, len(attempted))
			break
		}
		if err != nil {
			return out, err
		}
		attempted = append(attempted, axis)

		i := used[axis]
		used[axis]++
		applied := false
		switch axis {
		case refine.AxisCover:
			if i < len(plan.Covers) {
				req.Strategy = plan.Covers[i]
				applied = true
			}
		case refine.AxisCtxRef:
			if i < len(plan.CtxRefs) {
				req.CtxRef = plan.CtxRefs[i]
				applied = true
			}
		case refine.AxisAdapterVersion:
			if i < len(plan.Adapters) {
				ad = plan.Adapters[i]
				applied = true
			}
		case refine.AxisMode:
			if i < len(plan.Modes) {
				req.Mode = plan.Modes[i]
				applied = true
			}
		}
		if !applied {
			continue
		}

		child, childIdent, err := g.runWith(ctx, req, ad)
		if err != nil {
			return out, err
		}
		step := refine.Step{ParentRunID: w.RunID, ChildRunID: child.RunID, Axis: axis}
		if err := refine.ValidateStep(step, ident, childIdent); err != nil {
			return out, fmt.Errorf("refinement step %s -> %s: %w", w.RunID, child.RunID, err)
		}
		if g.store != nil {
			if err := g.store.SaveStep(step); err != nil {
				return out, fmt.Errorf("persist step: %w", err)
			}
		}
		logging.Gate("refined: parent=%s child=%s axis=%s result=%s", w.RunID, child.RunID, axis, child.Result)
		out = append(out, child)
		w, ident = child, childIdent
	}
	return out, nil
}
