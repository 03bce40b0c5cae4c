package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gluegate/internal/adapter"
	"gluegate/internal/config"
	"gluegate/internal/gate"
	"gluegate/internal/identity"
	"gluegate/internal/kernel"
	"gluegate/internal/logging"
	"gluegate/internal/refine"
	"gluegate/internal/store"
	"gluegate/internal/witness"
)

var (
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gluegate",
	Short: "gluegate - descent/admissibility closure gate",
	Long: `gluegate decides whether local results over overlapping partitions of a
shared context assemble into exactly one globally consistent result.

Every run terminates in a witness: accepted with a unique glue, or rejected
with typed failure classes precise enough to drive deterministic refinement.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if workspace != "" {
			cfg.Store.Workspace = workspace
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(cfg.Store.Workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// checkRequest is the file format of one gate check.
type checkRequest struct {
	ContextID   string            `json:"context_id"`
	CtxRef      string            `json:"ctx_ref"`
	DataHeadRef string            `json:"data_head_ref,omitempty"`
	Level       string            `json:"level,omitempty"`
	Adapter     adapterSpec       `json:"adapter"`
	Snapshot    map[string]string `json:"snapshot"`
	Strategy    strategySpec      `json:"strategy"`
	Mode        *identity.Mode    `json:"mode,omitempty"`
	Refine      *refineSpec       `json:"refine,omitempty"`
}

type adapterSpec struct {
	ID      string `json:"id"` // taskgraph, ledger
	Version string `json:"version"`
}

type strategySpec struct {
	Name  string     `json:"name"`
	Parts []partSpec `json:"parts"`
}

type partSpec struct {
	Name string   `json:"name"`
	Keys []string `json:"keys"`
}

type refineSpec struct {
	CtxRefs []map[string]map[string]string `json:"ctx_refs,omitempty"` // ctx_ref -> snapshot
	Covers  []strategySpec                 `json:"covers,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [request.json]",
	Short: "Run one admissibility check and print the witness",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

var refineCmd = &cobra.Command{
	Use:   "refine [run-id]",
	Short: "Print the next refinement axis for a rejected run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefine,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print the witness of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsChainCmd = &cobra.Command{
	Use:   "chain [run-id]",
	Short: "Print a run's refinement ancestry",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsChain,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".gluegate/config.yaml", "Configuration file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Operation timeout")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(refineCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsChainCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(memoryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	return store.NewStore(cfg.Store.Workspace)
}

func buildAdapter(spec adapterSpec) (kernel.Adapter, gate.Prover, interface {
	AddSnapshot(string, map[string]string)
}, error) {
	switch spec.ID {
	case "taskgraph", "":
		tg := adapter.NewTaskGraph(spec.Version)
		return tg, tg, tg, nil
	case "ledger":
		lg := adapter.NewLedger(spec.Version)
		return lg, lg, lg, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown adapter %q", spec.ID)
	}
}

func buildStrategy(spec strategySpec) kernel.CoverStrategy {
	out := kernel.CoverStrategy{Name: spec.Name}
	for _, p := range spec.Parts {
		out.Parts = append(out.Parts, kernel.PartSpec{
			Name:     p.Name,
			Selector: adapter.NewSelector(p.Keys...),
		})
	}
	return out
}

func resolveMode(req *checkRequest, level kernel.OverlapLevel) (identity.Mode, error) {
	if req.Mode != nil {
		return *req.Mode, req.Mode.Validate()
	}
	pd, err := identity.PolicyDigest(identity.PolicyParams{
		NormalizerID:    cfg.Gate.NormalizerID,
		OverlapLevel:    string(level),
		EquivalenceMode: cfg.Gate.NormalizerID,
	})
	if err != nil {
		return identity.Mode{}, err
	}
	return identity.Mode{NormalizerID: cfg.Gate.NormalizerID, PolicyDigest: pd}, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	var req checkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse request: %w", err)
	}

	level := kernel.OverlapLevel(req.Level)
	if req.Level == "" {
		level = kernel.OverlapLevel(cfg.Gate.OverlapLevel)
	}
	mode, err := resolveMode(&req, level)
	if err != nil {
		return err
	}
	ad, prover, snaps, err := buildAdapter(req.Adapter)
	if err != nil {
		return err
	}
	snaps.AddSnapshot(req.CtxRef, req.Snapshot)

	var st *store.Store
	if cfg.Store.Enabled {
		if st, err = openStore(); err != nil {
			return err
		}
		defer st.Close()
	}

	g, err := gate.New(gate.Deps{
		World:   adapter.NewStaticWorld(cfg.Gate.WorldID, kernel.OverlapLevel(cfg.Gate.OverlapLevel)),
		Adapter: ad,
		Prover:  prover,
		Store:   st,
		Ladder:  refine.Ladder{MaxSteps: cfg.Gate.MaxRefineSteps},
	})
	if err != nil {
		return err
	}

	greq := gate.Request{
		ContextID:   req.ContextID,
		CtxRef:      req.CtxRef,
		Strategy:    buildStrategy(req.Strategy),
		Mode:        mode,
		Level:       level,
		DataHeadRef: req.DataHeadRef,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if req.Refine == nil {
		w, err := g.Run(ctx, greq)
		if err != nil {
			return err
		}
		logger.Info("check finished",
			zap.String("run_id", w.RunID),
			zap.String("result", string(w.Result)))
		return printJSON(w)
	}

	plan := gate.Plan{}
	for _, s := range req.Refine.Covers {
		plan.Covers = append(plan.Covers, buildStrategy(s))
	}
	for _, refSnap := range req.Refine.CtxRefs {
		for ref, snapshot := range refSnap {
			snaps.AddSnapshot(ref, snapshot)
			plan.CtxRefs = append(plan.CtxRefs, ref)
		}
	}
	chain, err := g.RunWithRefinement(ctx, greq, plan)
	if err != nil {
		return err
	}
	logger.Info("refinement chain finished",
		zap.Int("runs", len(chain)),
		zap.String("terminal", string(chain[len(chain)-1].Result)))
	return printJSON(chain)
}

func runRefine(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	w, err := st.GetRun(args[0])
	if err != nil {
		return err
	}
	if w.Result != witness.Rejected {
		return fmt.Errorf("run %s is not a rejection", w.RunID)
	}

	steps, err := st.Chain(w.RunID)
	if err != nil {
		return err
	}
	attempted := make([]refine.Axis, 0, len(steps))
	for _, s := range steps {
		attempted = append(attempted, s.Axis)
	}

	ladder := refine.Ladder{MaxSteps: cfg.Gate.MaxRefineSteps}
	axis, err := ladder.Next(w, attempted)
	if errors.Is(err, refine.ErrExhausted) {
		return printJSON(map[string]any{"run_id": w.RunID, "exhausted": true})
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": w.RunID, "next_axis": axis})
}

func runRunsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(50)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-8s  %s  %s\n", r.CreatedAt.Format(time.RFC3339), r.Result, r.ContextID, r.RunID)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	w, err := st.GetRun(args[0])
	if err != nil {
		return err
	}
	return printJSON(w)
}

func runRunsChain(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	steps, err := st.Chain(args[0])
	if err != nil {
		return err
	}
	return printJSON(steps)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
