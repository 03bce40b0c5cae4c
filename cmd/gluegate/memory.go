package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gluegate/internal/memory"
)

// issueFile is the on-disk form of the issue graph. The derived sets
// (ready, blocked) are never stored; they are recomputed from these facts
// every time.
type issueFile struct {
	Issues []issueEntry `json:"issues"`
	Deps   []depEntry   `json:"deps,omitempty"`
	Gates  []gateEntry  `json:"gates,omitempty"`
}

type issueEntry struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type depEntry struct {
	Child  string `json:"child"`
	Parent string `json:"parent"`
}

type gateEntry struct {
	Issue string `json:"issue"`
	RunID string `json:"run_id"`
}

var issuesPath string

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Work-memory issue graph (readiness derived, never stored)",
	}
	cmd.PersistentFlags().StringVar(&issuesPath, "file", "", "Issue file (default <workspace>/.gluegate/issues.json)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ready",
			Short: "List issues ready to claim",
			RunE:  func(c *cobra.Command, a []string) error { return memoryDerived("ready") },
		},
		&cobra.Command{
			Use:   "blocked",
			Short: "List blocked issues",
			RunE:  func(c *cobra.Command, a []string) error { return memoryDerived("blocked") },
		},
		&cobra.Command{
			Use:   "add [issue-id]",
			Short: "Add an open issue",
			Args:  cobra.ExactArgs(1),
			RunE:  memoryAdd,
		},
		&cobra.Command{
			Use:   "dep [child] [parent]",
			Short: "Record that child waits on parent",
			Args:  cobra.ExactArgs(2),
			RunE:  memoryDep,
		},
		&cobra.Command{
			Use:   "claim [issue-id] [worker-id]",
			Short: "Claim a ready issue for a worker",
			Args:  cobra.ExactArgs(2),
			RunE:  memoryClaim,
		},
		&cobra.Command{
			Use:   "complete [issue-id]",
			Short: "Mark a claimed issue done",
			Args:  cobra.ExactArgs(1),
			RunE:  memoryComplete,
		},
		&cobra.Command{
			Use:   "gate [issue-id] [run-id]",
			Short: "Attach a recorded gate run to an issue",
			Args:  cobra.ExactArgs(2),
			RunE:  memoryGate,
		},
	)
	return cmd
}

func resolveIssuesPath() string {
	if issuesPath != "" {
		return issuesPath
	}
	return filepath.Join(cfg.Store.Workspace, ".gluegate", "issues.json")
}

func loadIssueFile() (*issueFile, error) {
	data, err := os.ReadFile(resolveIssuesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &issueFile{}, nil
		}
		return nil, fmt.Errorf("failed to read issue file: %w", err)
	}
	var f issueFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse issue file: %w", err)
	}
	return &f, nil
}

func saveIssueFile(f *issueFile) error {
	path := resolveIssuesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// buildMemory replays the issue file into a fresh work memory. Gate
// references are resolved against the run store so a rejection recorded
// there blocks the issue here.
func buildMemory(f *issueFile) (*memory.WorkMemory, error) {
	m := memory.NewWorkMemory()
	for _, is := range f.Issues {
		if err := m.AddIssue(is.ID, memory.Status(is.Status)); err != nil {
			return nil, err
		}
	}
	for _, d := range f.Deps {
		if err := m.AddDependency(d.Child, d.Parent); err != nil {
			return nil, err
		}
	}
	if len(f.Gates) > 0 {
		st, err := openStore()
		if err != nil {
			return nil, err
		}
		defer st.Close()
		for _, g := range f.Gates {
			w, err := st.GetRun(g.RunID)
			if err != nil {
				return nil, fmt.Errorf("gate for issue %s: %w", g.Issue, err)
			}
			if err := m.RecordGate(g.Issue, w); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func memoryDerived(kind string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	m, err := buildMemory(f)
	if err != nil {
		return err
	}
	var ids []string
	if kind == "ready" {
		ids, err = m.Ready()
	} else {
		ids, err = m.Blocked()
	}
	if err != nil {
		return err
	}
	return printJSON(ids)
}

func memoryAdd(cmd *cobra.Command, args []string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	for _, is := range f.Issues {
		if is.ID == args[0] {
			return fmt.Errorf("issue %s already exists", args[0])
		}
	}
	f.Issues = append(f.Issues, issueEntry{ID: args[0], Status: string(memory.StatusOpen)})
	return saveIssueFile(f)
}

func memoryDep(cmd *cobra.Command, args []string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	// Validate through the derivation engine before persisting.
	f.Deps = append(f.Deps, depEntry{Child: args[0], Parent: args[1]})
	if _, err := buildMemory(f); err != nil {
		return err
	}
	return saveIssueFile(f)
}

func memoryClaim(cmd *cobra.Command, args []string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	m, err := buildMemory(f)
	if err != nil {
		return err
	}
	claim, err := m.ClaimIssue(args[0], args[1])
	if err != nil {
		return err
	}
	setStatus(f, args[0], memory.StatusClaimed)
	if err := saveIssueFile(f); err != nil {
		return err
	}
	return printJSON(claim)
}

func memoryComplete(cmd *cobra.Command, args []string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	found := false
	for _, is := range f.Issues {
		if is.ID == args[0] {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("unknown issue %s", args[0])
	}
	setStatus(f, args[0], memory.StatusDone)
	return saveIssueFile(f)
}

func memoryGate(cmd *cobra.Command, args []string) error {
	f, err := loadIssueFile()
	if err != nil {
		return err
	}
	f.Gates = append(f.Gates, gateEntry{Issue: args[0], RunID: args[1]})
	m, err := buildMemory(f)
	if err != nil {
		return err
	}
	// RecordGate may have moved the issue to /gated; mirror that here.
	blocked, err := m.Blocked()
	if err != nil {
		return err
	}
	isBlocked := false
	for _, id := range blocked {
		if id == args[0] {
			isBlocked = true
		}
	}
	if !isBlocked {
		setStatus(f, args[0], memory.StatusGated)
	}
	return saveIssueFile(f)
}

func setStatus(f *issueFile, id string, status memory.Status) {
	for i := range f.Issues {
		if f.Issues[i].ID == id {
			f.Issues[i].Status = string(status)
		}
	}
}
