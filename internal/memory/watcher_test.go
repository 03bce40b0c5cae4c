package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPolicyWatcherLoadsOnStart(t *testing.T) {
	ws := t.TempDir()
	policyDir := filepath.Join(ws, ".gluegate", "policy")
	if err := os.MkdirAll(policyDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	rules := "ready_issue(X) :- issue(X, /open).\n"
	if err := os.WriteFile(filepath.Join(policyDir, "00-ready.mg"), []byte(rules), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := NewWorkMemory()
	pw, err := NewPolicyWatcher(ws, m)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	if err := pw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pw.Stop()

	if pw.Reloads() != 1 {
		t.Fatalf("reloads = %d, want 1", pw.Reloads())
	}
	if m.Rules() != rules {
		t.Fatalf("rules = %q, want %q", m.Rules(), rules)
	}
}

func TestPolicyWatcherHotReloadChangesDerivation(t *testing.T) {
	ws := t.TempDir()
	m := NewWorkMemory()
	for _, id := range []string{"a", "b"} {
		if err := m.AddIssue(id, StatusOpen); err != nil {
			t.Fatalf("AddIssue: %v", err)
		}
	}
	if err := m.AddDependency("a", "b"); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	wantReady(t, m, []string{"b"})

	pw, err := NewPolicyWatcher(ws, m)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	pw.debounce = 50 * time.Millisecond
	if err := pw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pw.Stop()

	// Dependencies no longer gate readiness under the replacement policy.
	permissive := "ready_issue(X) :- issue(X, /open).\n"
	if err := os.WriteFile(filepath.Join(ws, ".gluegate", "policy", "00-ready.mg"), []byte(permissive), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return pw.Reloads() >= 1 })
	wantReady(t, m, []string{"a", "b"})
}

func TestPolicyWatcherKeepsRulesOnBadFile(t *testing.T) {
	ws := t.TempDir()
	m := NewWorkMemory()
	if err := m.AddIssue("a", StatusOpen); err != nil {
		t.Fatalf("AddIssue: %v", err)
	}
	prev := m.Rules()

	pw, err := NewPolicyWatcher(ws, m)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	pw.debounce = 50 * time.Millisecond
	if err := pw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pw.Stop()

	if err := os.WriteFile(filepath.Join(ws, ".gluegate", "policy", "broken.mg"), []byte("ready_issue(X :-"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		pw.mu.Lock()
		defer pw.mu.Unlock()
		return pw.errs >= 1
	})
	if m.Rules() != prev {
		t.Fatal("rules changed after a rejected policy file")
	}
	wantReady(t, m, []string{"a"})
}
