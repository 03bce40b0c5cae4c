package memory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gluegate/internal/logging"
)

// PolicyWatcher hot-reloads the work-memory derivation rules from
// .gluegate/policy/*.mg. Events are debounced so a burst of editor saves
// triggers a single reload, and a file that fails to parse leaves the
// previous rules in force.
type PolicyWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	mem       *WorkMemory
	policyDir string
	pending   map[string]time.Time
	debounce  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool

	reloads int
	errs    int
}

// NewPolicyWatcher creates a watcher over workspaceDir/.gluegate/policy.
func NewPolicyWatcher(workspaceDir string, mem *WorkMemory) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{
		watcher:   w,
		mem:       mem,
		policyDir: filepath.Join(workspaceDir, ".gluegate", "policy"),
		pending:   make(map[string]time.Time),
		debounce:  500 * time.Millisecond,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start loads any existing policy files, then begins watching. Non-blocking.
func (pw *PolicyWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	if err := os.MkdirAll(pw.policyDir, 0755); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("PolicyWatcher: failed to create %s: %v", pw.policyDir, err)
	}
	if err := pw.watcher.Add(pw.policyDir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("PolicyWatcher: initial watch failed: %v", err)
	} else {
		logging.Watcher("PolicyWatcher: watching %s", pw.policyDir)
	}

	pw.reload()
	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (pw *PolicyWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("PolicyWatcher: close: %v", err)
	}
	logging.Watcher("PolicyWatcher: stopped")
}

func (pw *PolicyWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("PolicyWatcher: %v", err)
			pw.mu.Lock()
			pw.errs++
			pw.mu.Unlock()
		case <-ticker.C:
			pw.flushSettled()
		}
	}
}

func (pw *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".mg") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	logging.MemoryDebug("PolicyWatcher: %s %s", event.Op, event.Name)
	pw.mu.Lock()
	pw.pending[event.Name] = time.Now()
	pw.mu.Unlock()
}

// flushSettled reloads once when every pending event is older than the
// debounce window.
func (pw *PolicyWatcher) flushSettled() {
	pw.mu.Lock()
	if len(pw.pending) == 0 {
		pw.mu.Unlock()
		return
	}
	now := time.Now()
	for _, at := range pw.pending {
		if now.Sub(at) < pw.debounce {
			pw.mu.Unlock()
			return
		}
	}
	pw.pending = make(map[string]time.Time)
	pw.mu.Unlock()

	pw.reload()
}

// reload concatenates every .mg file in the policy directory, in name
// order, and installs the result as the active rules. An empty directory
// keeps whatever rules are active.
func (pw *PolicyWatcher) reload() {
	entries, err := os.ReadDir(pw.policyDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryWatcher).Error("PolicyWatcher: read dir: %v", err)
		}
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".mg") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(pw.policyDir, name))
		if err != nil {
			logging.Get(logging.CategoryWatcher).Error("PolicyWatcher: read %s: %v", name, err)
			pw.mu.Lock()
			pw.errs++
			pw.mu.Unlock()
			return
		}
		sb.Write(data)
		sb.WriteString("\n")
	}

	if err := pw.mem.SetRules(sb.String()); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("PolicyWatcher: rules rejected, keeping previous: %v", err)
		pw.mu.Lock()
		pw.errs++
		pw.mu.Unlock()
		return
	}
	pw.mu.Lock()
	pw.reloads++
	pw.mu.Unlock()
	logging.Watcher("PolicyWatcher: reloaded %d policy file(s)", len(names))
}

// Reloads reports how many successful reloads have happened.
func (pw *PolicyWatcher) Reloads() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.reloads
}
