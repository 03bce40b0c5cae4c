// Package memory is the work-memory layer: an issue graph with dependency
// edges, worker claims, and recorded gate outcomes, with readiness derived
// by Datalog rules rather than hand-written traversals. The rules are data
// and can be swapped at runtime; the facts are the only ground truth.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/uuid"

	"gluegate/internal/logging"
	"gluegate/internal/witness"
)

// Status of an issue, as a Mangle name constant.
type Status string

const (
	StatusOpen    Status = "/open"
	StatusClaimed Status = "/claimed"
	StatusGated   Status = "/gated"
	StatusDone    Status = "/done"
	StatusBlocked Status = "/blocked"
)

var validStatus = map[Status]bool{
	StatusOpen: true, StatusClaimed: true, StatusGated: true,
	StatusDone: true, StatusBlocked: true,
}

const schemas = `
Decl issue(Id, Status).
Decl depends_on(Child, Parent).
Decl claim(Issue, Worker).
Decl gate_ref(Issue, Run, Result).
`

// defaultRules derive readiness. An issue is ready when it is open, every
// dependency is done, no gate rejection stands against it, and nobody holds
// a live claim.
const defaultRules = `
done_issue(X) :- issue(X, /done).
unmet_dep(X) :- depends_on(X, Y), !done_issue(Y).
rejected_gate(X) :- gate_ref(X, _, /rejected).
blocked_issue(X) :- unmet_dep(X).
blocked_issue(X) :- rejected_gate(X).
blocked_issue(X) :- issue(X, /blocked).
claimed_issue(X) :- claim(X, _).
ready_issue(X) :- issue(X, /open), !blocked_issue(X), !claimed_issue(X).
`

var (
	ErrUnknownIssue   = errors.New("memory: unknown issue")
	ErrDuplicateIssue = errors.New("memory: issue already exists")
	ErrBadStatus      = errors.New("memory: status outside the issue vocabulary")
	ErrNotReady       = errors.New("memory: issue is not ready")
	ErrBadLease       = errors.New("memory: lease does not match the active claim")
)

// Claim is a worker's exclusive hold on an issue.
type Claim struct {
	Issue   string
	Worker  string
	Lease   string
	Expires time.Time
}

// WorkMemory holds the issue graph and evaluates it to fixpoint after every
// mutation.
type WorkMemory struct {
	mu          sync.RWMutex
	facts       []Fact
	claims      map[string]Claim
	store       factstore.FactStore
	programInfo *analysis.ProgramInfo
	rules       string
	leaseDur    time.Duration
	now         func() time.Time
}

// NewWorkMemory creates an empty work memory with the default readiness
// rules and a 15 minute claim lease.
func NewWorkMemory() *WorkMemory {
	return &WorkMemory{
		claims:   make(map[string]Claim),
		store:    factstore.NewSimpleInMemoryStore(),
		rules:    defaultRules,
		leaseDur: 15 * time.Minute,
		now:      time.Now,
	}
}

// AddIssue registers a new issue.
func (m *WorkMemory) AddIssue(id string, status Status) error {
	if !validStatus[status] {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findIssue(id) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateIssue, id)
	}
	m.facts = append(m.facts, Fact{Predicate: "issue", Args: []interface{}{id, string(status)}})
	return m.rebuild()
}

// SetStatus rewrites an issue's status fact.
func (m *WorkMemory) SetStatus(id string, status Status) error {
	if !validStatus[status] {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *WorkMemory) setStatusLocked(id string, status Status) error {
	i := m.findIssue(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	m.facts[i].Args[1] = string(status)
	return m.rebuild()
}

// findIssue returns the index of an issue fact, or -1.
func (m *WorkMemory) findIssue(id string) int {
	for i, f := range m.facts {
		if f.Predicate == "issue" && f.Args[0] == id {
			return i
		}
	}
	return -1
}

// AddDependency records that child cannot start until parent is done. Both
// issues must already exist.
func (m *WorkMemory) AddDependency(child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range []string{child, parent} {
		if m.findIssue(id) < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
		}
	}
	m.facts = append(m.facts, Fact{Predicate: "depends_on", Args: []interface{}{child, parent}})
	return m.rebuild()
}

// ClaimIssue gives a worker an exclusive, leased hold on a ready issue.
func (m *WorkMemory) ClaimIssue(issue, worker string) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ready, err := m.derivedLocked("ready_issue")
	if err != nil {
		return Claim{}, err
	}
	found := false
	for _, id := range ready {
		if id == issue {
			found = true
			break
		}
	}
	if !found {
		return Claim{}, fmt.Errorf("%w: %s", ErrNotReady, issue)
	}

	c := Claim{
		Issue:   issue,
		Worker:  worker,
		Lease:   uuid.NewString(),
		Expires: m.now().Add(m.leaseDur),
	}
	m.claims[issue] = c
	if err := m.rebuild(); err != nil {
		delete(m.claims, issue)
		return Claim{}, err
	}
	logging.Memory("ClaimIssue: issue=%s worker=%s lease=%s", issue, worker, c.Lease)
	return c, nil
}

// Release drops a claim without finishing the issue.
func (m *WorkMemory) Release(issue, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[issue]
	if !ok || c.Lease != lease {
		return fmt.Errorf("%w: issue %s", ErrBadLease, issue)
	}
	delete(m.claims, issue)
	return m.rebuild()
}

// Complete marks a claimed issue done and drops the claim.
func (m *WorkMemory) Complete(issue, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[issue]
	if !ok || c.Lease != lease {
		return fmt.Errorf("%w: issue %s", ErrBadLease, issue)
	}
	delete(m.claims, issue)
	return m.setStatusLocked(issue, StatusDone)
}

// RecordGate attaches a gate witness outcome to an issue. An accepted
// witness moves the issue to /gated; a rejected one leaves the status alone
// and blocks the issue through the derivation rules.
func (m *WorkMemory) RecordGate(issue string, w witness.GateWitness) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findIssue(issue) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, issue)
	}
	result := "/rejected"
	if w.Result == witness.Accepted {
		result = "/accepted"
	}
	m.facts = append(m.facts, Fact{Predicate: "gate_ref", Args: []interface{}{issue, w.RunID, result}})
	if w.Result == witness.Accepted {
		return m.setStatusLocked(issue, StatusGated)
	}
	return m.rebuild()
}

// Ready returns the ready issues, sorted.
func (m *WorkMemory) Ready() ([]string, error) {
	return m.derived("ready_issue")
}

// Blocked returns the blocked issues, sorted.
func (m *WorkMemory) Blocked() ([]string, error) {
	return m.derived("blocked_issue")
}

func (m *WorkMemory) derived(predicate string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.derivedLocked(predicate)
}

// derivedLocked reaps expired leases, then reads one derived unary
// predicate out of the fixpoint.
func (m *WorkMemory) derivedLocked(predicate string) ([]string, error) {
	expired := false
	now := m.now()
	for issue, c := range m.claims {
		if now.After(c.Expires) {
			delete(m.claims, issue)
			expired = true
			logging.Memory("lease expired: issue=%s worker=%s", issue, c.Worker)
		}
	}
	if expired || m.programInfo == nil {
		if err := m.rebuild(); err != nil {
			return nil, err
		}
	}

	var out []string
	for pred := range m.programInfo.Decls {
		if pred.Symbol != predicate {
			continue
		}
		m.store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			f := atomToFact(a)
			if len(f.Args) == 1 {
				if s, ok := f.Args[0].(string); ok {
					out = append(out, s)
				}
			}
			return nil
		})
		break
	}
	sort.Strings(out)
	return out, nil
}

// SetRules replaces the derivation rules and re-evaluates. The previous
// rules stay in force if the new program fails to parse or stratify.
func (m *WorkMemory) SetRules(rules string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.rules
	m.rules = rules
	if err := m.rebuild(); err != nil {
		m.rules = prev
		if rerr := m.rebuild(); rerr != nil {
			return fmt.Errorf("memory: rule rollback failed: %v (original: %w)", rerr, err)
		}
		return fmt.Errorf("memory: rules rejected: %w", err)
	}
	logging.Memory("SetRules: %d bytes active", len(rules))
	return nil
}

// Rules returns the active derivation rules.
func (m *WorkMemory) Rules() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// rebuild reconstructs the full program and evaluates it to fixpoint.
func (m *WorkMemory) rebuild() error {
	var sb strings.Builder
	sb.WriteString(schemas)
	sb.WriteString("\n")
	for _, f := range m.facts {
		sb.WriteString(f.String())
		sb.WriteString("\n")
	}
	for _, c := range m.claims {
		sb.WriteString(Fact{Predicate: "claim", Args: []interface{}{c.Issue, c.Worker}}.String())
		sb.WriteString("\n")
	}
	sb.WriteString(m.rules)

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return fmt.Errorf("failed to parse program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalStratifiedProgramWithStats(programInfo, nil, nil, store); err != nil {
		return fmt.Errorf("failed to evaluate program: %w", err)
	}
	m.programInfo = programInfo
	m.store = store
	return nil
}
