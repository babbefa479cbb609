// Package core is the orchestrating runtime. It owns one session per trace
// (evidence store, causal trace, failure-mode evaluator) and drives a turn
// through intent routing and issuance, or a task through selection,
// resolution, journaling and the causal trace.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/internal/aci"
	"warden/internal/causal"
	"warden/internal/contract"
	"warden/internal/evidence"
	"warden/internal/failmode"
	"warden/internal/journal"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/resolution"
	"warden/internal/simulate"
	"warden/internal/taskgraph"
	"warden/internal/traceid"
)

// GraphStore loads and saves per-trace task graphs. *taskgraph.FileStore
// satisfies it.
type GraphStore interface {
	Load(traceID string, opts ...taskgraph.Option) (*taskgraph.Graph, error)
	Save(g *taskgraph.Graph) error
}

// Deps are the collaborators a Runtime is built from. Contracts, Ledger and
// Graphs are required; the rest have defaults.
type Deps struct {
	Contracts contract.Resolver
	Ledger    *ledger.Ledger
	Graphs    GraphStore

	// Journal defaults to journal.NullSink.
	Journal journal.Sink
	// Resolver defaults to the built-in rule cascade.
	Resolver *resolution.Resolver
	Router   *aci.Router
	// Ladder defaults to aci.DefaultLadder().
	Ladder *aci.Ladder

	// StateDir holds per-trace evidence and causal files. Empty keeps every
	// session in memory.
	StateDir     string
	EvidenceTTLs map[evidence.SourceType]time.Duration

	EvaluatorOptions []failmode.Option
	SimulateOptions  []simulate.Option

	Now func() time.Time
}

// Runtime composes the governance modules. Sessions are opened on first use
// and kept until Close.
type Runtime struct {
	contracts contract.Resolver
	ledger    *ledger.Ledger
	graphs    GraphStore
	journal   journal.Sink
	resolver  *resolution.Resolver
	router    *aci.Router
	ladder    aci.Ladder

	stateDir     string
	evidenceTTLs map[evidence.SourceType]time.Duration
	evalOpts     []failmode.Option
	simOpts      []simulate.Option
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is the per-trace state. Its lock serializes task advancement on
// the trace.
type Session struct {
	TraceID   string
	Evidence  *evidence.Store
	Trace     *causal.Trace
	Evaluator *failmode.Evaluator

	mu sync.Mutex
}

// New builds a runtime from deps.
func New(deps Deps) (*Runtime, error) {
	if deps.Contracts == nil {
		return nil, errors.New("core: contract resolver is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("core: ledger is required")
	}
	if deps.Graphs == nil {
		return nil, errors.New("core: graph store is required")
	}

	r := &Runtime{
		contracts:    deps.Contracts,
		ledger:       deps.Ledger,
		graphs:       deps.Graphs,
		journal:      deps.Journal,
		resolver:     deps.Resolver,
		router:       deps.Router,
		stateDir:     deps.StateDir,
		evidenceTTLs: deps.EvidenceTTLs,
		evalOpts:     deps.EvaluatorOptions,
		simOpts:      deps.SimulateOptions,
		now:          deps.Now,
		sessions:     make(map[string]*Session),
	}
	if r.journal == nil {
		r.journal = journal.NullSink{}
	}
	if r.resolver == nil {
		r.resolver = resolution.NewResolver(resolution.DefaultRules()...)
	}
	if r.router == nil {
		r.router = aci.NewRouter()
	}
	if deps.Ladder != nil {
		r.ladder = *deps.Ladder
	} else {
		r.ladder = aci.DefaultLadder()
	}
	if r.now == nil {
		r.now = time.Now
	}
	logging.Runtime("runtime ready (state dir %q, journal %T)", r.stateDir, r.journal)
	return r, nil
}

// Ladder returns the phase ladder in use.
func (r *Runtime) Ladder() aci.Ladder { return r.ladder }

// Ledger returns the issuance ledger.
func (r *Runtime) Ledger() *ledger.Ledger { return r.ledger }

// Journal returns the journal sink.
func (r *Runtime) Journal() journal.Sink { return r.journal }

// Session returns the session for traceID, opening it on first use.
func (r *Runtime) Session(traceID string) (*Session, error) {
	if err := traceid.Validate(traceID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[traceID]; ok {
		return s, nil
	}

	evOpts := []evidence.Option{evidence.WithClock(r.now)}
	if r.evidenceTTLs != nil {
		evOpts = append(evOpts, evidence.WithDefaultTTLs(r.evidenceTTLs))
	}
	trOpts := []causal.Option{causal.WithClock(r.now)}

	var (
		store *evidence.Store
		trace *causal.Trace
		err   error
	)
	if r.stateDir == "" {
		store = evidence.NewMemory(traceID, evOpts...)
		trace = causal.NewMemory(traceID, store, trOpts...)
	} else {
		if store, err = evidence.Open(r.stateDir, traceID, evOpts...); err != nil {
			return nil, fmt.Errorf("open evidence for %s: %w", traceID, err)
		}
		if trace, err = causal.Open(r.stateDir, traceID, store, trOpts...); err != nil {
			store.Close()
			return nil, fmt.Errorf("open causal trace for %s: %w", traceID, err)
		}
	}

	evalOpts := append([]failmode.Option{failmode.WithClock(r.now)}, r.evalOpts...)
	s := &Session{
		TraceID:   traceID,
		Evidence:  store,
		Trace:     trace,
		Evaluator: failmode.New(r.contracts, store, evalOpts...),
	}
	r.sessions[traceID] = s
	logging.RuntimeDebug("opened session %s", traceID)
	return s, nil
}

// Simulator returns a read-only simulator over the session's stores.
func (r *Runtime) Simulator(s *Session) *simulate.Simulator {
	opts := append([]simulate.Option{simulate.WithClock(r.now)}, r.simOpts...)
	return simulate.New(s.Evaluator, s.Trace, opts...)
}

// Explain returns the causal chain of taskID on traceID, or false when it
// cannot be fully explained.
func (r *Runtime) Explain(traceID, taskID string) ([]string, bool, error) {
	s, err := r.Session(traceID)
	if err != nil {
		return nil, false, err
	}
	chain, ok := s.Trace.ExplainCausalChain(taskID, r.now())
	return chain, ok, nil
}

// Close closes every session, the journal and the ledger.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, s := range r.sessions {
		if err := s.Trace.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close causal trace %s: %w", id, err))
		}
		if err := s.Evidence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close evidence %s: %w", id, err))
		}
	}
	r.sessions = make(map[string]*Session)
	if err := r.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := r.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}
