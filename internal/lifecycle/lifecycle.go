// Package lifecycle implements the init/auth state machine shared by
// sources and clients (spec §4.5), in the documented-state-machine style
// the teacher uses for playback state (internal/player/state.go): an
// ASCII diagram of the valid transitions next to the States they name.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle state machine.
//
//	┌──────────────────┐  Initialize()   ┌──────────────┐
//	│  NotInitialized   │ ───────────────▶│ Initializing │
//	└──────────────────┘                  └──────────────┘
//	                                              │
//	                                   success     │ fatal error
//	                                              ▼                  ▼
//	                                       ┌─────────────┐   (stays NotInitialized,
//	                                       │ Initialized │    visible with error status)
//	                                       └─────────────┘
//	                                              │ Poll() / worker start
//	                                              ▼
//	                                       ┌─────────────┐   tick complete
//	                                       │   Running   │◀──────────────┐
//	                                       └─────────────┘               │
//	                                              │                      │
//	                                              ▼                      │
//	                                       ┌─────────────┐               │
//	                                       │    Idle     │───────────────┘
//	                                       └─────────────┘
//
// Initialize is one-shot and idempotent: calling it again after it has
// started is a no-op, not an error, matching spec §4.3's "one-shot,
// idempotent".
type State int

const (
	NotInitialized State = iota
	Initializing
	Initialized
	Running
	Idle
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "not_initialized"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// StageResult is what a lifecycle stage function returns.
type StageResult struct {
	// Skipped is true when the stage legitimately has nothing to do
	// (e.g. doCheckConnection on a pure-ingress source).
	Skipped bool
	// RequiresInteraction is true when doAuthentication needs the user
	// to visit InteractionURL (an OAuth redirect) before auth can
	// complete.
	RequiresInteraction bool
	InteractionURL       string
}

// StageFunc is one of doBuildInitData / doCheckConnection /
// doAuthentication. Returning an error distinguishes fatal (config
// invalid - caller should treat as permanent) from soft (network -
// caller should schedule retry) by the error's errs.Kind; lifecycle
// itself does not interpret the error, it only runs the stage once.
type StageFunc func(ctx context.Context) (StageResult, error)

// Stages bundles the three ordered async stages from spec §4.5.
type Stages struct {
	BuildInitData   StageFunc
	CheckConnection StageFunc
	Authenticate    StageFunc // only run if RequiresAuth
}

// StatusListener is notified on every state transition, used to emit
// `statusChange` on the event bus (spec §4.5/§4.6).
type StatusListener func(prev, next State, err error)

// Scaffold runs Stages exactly once and tracks State/authed.
type Scaffold struct {
	mu           sync.Mutex
	state        State
	requiresAuth bool
	authed       bool
	lastErr      error
	started      bool

	stages   Stages
	onChange StatusListener
}

// New creates a Scaffold. requiresAuth controls whether Authenticate
// runs during Initialize.
func New(stages Stages, requiresAuth bool, onChange StatusListener) *Scaffold {
	return &Scaffold{stages: stages, requiresAuth: requiresAuth, onChange: onChange}
}

func (s *Scaffold) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scaffold) Authed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

func (s *Scaffold) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scaffold) setState(next State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.lastErr = err
	s.mu.Unlock()
	if s.onChange != nil && prev != next {
		s.onChange(prev, next, err)
	}
}

// emitStatus unconditionally notifies the status listener with state's
// current value, for transitions like Deauth where authed (not state)
// changed and a same-state setState call would otherwise be swallowed
// by setState's prev!=next guard.
func (s *Scaffold) emitStatus(err error) {
	if s.onChange == nil {
		return
	}
	cur := s.State()
	s.onChange(cur, cur, err)
}

// Initialize runs doBuildInitData, doCheckConnection, and
// doAuthentication (if requiresAuth) in order. It is idempotent: a
// second call while already past NotInitialized is a no-op returning
// nil. A fatal error (typically errs.KindConfigInvalid) leaves the
// scaffold in NotInitialized so the component is visible in the
// dashboard with an error status, per spec §7.
func (s *Scaffold) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.setState(Initializing, nil)

	if s.stages.BuildInitData != nil {
		if _, err := s.stages.BuildInitData(ctx); err != nil {
			s.resetToNotInitialized(err)
			return fmt.Errorf("doBuildInitData: %w", err)
		}
	}

	if s.stages.CheckConnection != nil {
		if _, err := s.stages.CheckConnection(ctx); err != nil {
			// Network errors are soft failures: the scaffold reports
			// them but does not fall back to NotInitialized, so the
			// caller's own retry/backoff loop (source poll / client
			// worker) can keep trying without re-running init.
			s.setState(Initializing, err)
			return fmt.Errorf("doCheckConnection: %w", err)
		}
	}

	if s.requiresAuth && s.stages.Authenticate != nil {
		res, err := s.stages.Authenticate(ctx)
		if err != nil {
			s.resetToNotInitialized(err)
			return fmt.Errorf("doAuthentication: %w", err)
		}
		s.mu.Lock()
		s.authed = !res.RequiresInteraction
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.authed = true
		s.mu.Unlock()
	}

	s.setState(Initialized, nil)
	return nil
}

func (s *Scaffold) resetToNotInitialized(err error) {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.setState(NotInitialized, err)
}

// MarkRunning transitions Initialized -> Running; called when a poll
// loop or worker loop starts. A re-entrant call (already Running)
// returns an "already running" error, rejecting the re-entrancy spec
// §4.3 calls out.
func (s *Scaffold) MarkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return fmt.Errorf("already running")
	}
	if s.state != Initialized && s.state != Idle {
		return fmt.Errorf("cannot run from state %s", s.state)
	}
	s.state = Running
	return nil
}

// MarkIdle transitions Running -> Idle, the "between ticks" resting
// state the spec's state diagram loops on.
func (s *Scaffold) MarkIdle() {
	s.setState(Idle, nil)
}

// Deauth marks the component as needing re-authentication (spec §7:
// "Auth revoked -> set authed=false, emit status, require
// interaction"). The caller is responsible for stopping its worker.
func (s *Scaffold) Deauth(err error) {
	s.mu.Lock()
	s.authed = false
	s.lastErr = err
	s.mu.Unlock()
	s.emitStatus(err)
}
