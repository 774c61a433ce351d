// Package watchdog enforces a hard wall-clock ceiling on a whole smoke run.
//
// The guard escalates in two levels. When the deadline expires it requests
// cancellation: the context returned by Arm is cancelled with ErrTimedOut and
// the timed-out flag is set, which lets in-flight cleanup run. If the guard is
// not disarmed within the grace period it forces termination: every
// registered child process group is killed and the force handler runs, which
// by default exits the process with exitcodes.Timeout.
//
// With WithSignals the same two levels are reachable from the outside: the
// first SIGINT/SIGTERM requests cancellation, the second forces it.
package watchdog

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/perfgo/smokerun/exitcodes"
	"github.com/perfgo/smokerun/procs"
	"github.com/rs/zerolog"
)

// DefaultGrace is the delay between the soft and the hard escalation.
const DefaultGrace = time.Second

var (
	// ErrTimedOut is the cancellation cause once the deadline expired.
	ErrTimedOut = errors.New("watchdog deadline exceeded")
	// ErrInterrupted is the cancellation cause for an external interrupt.
	ErrInterrupted = errors.New("interrupted")
)

// Policy is the run deadline and where it came from.
type Policy struct {
	Deadline time.Duration
	Source   string
}

// Enabled reports whether the policy arms a timer at all. A zero deadline
// disables the watchdog.
func (p Policy) Enabled() bool {
	return p.Deadline > 0
}

// Option configures a Guard.
type Option func(*Guard)

// WithGrace overrides the delay between soft and hard escalation.
func WithGrace(d time.Duration) Option {
	return func(g *Guard) {
		g.grace = d
	}
}

// WithForceHandler replaces the default hard-termination action (os.Exit).
func WithForceHandler(fn func()) Option {
	return func(g *Guard) {
		g.onForce = fn
	}
}

// WithSignals routes SIGINT and SIGTERM through the escalation levels.
func WithSignals() Option {
	return func(g *Guard) {
		g.signals = true
	}
}

// Guard is the watchdog for a single run.
type Guard struct {
	logger  zerolog.Logger
	grace   time.Duration
	onForce func()
	signals bool

	mu         sync.Mutex
	children   map[int]struct{}
	tag        string
	cancel     context.CancelCauseFunc
	timer      *time.Timer
	forceTimer *time.Timer
	sigCh      chan os.Signal
	sigDone    chan struct{}

	timedOut    atomic.Bool
	interrupted atomic.Bool
	forced      atomic.Bool
	armed       atomic.Bool
}

// New creates a disarmed guard.
func New(logger zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		logger:   logger,
		grace:    DefaultGrace,
		children: make(map[int]struct{}),
	}
	g.onForce = func() { os.Exit(exitcodes.Timeout) }
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Arm starts the deadline timer and returns the context stages must observe.
// A disabled policy returns a context that is only cancelled by Disarm or an
// external interrupt.
func (g *Guard) Arm(ctx context.Context, policy Policy, tag string) context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	g.cancel = cancel
	g.tag = tag
	g.armed.Store(true)

	if g.signals {
		g.sigCh = make(chan os.Signal, 2)
		g.sigDone = make(chan struct{})
		signal.Notify(g.sigCh, os.Interrupt, syscall.SIGTERM)
		go g.watchSignals(g.sigCh, g.sigDone)
	}

	if !policy.Enabled() {
		g.logger.Debug().Str("tag", tag).Msg("Watchdog disabled")
		return runCtx
	}

	g.logger.Debug().
		Str("tag", tag).
		Dur("deadline", policy.Deadline).
		Str("source", policy.Source).
		Msg("Watchdog armed")
	g.timer = time.AfterFunc(policy.Deadline, func() {
		g.expire(policy.Deadline)
	})
	return runCtx
}

func (g *Guard) expire(deadline time.Duration) {
	if !g.armed.Load() {
		return
	}
	g.timedOut.Store(true)
	g.logger.Error().
		Str("tag", g.tag).
		Dur("deadline", deadline).
		Msg("Watchdog deadline exceeded, requesting cancellation")
	g.requestCancel(ErrTimedOut)
}

// requestCancel is the soft escalation level.
func (g *Guard) requestCancel(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel(cause)
	}
	if g.forceTimer == nil && g.armed.Load() {
		g.forceTimer = time.AfterFunc(g.grace, g.Force)
	}
}

// Force is the hard escalation level: kill every registered child and run
// the force handler. It is a no-op once the guard has been disarmed.
func (g *Guard) Force() {
	if !g.armed.Load() || !g.forced.CompareAndSwap(false, true) {
		return
	}
	g.logger.Error().
		Str("tag", g.tag).
		Ints("children", g.Children()).
		Msg("Watchdog forcing termination")
	g.TerminateChildren(syscall.SIGKILL)
	g.onForce()
}

func (g *Guard) watchSignals(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-ch:
			if g.interrupted.CompareAndSwap(false, true) {
				g.logger.Warn().Str("signal", sig.String()).Msg("Interrupt received, cleaning up (send again to force)")
				g.requestCancel(ErrInterrupted)
				continue
			}
			g.logger.Warn().Str("signal", sig.String()).Msg("Second interrupt received, forcing termination")
			g.Force()
		}
	}
}

// TimedOut reports whether the deadline expired. Once set it stays set, so a
// stage that nominally succeeded after the soft cancellation is still
// reported as timed out.
func (g *Guard) TimedOut() bool {
	return g.timedOut.Load()
}

// Interrupted reports whether an external interrupt requested cancellation.
func (g *Guard) Interrupted() bool {
	return g.interrupted.Load()
}

// RegisterChild adds a process group that must be force-terminated on cleanup.
func (g *Guard) RegisterChild(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.children[pid] = struct{}{}
}

// UnregisterChild removes a process once it has been stopped normally.
func (g *Guard) UnregisterChild(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.children, pid)
}

// Children returns the registered pids in ascending order.
func (g *Guard) Children() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	pids := make([]int, 0, len(g.children))
	for pid := range g.children {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// TerminateChildren signals every registered child that is still alive and
// returns how many were signalled.
func (g *Guard) TerminateChildren(sig syscall.Signal) int {
	n := 0
	for _, pid := range g.Children() {
		if !procs.Alive(pid) {
			continue
		}
		if err := procs.SignalGroup(pid, sig); err != nil {
			g.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to signal child process")
			continue
		}
		n++
	}
	return n
}

// Disarm cancels both timers and stops signal delivery. Call it from a
// deferred path after all cleanup has executed.
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed.Swap(false) {
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	if g.forceTimer != nil {
		g.forceTimer.Stop()
	}
	if g.sigCh != nil {
		signal.Stop(g.sigCh)
		close(g.sigDone)
		g.sigCh = nil
	}
	if g.cancel != nil {
		g.cancel(context.Canceled)
	}
	g.logger.Debug().Str("tag", g.tag).Bool("timed_out", g.TimedOut()).Msg("Watchdog disarmed")
}
