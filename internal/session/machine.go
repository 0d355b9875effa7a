package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wagate/internal/channel"
	"wagate/internal/eventbus"
	logx "wagate/pkg/logx"
)

// State of one tenant's connection lifecycle.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateChallengeIssued State = "challenge_issued"
	StateAuthenticating  State = "authenticating"
	StateValidating      State = "validating"
	StateReady           State = "ready"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
)

// MachineConfig tunes one connection state machine.
type MachineConfig struct {
	// ValidationCeiling bounds the whole post-auth validation phase. When it
	// expires the machine declares Ready anyway: the external ready signal is
	// known to be unreliable, and blocking in Validating forever is worse
	// than an optimistic Ready. Do not make this strict.
	ValidationCeiling time.Duration

	ProbeInterval time.Duration
	ProbeBudget   time.Duration

	// RecoveryDelay debounces automatic recovery after Failed/Disconnected.
	RecoveryDelay time.Duration

	StatusCacheTTL time.Duration
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.ValidationCeiling <= 0 {
		c.ValidationCeiling = 20 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.ProbeBudget <= 0 {
		c.ProbeBudget = 15 * time.Second
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 5 * time.Second
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = 5 * time.Minute
	}
	return c
}

// LoginResult is the outcome of TriggerLogin. Expected operational
// failures are reported through State/Reason, never as errors.
type LoginResult struct {
	Ready         bool              `json:"ready"`
	Authenticated bool              `json:"authenticated"`
	Challenge     string            `json:"challenge,omitempty"`
	Identity      *channel.Identity `json:"identity,omitempty"`
	State         State             `json:"state"`
	Reason        string            `json:"reason,omitempty"`
}

// Status is a point-in-time (and possibly cached) connection snapshot.
type Status struct {
	State         State             `json:"state"`
	Ready         bool              `json:"ready"`
	Authenticated bool              `json:"authenticated"`
	HasChallenge  bool              `json:"has_challenge"`
	Challenge     string            `json:"challenge,omitempty"`
	Identity      *channel.Identity `json:"identity,omitempty"`
	CheckedAt     time.Time         `json:"checked_at"`
}

// StateChange is published on the event bus for every transition.
type StateChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Machine owns one tenant's Channel and drives it from cold start
// through challenge, authentication and readiness validation to Ready,
// with debounced recovery on failure.
//
// All exported methods are safe for concurrent use. The channel handle
// is never shared: reset and teardown destroy it before a replacement
// is built.
type Machine struct {
	tenant  string
	factory channel.Factory
	cfg     MachineConfig
	log     logx.Logger
	bus     eventbus.Bus

	mu        sync.Mutex
	state     State
	challenge string
	ch        channel.Channel
	unsub     func()

	createdAt       time.Time
	lastAccessedAt  time.Time
	authenticatedAt time.Time

	active bool
	closed bool

	// gen invalidates goroutines and events belonging to a torn-down
	// channel instance.
	gen uint64

	// initDone is non-nil while an initialization is in flight; later
	// callers await it instead of racing a duplicate.
	initDone chan struct{}
	initErr  error

	// initFailures counts consecutive initialization failures. It gates
	// the automatic retry: one per failure streak, cleared on success.
	initFailures int

	// stateCh is closed and replaced on every transition (broadcast).
	stateCh chan struct{}

	// validatingGen is the generation of the in-flight validator, 0 when
	// none: authenticated and ready events may arrive back to back, and
	// only one validation pass per channel instance should run.
	validatingGen uint64

	recoveryTimer *time.Timer

	cachedStatus *Status
	cachedAt     time.Time
}

func NewMachine(tenant string, factory channel.Factory, cfg MachineConfig, log logx.Logger, bus eventbus.Bus) *Machine {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := time.Now()
	return &Machine{
		tenant:         tenant,
		factory:        factory,
		cfg:            cfg.withDefaults(),
		log:            log.With(logx.String("tenant", tenant)),
		bus:            bus,
		state:          StateUninitialized,
		createdAt:      now,
		lastAccessedAt: now,
		active:         true,
		stateCh:        make(chan struct{}),
	}
}

func (m *Machine) Tenant() string { return m.tenant }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Challenge() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenge
}

// Touch marks the session as accessed now.
func (m *Machine) Touch() {
	m.mu.Lock()
	m.lastAccessedAt = time.Now()
	m.mu.Unlock()
}

// ValidityPolicy is the registry's expiry rule for a session.
type ValidityPolicy struct {
	IdleTimeout      time.Duration
	AuthedIdleTimeout time.Duration
	AuthRecentWindow time.Duration
	MinAge           time.Duration
}

// Expired reports whether the session should be torn down. A session
// younger than MinAge is never judged idle: a slow initialization must
// not be swept away microseconds after creation. Authenticated channels
// are kept warm longer because rebuilding them needs a human scan.
func (m *Machine) Expired(now time.Time, pol ValidityPolicy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.active {
		return true
	}
	if now.Sub(m.createdAt) <= pol.MinAge {
		return false
	}
	effective := pol.IdleTimeout
	if !m.authenticatedAt.IsZero() && now.Sub(m.authenticatedAt) <= pol.AuthRecentWindow {
		effective = pol.AuthedIdleTimeout
	}
	return now.Sub(m.lastAccessedAt) > effective
}

// ---- transitions ----

// setStateLocked records a transition, wakes waiters and invalidates the
// status cache. Callers hold m.mu.
func (m *Machine) setStateLocked(to State, reason string) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.cachedStatus = nil

	close(m.stateCh)
	m.stateCh = make(chan struct{})

	m.log.Info("session state changed",
		logx.String("from", string(from)),
		logx.String("to", string(to)),
		logx.String("reason", reason),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type:   eventbus.TypeSessionState,
			Tenant: m.tenant,
			Data:   StateChange{From: from, To: to, Reason: reason},
		})
	}
}

// Initialize builds and starts the channel. It is idempotent and safe
// under concurrent callers: a second caller awaits the in-flight
// initialization instead of starting a duplicate one.
func (m *Machine) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("session %s is closed", m.tenant)
	}
	if m.initDone != nil {
		done := m.initDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := m.initErr
		m.mu.Unlock()
		return err
	}
	if m.ch != nil {
		switch m.state {
		case StateFailed, StateDisconnected, StateUninitialized:
			// fall through to rebuild
		default:
			m.mu.Unlock()
			return nil
		}
	}

	done := make(chan struct{})
	m.initDone = done
	m.initErr = nil
	m.gen++
	gen := m.gen
	oldCh, oldUnsub := m.ch, m.unsub
	m.ch, m.unsub = nil, nil
	m.setStateLocked(StateInitializing, "initialize")
	m.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}
	if oldCh != nil {
		m.destroyQuietly(oldCh)
	}

	ch, err := m.factory(m.tenant)
	var unsub func()
	if err == nil {
		// The handle must be visible before ch.Initialize runs: an already
		// authenticated channel emits its ready events during startup, and
		// their handlers need m.ch.
		unsub = ch.Subscribe(func(e channel.Event) { m.handleEvent(gen, e) })
		var owned bool
		m.mu.Lock()
		if gen == m.gen && !m.closed {
			m.ch, m.unsub = ch, unsub
			owned = true
		}
		m.mu.Unlock()
		if !owned {
			// A reset won the race; this channel instance is already obsolete.
			unsub()
			m.destroyQuietly(ch)
			ch = nil
		} else if ierr := ch.Initialize(ctx); ierr != nil {
			err = ierr
		}
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", channel.ErrInit, err)
	}

	m.mu.Lock()
	m.initErr = err
	m.initDone = nil
	if err == nil {
		m.initFailures = 0
	} else {
		m.initFailures++
	}
	retry := err != nil && m.initFailures <= 1
	if err != nil {
		var cleanup func()
		if ch != nil && m.ch == ch {
			m.ch, m.unsub = nil, nil
			cleanup = unsub
		}
		m.setStateLocked(StateFailed, "initialization error")
		m.mu.Unlock()
		if cleanup != nil {
			cleanup()
			m.destroyQuietly(ch)
		}
	} else {
		m.mu.Unlock()
	}
	close(done)

	if retry {
		// One automatic retry via the debounced recovery path; a second
		// consecutive failure stays surfaced until an explicit login.
		m.scheduleRecovery()
	} else if err != nil {
		m.log.Warn("automatic retry exhausted; waiting for explicit login", logx.Err(err))
	}
	return err
}

func (m *Machine) handleEvent(gen uint64, e channel.Event) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	switch e.Kind {
	case channel.EventChallenge:
		m.challenge = e.Token
		m.setStateLocked(StateChallengeIssued, "challenge issued")
		m.mu.Unlock()

	case channel.EventAuthenticated:
		m.challenge = ""
		m.authenticatedAt = time.Now()
		m.setStateLocked(StateAuthenticating, "authenticated")
		if m.validatingGen == gen {
			m.mu.Unlock()
			return
		}
		m.validatingGen = gen
		ch := m.ch
		m.mu.Unlock()
		go m.validate(gen, ch, "authenticated")

	case channel.EventReady:
		m.challenge = ""
		if m.state == StateReady || m.validatingGen == gen {
			m.mu.Unlock()
			return
		}
		m.validatingGen = gen
		ch := m.ch
		m.mu.Unlock()
		go m.validate(gen, ch, "ready signal")

	case channel.EventAuthFailure:
		// Corrupted auth state must never be reused: destroy the channel and
		// its credential artifacts before any recovery attempt.
		m.challenge = ""
		m.setStateLocked(StateFailed, "auth failure: "+e.Reason)
		ch, unsub := m.ch, m.unsub
		m.ch, m.unsub = nil, nil
		m.gen++
		m.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		if ch != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := ch.Logout(ctx); err != nil && !channel.IsSessionClosed(err) {
					m.log.Warn("credential invalidation after auth failure failed", logx.Err(err))
				}
				if err := ch.Destroy(ctx); err != nil {
					m.log.Warn("channel destroy after auth failure failed", logx.Err(err))
				}
			}()
		}
		m.scheduleRecovery()

	case channel.EventDisconnected:
		m.challenge = ""
		m.setStateLocked(StateDisconnected, "disconnected: "+e.Reason)
		m.mu.Unlock()
		if e.Reason != channel.ReasonNavigation {
			m.scheduleRecovery()
		}

	case channel.EventPageError:
		m.mu.Unlock()
		m.log.Warn("channel page error", logx.Err(e.Err))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeChannelPageErr, Tenant: m.tenant, Data: fmt.Sprint(e.Err)})
		}

	case channel.EventLoading:
		m.mu.Unlock()
		m.log.Debug("channel loading", logx.Int("percent", e.Percent), logx.String("msg", e.Message))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeChannelLoading, Tenant: m.tenant, Data: e.Percent})
		}

	default:
		m.mu.Unlock()
	}
}

// validate runs the readiness probe after authentication or a direct
// ready signal, then declares Ready. The probe is advisory: on an
// exhausted ceiling the machine still goes Ready with a warning.
func (m *Machine) validate(gen uint64, ch channel.Channel, trigger string) {
	m.mu.Lock()
	if m.closed || gen != m.gen || ch == nil {
		if m.validatingGen == gen {
			m.validatingGen = 0
		}
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateValidating, "validating after "+trigger)
	cfg := m.cfg
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ValidationCeiling)
	ok := NewProbe(ch, cfg.ProbeInterval, m.log).WaitWithReload(ctx, cfg.ProbeBudget)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validatingGen == gen {
		m.validatingGen = 0
	}
	if m.closed || gen != m.gen {
		return
	}
	if !ok {
		m.log.Warn("readiness validation inconclusive; declaring ready optimistically",
			logx.String("trigger", trigger), logx.Duration("ceiling", cfg.ValidationCeiling))
	}
	m.setStateLocked(StateReady, "validation finished")
}

// ---- recovery ----

func (m *Machine) scheduleRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.recoveryTimer != nil {
		return
	}
	delay := m.cfg.RecoveryDelay
	m.log.Info("recovery scheduled", logx.Duration("delay", delay))
	m.recoveryTimer = time.AfterFunc(delay, m.recover)
}

func (m *Machine) recover() {
	m.mu.Lock()
	m.recoveryTimer = nil
	st := m.state
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	switch st {
	case StateFailed, StateDisconnected:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := m.Initialize(ctx); err != nil {
		m.log.Warn("automatic recovery failed", logx.Err(err))
		return
	}
	m.log.Info("automatic recovery started")
}

// ---- public operations ----

// TriggerLogin ensures the channel is initializing and waits for the
// next of {challenge issued, authenticated, ready}, the caller budget,
// or a terminal failure. A timeout <= 0 waits unboundedly: a
// human-driven challenge scan has no natural deadline. On timeout the
// best-known state is returned, never an error.
func (m *Machine) TriggerLogin(ctx context.Context, timeout time.Duration) LoginResult {
	m.Touch()

	m.mu.Lock()
	st := m.state
	ch := m.ch
	m.mu.Unlock()

	if st == StateReady && ch != nil {
		id, err := ch.SelfIdentity(ctx)
		switch {
		case err == nil:
			return LoginResult{Ready: true, Authenticated: true, Identity: id, State: StateReady}
		case channel.IsSessionClosed(err):
			// The remote side already tore the session down; reporting ready
			// here would be a lie. Reset and fall through to a fresh login.
			m.log.Warn("session externally closed; resetting before login", logx.Err(err))
			m.reset(ctx, false)
		default:
			m.log.Warn("identity fetch failed on ready session", logx.Err(err))
			return LoginResult{Ready: true, Authenticated: true, State: StateReady}
		}
	}

	if err := m.Initialize(ctx); err != nil {
		return LoginResult{State: m.State(), Reason: err.Error()}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		st := m.state
		challenge := m.challenge
		wait := m.stateCh
		ch := m.ch
		m.mu.Unlock()

		switch st {
		case StateChallengeIssued:
			return LoginResult{Challenge: challenge, State: st}
		case StateReady:
			var id *channel.Identity
			if ch != nil {
				id, _ = ch.SelfIdentity(ctx)
			}
			return LoginResult{Ready: true, Authenticated: true, Identity: id, State: st}
		case StateAuthenticating, StateValidating:
			return LoginResult{Authenticated: true, State: st}
		case StateFailed:
			return LoginResult{State: st, Reason: "authentication failed; session was reset"}
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return m.bestKnown("login wait canceled")
		case <-deadline:
			return m.bestKnown("login wait timed out")
		}
	}
}

func (m *Machine) bestKnown(reason string) LoginResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LoginResult{
		Ready:         m.state == StateReady,
		Authenticated: m.state == StateReady || m.state == StateAuthenticating || m.state == StateValidating,
		Challenge:     m.challenge,
		State:         m.state,
		Reason:        reason,
	}
}

// Logout invalidates the remote credentials when possible and always
// clears local state. A remote side that is already gone counts as a
// successful logout.
func (m *Machine) Logout(ctx context.Context) bool {
	m.Touch()
	m.reset(ctx, true)
	return true
}

// ForceReset tears the session down without remote invalidation. Used
// when an operation discovers the remote side already closed the
// session: local state must not keep claiming readiness.
func (m *Machine) ForceReset(ctx context.Context) {
	m.reset(ctx, false)
}

// reset tears the current channel down and returns the machine to
// Uninitialized. With invalidate set the stored credentials are revoked
// remotely first (best-effort).
func (m *Machine) reset(ctx context.Context, invalidate bool) {
	m.mu.Lock()
	ch, unsub := m.ch, m.unsub
	wasReady := m.state == StateReady
	m.ch, m.unsub = nil, nil
	m.gen++
	m.challenge = ""
	m.authenticatedAt = time.Time{}
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	m.setStateLocked(StateUninitialized, "reset")
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if ch == nil {
		return
	}
	if invalidate && wasReady {
		if err := ch.Logout(ctx); err != nil && !channel.IsSessionClosed(err) {
			m.log.Warn("remote logout failed; clearing local session anyway", logx.Err(err))
		}
	}
	m.destroyQuietly(ch)
}

// Close permanently tears the session down. Used by the registry on
// expiry; the tenant gets a fresh machine on next access.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.active = false
	m.gen++
	ch, unsub := m.ch, m.unsub
	m.ch, m.unsub = nil, nil
	m.challenge = ""
	if m.recoveryTimer != nil {
		m.recoveryTimer.Stop()
		m.recoveryTimer = nil
	}
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if ch != nil {
		m.destroyQuietly(ch)
	}
}

// Status returns the connection snapshot, throttled by the status cache:
// identity retrieval against the channel is expensive and callers poll
// this endpoint aggressively.
func (m *Machine) Status(ctx context.Context) Status {
	m.Touch()

	m.mu.Lock()
	if m.cachedStatus != nil && time.Since(m.cachedAt) < m.cfg.StatusCacheTTL {
		st := *m.cachedStatus
		m.mu.Unlock()
		return st
	}
	state := m.state
	challenge := m.challenge
	ch := m.ch
	m.mu.Unlock()

	st := Status{
		State:         state,
		Ready:         state == StateReady,
		Authenticated: state == StateReady || state == StateAuthenticating || state == StateValidating,
		HasChallenge:  challenge != "",
		Challenge:     challenge,
		CheckedAt:     time.Now(),
	}
	if st.Ready && ch != nil {
		id, err := ch.SelfIdentity(ctx)
		switch {
		case err == nil:
			st.Identity = id
		case channel.IsSessionClosed(err):
			m.log.Warn("session externally closed; resetting", logx.Err(err))
			m.reset(ctx, false)
			st.Ready = false
			st.Authenticated = false
			st.State = StateUninitialized
		}
	}

	m.mu.Lock()
	if m.state == state {
		snap := st
		m.cachedStatus = &snap
		m.cachedAt = st.CheckedAt
	}
	m.mu.Unlock()
	return st
}

// AwaitReady blocks until the machine is Ready and returns its channel.
// It returns false on terminal failure, cancellation, or timeout.
func (m *Machine) AwaitReady(ctx context.Context, timeout time.Duration) (channel.Channel, bool) {
	m.Touch()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		m.mu.Lock()
		st := m.state
		ch := m.ch
		wait := m.stateCh
		closed := m.closed
		m.mu.Unlock()

		if closed || st == StateFailed {
			return nil, false
		}
		if st == StateReady && ch != nil {
			return ch, true
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false
		case <-deadline:
			return nil, false
		}
	}
}

// ProbeOnce runs a single lightweight readiness pass against the
// current channel. Dispatchers call this before each send attempt.
func (m *Machine) ProbeOnce(ctx context.Context) bool {
	m.mu.Lock()
	ch := m.ch
	cfg := m.cfg
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	return NewProbe(ch, cfg.ProbeInterval, m.log).Check(ctx)
}

func (m *Machine) destroyQuietly(ch channel.Channel) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ch.Destroy(ctx); err != nil {
			m.log.Warn("channel destroy failed", logx.Err(err))
		}
	}()
}
