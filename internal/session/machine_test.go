package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagate/internal/channel"
	"wagate/internal/channel/channeltest"
	logx "wagate/pkg/logx"
)

func testMachineConfig() MachineConfig {
	return MachineConfig{
		ValidationCeiling: 500 * time.Millisecond,
		ProbeInterval:     5 * time.Millisecond,
		ProbeBudget:       100 * time.Millisecond,
		RecoveryDelay:     30 * time.Millisecond,
		StatusCacheTTL:    time.Minute,
	}
}

func newTestMachine(f *channeltest.Fake) *Machine {
	return NewMachine("tenant-a", f.Factory(), testMachineConfig(), logx.Nop(), nil)
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTriggerLoginReturnsChallenge(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{
			{Kind: channel.EventChallenge, Token: "tok-1"},
		},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	res := m.TriggerLogin(context.Background(), 2*time.Second)
	if res.Ready || res.Authenticated {
		t.Fatalf("expected pending login, got %+v", res)
	}
	if res.Challenge != "tok-1" {
		t.Fatalf("Challenge = %q, want tok-1", res.Challenge)
	}
	if res.State != StateChallengeIssued {
		t.Fatalf("State = %s, want %s", res.State, StateChallengeIssued)
	}
}

func TestTriggerLoginAuthenticatedFlow(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{
			{Kind: channel.EventAuthenticated},
		},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	res := m.TriggerLogin(context.Background(), 2*time.Second)
	if !res.Authenticated {
		t.Fatalf("expected authenticated result, got %+v", res)
	}
	if res.Challenge != "" {
		t.Fatalf("challenge should be cleared after authentication, got %q", res.Challenge)
	}

	waitForState(t, m, StateReady)

	again := m.TriggerLogin(context.Background(), time.Second)
	if !again.Ready || again.Identity == nil {
		t.Fatalf("expected ready login with identity, got %+v", again)
	}
	if got := f.InitCalls(); got != 1 {
		t.Fatalf("InitCalls() = %d, want 1 (ready session must not reinitialize)", got)
	}
}

func TestTriggerLoginTimeoutReturnsBestKnown(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	res := m.TriggerLogin(context.Background(), 30*time.Millisecond)
	if res.Ready || res.Authenticated || res.Challenge != "" {
		t.Fatalf("expected pending result, got %+v", res)
	}
	if res.State != StateInitializing {
		t.Fatalf("State = %s, want %s", res.State, StateInitializing)
	}
	if res.Reason == "" {
		t.Fatal("timeout result should carry a reason")
	}
}

func TestInitializeCoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{InitializeDelay: 50 * time.Millisecond}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Initialize(context.Background()); err != nil {
				t.Errorf("Initialize: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.InitCalls(); got != 1 {
		t.Fatalf("InitCalls() = %d, want 1", got)
	}
}

func TestInitializeFailureSchedulesRecovery(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{InitializeErr: errors.New("boom")}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	err := m.Initialize(context.Background())
	if !errors.Is(err, channel.ErrInit) {
		t.Fatalf("Initialize error = %v, want ErrInit", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want %s", m.State(), StateFailed)
	}

	eventually(t, func() bool { return f.InitCalls() >= 2 },
		"no automatic retry after initialization failure")
}

func TestInitializeFailureRetriesOnce(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{InitializeErr: errors.New("boom")}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	_ = m.Initialize(context.Background())
	eventually(t, func() bool { return f.InitCalls() == 2 },
		"no automatic retry after initialization failure")

	// A persistently failing channel must not be rebuilt in a loop:
	// after the single automatic retry the machine stays Failed.
	time.Sleep(10 * testMachineConfig().RecoveryDelay)
	if got := f.InitCalls(); got != 2 {
		t.Fatalf("InitCalls = %d after retry window, want 2", got)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want %s", m.State(), StateFailed)
	}

	// An explicit login attempt runs again but does not re-arm another
	// automatic retry while the failure streak continues.
	_ = m.Initialize(context.Background())
	time.Sleep(10 * testMachineConfig().RecoveryDelay)
	if got := f.InitCalls(); got != 3 {
		t.Fatalf("InitCalls = %d after explicit attempt, want 3", got)
	}

	// Success clears the streak and recovery works again afterwards.
	f.SetInitializeErr(nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize after clearing error: %v", err)
	}
}

func TestBackToBackAuthAndReadyRunOneValidation(t *testing.T) {
	t.Parallel()

	// A failing probe makes each validation pass perform exactly one
	// reload escalation, so the reload count exposes how many validators
	// actually ran.
	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{
			{Kind: channel.EventAuthenticated},
			{Kind: channel.EventReady},
		},
		StateErr: errors.New("engine warming up"),
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitForState(t, m, StateReady)

	if got := f.ReloadCalls(); got != 1 {
		t.Fatalf("ReloadCalls = %d, want 1 (one validation pass)", got)
	}
}

func TestAuthFailureDestroysChannelBeforeRecovery(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.Emit(channel.Event{Kind: channel.EventAuthFailure, Reason: "401"})

	eventually(t, func() bool { return f.LogoutCalls() >= 1 },
		"auth failure did not invalidate credentials")
	eventually(t, func() bool { return f.DestroyCalls() >= 1 },
		"auth failure did not destroy the channel")
	eventually(t, func() bool { return f.InitCalls() >= 2 },
		"auth failure did not trigger recovery")
}

func TestNavigationDisconnectIsBenign(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.Emit(channel.Event{Kind: channel.EventDisconnected, Reason: channel.ReasonNavigation})

	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want %s", m.State(), StateDisconnected)
	}
	time.Sleep(4 * testMachineConfig().RecoveryDelay)
	if got := f.InitCalls(); got != 1 {
		t.Fatalf("InitCalls() = %d after navigation disconnect, want 1 (no recovery)", got)
	}
}

func TestDisconnectTriggersDebouncedRecovery(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// A burst of disconnects must coalesce into one recovery.
	f.Emit(channel.Event{Kind: channel.EventDisconnected, Reason: "stream error"})
	f.Emit(channel.Event{Kind: channel.EventDisconnected, Reason: "stream error"})
	f.Emit(channel.Event{Kind: channel.EventDisconnected, Reason: "stream error"})

	eventually(t, func() bool { return f.InitCalls() == 2 },
		"disconnect did not trigger recovery")
	time.Sleep(2 * testMachineConfig().RecoveryDelay)
	if got := f.InitCalls(); got != 2 {
		t.Fatalf("InitCalls() = %d, want 2 (recovery must be debounced)", got)
	}
}

func TestLogoutClearsLocalState(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	m.TriggerLogin(context.Background(), 2*time.Second)
	waitForState(t, m, StateReady)

	if !m.Logout(context.Background()) {
		t.Fatal("Logout returned false")
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state = %s, want %s", m.State(), StateUninitialized)
	}
	if m.Challenge() != "" {
		t.Fatal("challenge survived logout")
	}
	if got := f.LogoutCalls(); got != 1 {
		t.Fatalf("LogoutCalls() = %d, want 1", got)
	}
	eventually(t, func() bool { return f.DestroyCalls() >= 1 },
		"logout did not destroy the channel")
}

func TestLogoutSucceedsWhenRemoteAlreadyGone(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
		LogoutErr:        channel.ErrSessionClosed,
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	m.TriggerLogin(context.Background(), 2*time.Second)
	waitForState(t, m, StateReady)

	if !m.Logout(context.Background()) {
		t.Fatal("logout must succeed when the remote side is already gone")
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state = %s, want %s", m.State(), StateUninitialized)
	}
}

func TestStatusCachingAndInvalidation(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	m.TriggerLogin(context.Background(), 2*time.Second)
	waitForState(t, m, StateReady)

	s1 := m.Status(context.Background())
	if !s1.Ready || s1.Identity == nil {
		t.Fatalf("expected ready status with identity, got %+v", s1)
	}

	// Break the channel; a cached status must still be served.
	f.IdentityErr = errors.New("boom")
	s2 := m.Status(context.Background())
	if !s2.Ready || s2.Identity == nil {
		t.Fatalf("expected cached status, got %+v", s2)
	}
	if !s2.CheckedAt.Equal(s1.CheckedAt) {
		t.Fatal("second Status call bypassed the cache")
	}

	// A transition invalidates the cache.
	m.Logout(context.Background())
	s3 := m.Status(context.Background())
	if s3.Ready || s3.State != StateUninitialized {
		t.Fatalf("expected uninitialized status after logout, got %+v", s3)
	}
}

func TestStatusResetsExternallyClosedSession(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	m.TriggerLogin(context.Background(), 2*time.Second)
	waitForState(t, m, StateReady)

	f.IdentityErr = channel.ErrSessionClosed
	st := m.Status(context.Background())
	if st.Ready {
		t.Fatal("status reported ready for an externally closed session")
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state = %s, want %s after forced reset", m.State(), StateUninitialized)
	}
}

func TestAwaitReady(t *testing.T) {
	t.Parallel()

	f := &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
	m := newTestMachine(f)
	defer m.Close(context.Background())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ch, ok := m.AwaitReady(context.Background(), 2*time.Second)
	if !ok || ch == nil {
		t.Fatal("AwaitReady failed on an authenticating session")
	}

	if _, ok := m.AwaitReady(context.Background(), 10*time.Millisecond); !ok {
		t.Fatal("AwaitReady failed on an already ready session")
	}
}
