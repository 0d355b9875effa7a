package session

import (
	"context"
	"time"

	"wagate/internal/channel"
	logx "wagate/pkg/logx"
)

// probeAddress is only used to exercise the contact subsystem; a
// not-found answer proves the subsystem is callable.
const probeAddress = "0@s.whatsapp.net"

// Probe decides whether a channel that reports "ready" can actually be
// used. The channel's own ready signal is necessary but not sufficient:
// the contact and send subsystems it depends on may still be
// bootstrapping. The probe distinguishes "not callable yet" from a
// legitimate domain answer by error shape, never by success alone.
type Probe struct {
	ch       channel.Channel
	interval time.Duration
	log      logx.Logger
}

func NewProbe(ch channel.Channel, interval time.Duration, log logx.Logger) *Probe {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Probe{ch: ch, interval: interval, log: log}
}

// Check runs a single validation pass. It never panics and never
// returns an error: every internal failure degrades to "not ready".
func (p *Probe) Check(ctx context.Context) bool {
	if p == nil || p.ch == nil {
		return false
	}

	if _, err := p.ch.ConnectionState(ctx); err != nil {
		p.log.Trace("probe: connection state not callable", logx.Err(err))
		return false
	}

	if _, err := p.ch.SelfIdentity(ctx); err != nil && channel.IsNotInitialized(err) {
		p.log.Trace("probe: identity subsystem not ready", logx.Err(err))
		return false
	}

	// A not-found here is a pass: the lookup subsystem answered.
	if _, err := p.ch.ContactByID(ctx, probeAddress); err != nil && channel.IsNotInitialized(err) {
		p.log.Trace("probe: contact subsystem not ready", logx.Err(err))
		return false
	}

	return true
}

// Wait polls Check until it passes or the budget is exhausted.
// A budget <= 0 means no deadline: the poll runs until ctx is done.
func (p *Probe) Wait(ctx context.Context, budget time.Duration) bool {
	if p == nil {
		return false
	}
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}

	for {
		if p.Check(ctx) {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		t := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// WaitWithReload is Wait plus the single allowed escalation: one reload
// of the underlying channel followed by one more bounded wait. It never
// loops further.
func (p *Probe) WaitWithReload(ctx context.Context, budget time.Duration) bool {
	if p.Wait(ctx, budget) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	p.log.Warn("readiness probe exhausted budget; reloading channel once", logx.Duration("budget", budget))
	if err := p.ch.Reload(ctx); err != nil {
		p.log.Warn("channel reload failed", logx.Err(err))
		return false
	}
	return p.Wait(ctx, budget)
}
