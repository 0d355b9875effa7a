package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/internal/channel"
	"wagate/internal/eventbus"
	logx "wagate/pkg/logx"
)

// RegistryConfig tunes the tenant session registry.
type RegistryConfig struct {
	// CreationCooldown throttles machine churn per tenant: within the
	// cooldown a stale machine is handed out instead of being replaced.
	CreationCooldown time.Duration

	SweepInterval time.Duration

	Validity ValidityPolicy

	Machine MachineConfig
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.CreationCooldown <= 0 {
		c.CreationCooldown = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.Validity.IdleTimeout <= 0 {
		c.Validity.IdleTimeout = 30 * time.Minute
	}
	if c.Validity.AuthedIdleTimeout <= 0 {
		c.Validity.AuthedIdleTimeout = 2 * time.Hour
	}
	if c.Validity.AuthRecentWindow <= 0 {
		c.Validity.AuthRecentWindow = 24 * time.Hour
	}
	if c.Validity.MinAge <= 0 {
		c.Validity.MinAge = time.Minute
	}
	return c
}

// Registry owns all tenant session machines. Lookups sanitize the
// tenant id first, so every external identifier maps onto one bounded
// key space.
type Registry struct {
	cfg     RegistryConfig
	factory channel.Factory
	log     logx.Logger
	bus     eventbus.Bus

	mu         sync.Mutex
	machines   map[string]*Machine
	lastCreate map[string]time.Time

	cron *cron.Cron
}

func NewRegistry(factory channel.Factory, cfg RegistryConfig, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		log:        log,
		bus:        bus,
		machines:   map[string]*Machine{},
		lastCreate: map[string]time.Time{},
	}
}

// Start launches the periodic expiry sweep.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	r.cron = cron.New()
	r.cron.Schedule(cron.Every(r.cfg.SweepInterval), cron.FuncJob(r.Sweep))
	r.cron.Start()
	r.log.Info("session registry started", logx.Duration("sweep_interval", r.cfg.SweepInterval))
}

// Stop halts the sweep and tears every session down.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.machines = map[string]*Machine{}
	r.mu.Unlock()

	if c != nil {
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	for _, m := range machines {
		m.Close(ctx)
	}
	r.log.Info("session registry stopped", logx.Int("sessions", len(machines)))
}

// Get returns the machine for tenant without creating one.
func (r *Registry) Get(tenant string) (*Machine, bool) {
	id := SanitizeTenantID(tenant)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	return m, ok
}

// GetOrCreate returns the tenant's machine, building a fresh one when
// none exists or the existing one has expired. Replacement is throttled
// by the creation cooldown: a tenant hammering the API during a slow
// initialization keeps getting the same instance instead of churning
// channel processes.
func (r *Registry) GetOrCreate(tenant string) *Machine {
	id := SanitizeTenantID(tenant)
	now := time.Now()

	r.mu.Lock()
	m, ok := r.machines[id]
	if ok && !m.Expired(now, r.cfg.Validity) {
		r.mu.Unlock()
		m.Touch()
		return m
	}
	if ok && now.Sub(r.lastCreate[id]) < r.cfg.CreationCooldown {
		r.mu.Unlock()
		r.log.Debug("creation cooldown active; reusing stale session", logx.String("tenant", id))
		m.Touch()
		return m
	}

	fresh := NewMachine(id, r.factory, r.cfg.Machine, r.log, r.bus)
	r.machines[id] = fresh
	r.lastCreate[id] = now
	r.mu.Unlock()

	if ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.Close(ctx)
		}()
	}
	r.log.Info("session created", logx.String("tenant", id), logx.Bool("replaced", ok))
	return fresh
}

// Remove logs the tenant out and drops its machine. Reports whether a
// machine existed.
func (r *Registry) Remove(ctx context.Context, tenant string) bool {
	id := SanitizeTenantID(tenant)
	r.mu.Lock()
	m, ok := r.machines[id]
	delete(r.machines, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	m.Logout(ctx)
	m.Close(ctx)
	r.log.Info("session removed", logx.String("tenant", id))
	return true
}

// Tenants returns the ids of all live sessions.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.machines))
	for id := range r.machines {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Sweep drops every expired session. Runs on the cron schedule and is
// also callable directly (tests, admin endpoint).
func (r *Registry) Sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Machine
	for id, m := range r.machines {
		if m.Expired(now, r.cfg.Validity) {
			delete(r.machines, id)
			expired = append(expired, m)
		}
	}
	r.mu.Unlock()

	for _, m := range expired {
		m := m
		r.log.Info("session expired", logx.String("tenant", m.Tenant()))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionExpired, Tenant: m.Tenant(), Time: now})
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.Close(ctx)
		}()
	}
}
