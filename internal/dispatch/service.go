// Package dispatch delivers notification messages through a tenant's
// ready channel, with bounded retries and pacing.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"wagate/internal/channel"
	"wagate/internal/eventbus"
	"wagate/internal/session"
	"wagate/internal/template"
	logx "wagate/pkg/logx"
)

// Config tunes the dispatcher.
type Config struct {
	MaxAttempts int

	// RetryBase feeds the linear backoff: the wait after attempt n is
	// n * RetryBase.
	RetryBase time.Duration

	PerRecipientDelay  time.Duration
	PerAttachmentDelay time.Duration

	// ReadyTimeout bounds the wait for a tenant's session to reach Ready
	// before a send is declared failed.
	ReadyTimeout time.Duration

	CountryPrefix string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.PerRecipientDelay <= 0 {
		c.PerRecipientDelay = time.Second
	}
	if c.PerAttachmentDelay <= 0 {
		c.PerAttachmentDelay = 500 * time.Millisecond
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = time.Minute
	}
	if c.CountryPrefix == "" {
		c.CountryPrefix = "62"
	}
	return c
}

// Options are per-request dispatch parameters.
type Options struct {
	// Process and MessageType select a configured template when Body is
	// empty.
	Process     string
	MessageType string
	Variables   map[string]string

	// PerRecipientDelay overrides the configured bulk pacing when > 0.
	PerRecipientDelay time.Duration
}

// Result is one recipient's outcome in a bulk report.
type Result struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// Delivery is the audit record for one completed send attempt chain.
type Delivery struct {
	Tenant      string    `json:"tenant"`
	Recipient   string    `json:"recipient"`
	Success     bool      `json:"success"`
	Attempts    int       `json:"attempts"`
	Attachments int       `json:"attachments"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// AuditSink records completed deliveries. Implementations must not
// block the dispatch path for long.
type AuditSink interface {
	RecordDelivery(ctx context.Context, d Delivery) error
}

// Dispatcher sends notifications over tenant sessions. All sends
// against one tenant's channel are sequential; different tenants are
// independent.
type Dispatcher struct {
	sessions  *session.Registry
	templates *template.Resolver
	log       logx.Logger
	bus       eventbus.Bus
	audit     AuditSink

	// cfg is swappable at runtime; in-flight sends finish with the
	// settings they started with.
	cfgMu sync.RWMutex
	cfg   Config
}

func New(sessions *session.Registry, templates *template.Resolver, cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		sessions:  sessions,
		templates: templates,
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
	}
}

// SetAudit attaches a delivery audit sink. Call before serving traffic.
func (d *Dispatcher) SetAudit(a AuditSink) { d.audit = a }

// UpdateConfig swaps the retry/pacing settings, e.g. on config reload.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg.withDefaults()
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Send delivers one message. The error return is reserved for invalid
// arguments; operational failures (session not ready, retries
// exhausted) come back as ok=false.
func (d *Dispatcher) Send(ctx context.Context, tenant, recipient, body string, attachments []string, opts Options) (bool, error) {
	if strings.TrimSpace(recipient) == "" {
		return false, fmt.Errorf("%w: empty recipient", ErrInvalidRecipient)
	}
	if body == "" && opts.Process == "" {
		return false, fmt.Errorf("dispatch: no body and no template process")
	}

	cfg := d.config()
	addr, err := NormalizeRecipient(recipient, cfg.CountryPrefix)
	if err != nil {
		return false, err
	}
	log := d.log.With(logx.String("tenant", tenant), logx.String("recipient", addr))

	machine := d.sessions.GetOrCreate(tenant)
	if machine.State() == session.StateUninitialized {
		// Stored credentials let a cold session reach Ready unattended.
		if ierr := machine.Initialize(ctx); ierr != nil {
			log.Warn("session initialization failed", logx.Err(ierr))
		}
	}
	ch, ready := machine.AwaitReady(ctx, cfg.ReadyTimeout)
	if !ready {
		log.Warn("send skipped: session not ready", logx.String("state", string(machine.State())))
		d.report(ctx, Delivery{Tenant: tenant, Recipient: addr, Detail: "session not ready", At: time.Now()})
		return false, nil
	}

	if body == "" {
		resolved, err := d.resolveBody(ctx, ch, addr, opts)
		if err != nil {
			return false, err
		}
		body = resolved
	}

	files := PrepareAttachments(attachments, log)

	attempts, sendErr := d.sendTextWithRetry(ctx, cfg, machine, ch, addr, body, log)
	if sendErr != nil {
		if channel.IsSessionClosed(sendErr) {
			log.Warn("session externally closed during send; resetting", logx.Err(sendErr))
			machine.ForceReset(ctx)
		}
		log.Error("send failed after retries", logx.Int("attempts", attempts), logx.Err(sendErr))
		d.report(ctx, Delivery{
			Tenant: tenant, Recipient: addr, Attempts: attempts,
			Detail: sendErr.Error(), At: time.Now(),
		})
		return false, nil
	}

	sent := d.sendAttachments(ctx, cfg, ch, addr, files, log)
	log.Info("message delivered",
		logx.Int("attempts", attempts),
		logx.Int("attachments", sent),
	)
	d.report(ctx, Delivery{
		Tenant: tenant, Recipient: addr, Success: true,
		Attempts: attempts, Attachments: sent, At: time.Now(),
	})
	return true, nil
}

// SendBulk delivers to each recipient strictly in order, one pacing
// delay per recipient regardless of outcome. One recipient's failure
// never stops the batch; invalid individual recipients become failed
// entries instead of errors.
func (d *Dispatcher) SendBulk(ctx context.Context, tenant string, recipients []string, body string, attachments []string, opts Options) []Result {
	delay := d.config().PerRecipientDelay
	if opts.PerRecipientDelay > 0 {
		delay = opts.PerRecipientDelay
	}

	results := make([]Result, 0, len(recipients))
	for _, r := range recipients {
		ok, err := d.Send(ctx, tenant, r, body, attachments, opts)
		res := Result{Recipient: r, Success: ok && err == nil}
		if err != nil {
			res.Detail = err.Error()
		}
		results = append(results, res)
		sleepCtx(ctx, delay)
	}
	return results
}

func (d *Dispatcher) resolveBody(ctx context.Context, ch channel.Channel, addr string, opts Options) (string, error) {
	name := strings.TrimSuffix(addr, addressSuffix)
	if c, err := ch.ContactByID(ctx, addr); err == nil && c != nil {
		switch {
		case c.Name != "":
			name = c.Name
		case c.PushName != "":
			name = c.PushName
		}
	}

	vars := make(map[string]string, len(opts.Variables)+1)
	vars["recipientName"] = name
	for k, v := range opts.Variables {
		vars[k] = v
	}

	body, ok := d.templates.Resolve(opts.Process, opts.MessageType, vars)
	if !ok {
		return "", fmt.Errorf("dispatch: no template for process %q type %q", opts.Process, opts.MessageType)
	}
	return body, nil
}

func (d *Dispatcher) sendTextWithRetry(ctx context.Context, cfg Config, m *session.Machine, ch channel.Channel, addr, body string, log logx.Logger) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		// The probe is advisory here: a failing probe is logged but the
		// attempt proceeds, since the probe itself can be wrong.
		if !m.ProbeOnce(ctx) {
			log.Warn("pre-attempt probe failed; attempting anyway", logx.Int("attempt", attempt))
		}

		lastErr = ch.SendText(ctx, addr, body)
		if lastErr == nil {
			return attempt, nil
		}
		log.Warn("send attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", cfg.MaxAttempts),
			logx.Err(lastErr),
		)
		if channel.IsSessionClosed(lastErr) {
			return attempt, lastErr
		}
		if attempt < cfg.MaxAttempts {
			sleepCtx(ctx, time.Duration(attempt)*cfg.RetryBase)
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}
	return cfg.MaxAttempts, lastErr
}

// sendAttachments delivers files strictly in order. A single failure is
// logged and skipped; the text body already succeeded, so the job as a
// whole stays successful.
func (d *Dispatcher) sendAttachments(ctx context.Context, cfg Config, ch channel.Channel, addr string, files []string, log logx.Logger) int {
	sent := 0
	for i, f := range files {
		if i > 0 {
			sleepCtx(ctx, cfg.PerAttachmentDelay)
		}
		if err := ch.SendFile(ctx, addr, f, ""); err != nil {
			log.Warn("attachment send failed; continuing", logx.String("path", f), logx.Err(err))
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) report(ctx context.Context, del Delivery) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Type:   eventbus.TypeDispatchDone,
			Tenant: del.Tenant,
			Time:   del.At,
			Data:   del,
		})
	}
	if d.audit != nil {
		if err := d.audit.RecordDelivery(ctx, del); err != nil {
			d.log.Warn("delivery audit write failed", logx.Err(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
