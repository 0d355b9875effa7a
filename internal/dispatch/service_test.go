package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/channel"
	"wagate/internal/channel/channeltest"
	"wagate/internal/session"
	"wagate/internal/template"
	logx "wagate/pkg/logx"
)

func testConfig() Config {
	return Config{
		MaxAttempts:        3,
		RetryBase:          time.Millisecond,
		PerRecipientDelay:  time.Millisecond,
		PerAttachmentDelay: time.Millisecond,
		ReadyTimeout:       2 * time.Second,
		CountryPrefix:      "62",
	}
}

func testLibrary() template.Library {
	return template.Library{
		"order-shipped": {
			"whatsapp": {
				"created": template.New("Hi {recipientName}, order {order} shipped."),
			},
		},
	}
}

// readyFake returns a fake whose stored credentials carry it to Ready
// during initialization.
func readyFake() *channeltest.Fake {
	return &channeltest.Fake{
		EmitOnInitialize: []channel.Event{{Kind: channel.EventAuthenticated}},
	}
}

func newTestDispatcher(t *testing.T, f *channeltest.Fake, cfg Config) *Dispatcher {
	t.Helper()
	reg := session.NewRegistry(f.Factory(), session.RegistryConfig{
		Machine: session.MachineConfig{
			ValidationCeiling: 200 * time.Millisecond,
			ProbeInterval:     5 * time.Millisecond,
			ProbeBudget:       50 * time.Millisecond,
			RecoveryDelay:     20 * time.Millisecond,
		},
	}, logx.Nop(), nil)
	t.Cleanup(func() { reg.Stop(context.Background()) })

	res := template.NewResolver("whatsapp", testLibrary(), logx.Nop())
	return New(reg, res, cfg, logx.Nop(), nil)
}

type memorySink struct {
	mu   sync.Mutex
	recs []Delivery
}

func (s *memorySink) RecordDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, d)
	return nil
}

func (s *memorySink) all() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.recs...)
}

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSendDeliversTextAndAttachments(t *testing.T) {
	t.Parallel()

	f := readyFake()
	d := newTestDispatcher(t, f, testConfig())
	sink := &memorySink{}
	d.SetAudit(sink)

	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	a := writeFile(t, dir, "a.pdf")
	b := writeFile(t, dir, "b.pdf")
	dupA := writeFile(t, sub, "a.pdf") // same filename, dropped
	missing := filepath.Join(dir, "missing.pdf")

	ok, err := d.Send(context.Background(), "acme", "0812-000-111", "hello", []string{a, dupA, missing, b}, Options{})
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}

	texts := f.SentTexts()
	if len(texts) != 1 {
		t.Fatalf("SentTexts = %d, want 1", len(texts))
	}
	if texts[0].Address != "62812000111@s.whatsapp.net" || texts[0].Text != "hello" {
		t.Fatalf("unexpected text send: %+v", texts[0])
	}

	files := f.SentFiles()
	if len(files) != 2 || files[0].Path != a || files[1].Path != b {
		t.Fatalf("unexpected attachment sends: %+v", files)
	}

	recs := sink.all()
	if len(recs) != 1 || !recs[0].Success || recs[0].Attachments != 2 {
		t.Fatalf("unexpected audit records: %+v", recs)
	}
}

func TestSendResolvesTemplate(t *testing.T) {
	t.Parallel()

	f := readyFake()
	f.ContactResult = &channel.Contact{Address: "62812000111@s.whatsapp.net", Name: "Ravi"}
	d := newTestDispatcher(t, f, testConfig())

	opts := Options{
		Process:     "order-shipped",
		MessageType: "created",
		Variables:   map[string]string{"order": "42"},
	}
	ok, err := d.Send(context.Background(), "acme", "0812000111", "", nil, opts)
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}

	texts := f.SentTexts()
	if len(texts) != 1 || texts[0].Text != "Hi Ravi, order 42 shipped." {
		t.Fatalf("unexpected resolved body: %+v", texts)
	}
}

func TestSendInvalidArguments(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, readyFake(), testConfig())

	if _, err := d.Send(context.Background(), "acme", "  ", "hi", nil, Options{}); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("empty recipient: err = %v", err)
	}
	if _, err := d.Send(context.Background(), "acme", "0812000111", "", nil, Options{}); err == nil {
		t.Fatal("expected error for empty body without template process")
	}
	if _, err := d.Send(context.Background(), "acme", "0812000111", "", nil, Options{Process: "nope"}); err == nil {
		t.Fatal("expected error for unconfigured template")
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	t.Parallel()

	f := readyFake()
	boom := errors.New("send failed")
	f.SendTextErrs = []error{boom, boom, boom, boom, boom}
	d := newTestDispatcher(t, f, testConfig())

	ok, err := d.Send(context.Background(), "acme", "0812000111", "hi", nil, Options{})
	if err != nil {
		t.Fatalf("operational failure must not be an error: %v", err)
	}
	if ok {
		t.Fatal("Send succeeded despite a dead channel")
	}
	// Exactly MaxAttempts errors consumed.
	if remaining := len(f.SendTextErrs); remaining != 2 {
		t.Fatalf("attempts = %d, want 3", 5-remaining)
	}
	if len(f.SentTexts()) != 0 {
		t.Fatal("a failed send must not record a delivery")
	}
}

func TestSendNotReady(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	d := newTestDispatcher(t, &channeltest.Fake{}, cfg) // never authenticates

	ok, err := d.Send(context.Background(), "acme", "0812000111", "hi", nil, Options{})
	if err != nil || ok {
		t.Fatalf("Send = %v, %v, want false, nil", ok, err)
	}
}

func TestSendAttachmentFailureKeepsJobSuccessful(t *testing.T) {
	t.Parallel()

	f := readyFake()
	f.SendFileErrs = []error{errors.New("upload failed")}
	d := newTestDispatcher(t, f, testConfig())

	dir := t.TempDir()
	a := writeFile(t, dir, "a.pdf")
	b := writeFile(t, dir, "b.pdf")

	ok, err := d.Send(context.Background(), "acme", "0812000111", "hi", []string{a, b}, Options{})
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v; attachment failure must not fail the job", ok, err)
	}
	if files := f.SentFiles(); len(files) != 1 || files[0].Path != b {
		t.Fatalf("unexpected attachment sends: %+v", files)
	}
}

func TestSendBulkOrderAndIsolation(t *testing.T) {
	t.Parallel()

	f := readyFake()
	boom := errors.New("send failed")
	f.SendTextErrs = []error{boom, boom, boom} // r1 exhausts all attempts
	d := newTestDispatcher(t, f, testConfig())

	results := d.SendBulk(context.Background(), "acme", []string{"0812000111", "0812000222"}, "hi", nil, Options{})
	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	if results[0].Recipient != "0812000111" || results[0].Success {
		t.Fatalf("r1 = %+v, want failure", results[0])
	}
	if results[1].Recipient != "0812000222" || !results[1].Success {
		t.Fatalf("r2 = %+v, want success", results[1])
	}
}

func TestSendBulkPacing(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, readyFake(), testConfig())

	recipients := []string{"0812000111", "0812000222", "0812000333"}
	start := time.Now()
	results := d.SendBulk(context.Background(), "acme", recipients, "hi", nil, Options{
		PerRecipientDelay: 20 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if len(results) != 3 {
		t.Fatalf("results = %d entries, want 3", len(results))
	}
	// One pacing delay per recipient.
	if want := 60 * time.Millisecond; elapsed < want {
		t.Fatalf("bulk finished in %v, want at least %v of pacing", elapsed, want)
	}
}

func TestSendBulkInvalidRecipientDoesNotStopBatch(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, readyFake(), testConfig())

	results := d.SendBulk(context.Background(), "acme", []string{"not-a-number", "0812000222"}, "hi", nil, Options{})
	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	if results[0].Success || results[0].Detail == "" {
		t.Fatalf("invalid recipient = %+v, want failure with detail", results[0])
	}
	if !results[1].Success {
		t.Fatalf("valid recipient = %+v, want success", results[1])
	}
}

func TestUpdateConfigAppliesToNextSend(t *testing.T) {
	t.Parallel()

	f := readyFake()
	d := newTestDispatcher(t, f, testConfig())

	cfg := testConfig()
	cfg.CountryPrefix = "44"
	d.UpdateConfig(cfg)

	ok, err := d.Send(context.Background(), "acme", "0700900123", "hello", nil, Options{})
	if err != nil || !ok {
		t.Fatalf("Send = %v, %v", ok, err)
	}
	texts := f.SentTexts()
	if len(texts) != 1 || texts[0].Address != "44700900123@s.whatsapp.net" {
		t.Fatalf("unexpected sends: %+v", texts)
	}
}
