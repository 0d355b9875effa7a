// Package channeltest provides a scriptable in-memory Channel for tests.
package channeltest

import (
	"context"
	"sync"
	"time"

	"wagate/internal/channel"
)

// Fake implements channel.Channel with scriptable results and full call
// recording. Zero value is usable; all operations succeed by default.
type Fake struct {
	mu      sync.Mutex
	subs    map[int]func(channel.Event)
	nextSub int

	InitializeErr error
	LogoutErr     error
	ReloadErr     error

	// ReloadRecovers makes a successful Reload clear the scripted
	// sub-component errors, mimicking a restart that heals the channel.
	ReloadRecovers bool

	// InitializeDelay makes Initialize block, so tests can observe
	// concurrent callers coalescing onto one in-flight startup.
	InitializeDelay time.Duration

	// EmitOnInitialize is delivered synchronously at the end of a
	// successful Initialize, mimicking a channel whose stored credentials
	// fire events during startup.
	EmitOnInitialize []channel.Event

	// SendTextErrs is consumed one element per SendText call; a nil element
	// (or exhaustion) means success.
	SendTextErrs []error
	SendFileErrs []error

	ContactResult  *channel.Contact
	ContactErr     error
	ContactsResult []channel.Contact
	ContactsErr    error

	StateResult string
	StateErr    error

	IdentityResult *channel.Identity
	IdentityErr    error

	initCalls    int
	destroyCalls int
	reloadCalls  int
	logoutCalls  int
	sentTexts    []SentText
	sentFiles    []SentFile
}

type SentText struct {
	Address string
	Text    string
}

type SentFile struct {
	Address string
	Path    string
	Caption string
}

var _ channel.Channel = (*Fake)(nil)

// Factory returns a channel.Factory that always hands out f.
func (f *Fake) Factory() channel.Factory {
	return func(string) (channel.Channel, error) { return f, nil }
}

// Emit delivers an event to all current subscribers, synchronously.
func (f *Fake) Emit(e channel.Event) {
	f.mu.Lock()
	fns := make([]func(channel.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (f *Fake) Subscribe(fn func(channel.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[int]func(channel.Event){}
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	err := f.InitializeErr
	delay := f.InitializeDelay
	events := append([]channel.Event(nil), f.EmitOnInitialize...)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}
	for _, e := range events {
		f.Emit(e)
	}
	return nil
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	return nil
}

func (f *Fake) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloadCalls++
	if f.ReloadErr != nil {
		return f.ReloadErr
	}
	if f.ReloadRecovers {
		f.StateErr = nil
		f.IdentityErr = nil
		f.ContactErr = nil
	}
	return nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.LogoutErr
}

func (f *Fake) SendText(ctx context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.SendTextErrs) > 0 {
		err = f.SendTextErrs[0]
		f.SendTextErrs = f.SendTextErrs[1:]
	}
	if err == nil {
		f.sentTexts = append(f.sentTexts, SentText{Address: address, Text: text})
	}
	return err
}

func (f *Fake) SendFile(ctx context.Context, address, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.SendFileErrs) > 0 {
		err = f.SendFileErrs[0]
		f.SendFileErrs = f.SendFileErrs[1:]
	}
	if err == nil {
		f.sentFiles = append(f.sentFiles, SentFile{Address: address, Path: path, Caption: caption})
	}
	return err
}

func (f *Fake) ContactByID(ctx context.Context, address string) (*channel.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ContactErr != nil {
		return nil, f.ContactErr
	}
	if f.ContactResult != nil {
		return f.ContactResult, nil
	}
	return nil, channel.ErrNotFound
}

func (f *Fake) Contacts(ctx context.Context) ([]channel.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ContactsResult, f.ContactsErr
}

func (f *Fake) ConnectionState(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StateErr != nil {
		return "", f.StateErr
	}
	if f.StateResult == "" {
		return "CONNECTED", nil
	}
	return f.StateResult, nil
}

func (f *Fake) SelfIdentity(ctx context.Context) (*channel.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IdentityErr != nil {
		return nil, f.IdentityErr
	}
	if f.IdentityResult != nil {
		return f.IdentityResult, nil
	}
	return &channel.Identity{DisplayName: "fake", Address: "0@s.whatsapp.net"}, nil
}

// SetInitializeErr changes the scripted Initialize result after the
// fake is already in use (field writes would race with the machine's
// goroutines).
func (f *Fake) SetInitializeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitializeErr = err
}

// ---- recorded call accessors ----

func (f *Fake) InitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

func (f *Fake) DestroyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyCalls
}

func (f *Fake) ReloadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadCalls
}

func (f *Fake) LogoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

func (f *Fake) SentTexts() []SentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentText(nil), f.sentTexts...)
}

func (f *Fake) SentFiles() []SentFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentFile(nil), f.sentFiles...)
}
