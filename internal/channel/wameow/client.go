// Package wameow implements the channel contract over whatsmeow, with
// per-tenant credential stores on local sqlite files.
package wameow

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"wagate/internal/channel"
	logx "wagate/pkg/logx"
)

type Config struct {
	// StoreDir holds one credential database per tenant.
	StoreDir string

	// LogLevel for the embedded whatsmeow logger (DEBUG/INFO/WARN/ERROR).
	LogLevel string
}

// NewFactory returns a channel.Factory producing one Client per tenant.
func NewFactory(cfg Config, log logx.Logger) (channel.Factory, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("wameow: store dir is required")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("wameow: store dir: %w", err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "WARN"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(tenantID string) (channel.Channel, error) {
		return &Client{
			tenant: tenantID,
			cfg:    cfg,
			log:    log.With(logx.String("tenant", tenantID)),
			walog:  waLog.Stdout("wameow/"+tenantID, cfg.LogLevel, false),
		}, nil
	}, nil
}

// Client is one tenant's connection. Lifecycle events from whatsmeow are
// translated into the channel event vocabulary and fanned out to
// subscribers.
type Client struct {
	tenant string
	cfg    Config
	log    logx.Logger
	walog  waLog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	cli       *whatsmeow.Client
	handlerID uint32
	qrCancel  context.CancelFunc

	subMu     sync.Mutex
	subs      map[int]func(channel.Event)
	nextSubID int
}

var _ channel.Channel = (*Client)(nil)

func (c *Client) storeAddress() string {
	path := filepath.Join(c.cfg.StoreDir, c.tenant+".db")
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli != nil {
		return nil
	}

	container, err := sqlstore.New(ctx, "sqlite", c.storeAddress(), c.walog)
	if err != nil {
		return fmt.Errorf("wameow: open store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("wameow: load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, c.walog)
	c.container = container
	c.cli = cli
	c.handlerID = cli.AddEventHandler(c.translate)

	if cli.Store.ID == nil {
		// No stored credentials: pairing codes must be requested before
		// the websocket connects.
		qrCtx, cancel := context.WithCancel(context.Background())
		c.qrCancel = cancel
		qrCh, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			c.teardownLocked()
			return fmt.Errorf("wameow: qr channel: %w", err)
		}
		go c.pumpQR(qrCh)
	}

	if err := cli.Connect(); err != nil {
		c.teardownLocked()
		return fmt.Errorf("wameow: connect: %w", err)
	}
	return nil
}

func (c *Client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(channel.Event{Kind: channel.EventChallenge, Token: item.Code})
		case whatsmeow.QRChannelEventError:
			c.emit(channel.Event{Kind: channel.EventPageError, Err: item.Error})
		case "success":
			// events.PairSuccess covers this path.
		default:
			// timeout / client outdated: the pairing window closed.
			c.emit(channel.Event{Kind: channel.EventAuthFailure, Reason: item.Event})
		}
	}
}

func (c *Client) translate(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.log.Info("paired", logx.String("jid", e.ID.String()))
		c.emit(channel.Event{Kind: channel.EventAuthenticated})
	case *events.Connected:
		c.emit(channel.Event{Kind: channel.EventAuthenticated})
		c.emit(channel.Event{Kind: channel.EventReady})
	case *events.LoggedOut:
		c.emit(channel.Event{Kind: channel.EventAuthFailure, Reason: e.Reason.String()})
	case *events.StreamReplaced:
		// The server replaces the stream when the same credentials connect
		// elsewhere; treat as a benign handover, not a crash.
		c.emit(channel.Event{Kind: channel.EventDisconnected, Reason: channel.ReasonNavigation})
	case *events.Disconnected:
		c.emit(channel.Event{Kind: channel.EventDisconnected})
	case *events.ConnectFailure:
		c.emit(channel.Event{Kind: channel.EventPageError, Err: fmt.Errorf("connect failure: %s", e.Reason)})
	case *events.TemporaryBan:
		c.emit(channel.Event{Kind: channel.EventAuthFailure, Reason: e.String()})
	}
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

func (c *Client) teardownLocked() {
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	if c.cli != nil {
		c.cli.RemoveEventHandler(c.handlerID)
		c.cli.Disconnect()
		c.cli = nil
	}
	if c.container != nil {
		_ = c.container.Close()
		c.container = nil
	}
}

func (c *Client) Reload(ctx context.Context) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	cli.Disconnect()
	if err := cli.Connect(); err != nil {
		return fmt.Errorf("wameow: reconnect: %w", err)
	}
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	if err := cli.Logout(ctx); err != nil {
		if errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return channel.ErrSessionClosed
		}
		return fmt.Errorf("wameow: logout: %w", err)
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, address, text string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	jid, err := parseJID(address)
	if err != nil {
		return err
	}
	_, err = cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *Client) SendFile(ctx context.Context, address, path, caption string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	jid, err := parseJID(address)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("wameow: read attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var msg *waE2E.Message
	if strings.HasPrefix(mimeType, "image/") {
		up, err := cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("wameow: upload: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	} else {
		up, err := cli.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("wameow: upload: %w", err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(filepath.Base(path)),
			FileName:      proto.String(filepath.Base(path)),
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	_, err = cli.SendMessage(ctx, jid, msg)
	return err
}

func (c *Client) ContactByID(ctx context.Context, address string) (*channel.Contact, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := parseJID(address)
	if err != nil {
		return nil, err
	}
	info, err := cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("wameow: contact lookup: %w", err)
	}
	if !info.Found {
		return nil, channel.ErrNotFound
	}
	return &channel.Contact{
		Address:  jid.String(),
		Name:     info.FullName,
		PushName: info.PushName,
		Business: info.BusinessName != "",
	}, nil
}

func (c *Client) Contacts(ctx context.Context) ([]channel.Contact, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	all, err := cli.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("wameow: contact list: %w", err)
	}
	out := make([]channel.Contact, 0, len(all))
	for jid, info := range all {
		out = append(out, channel.Contact{
			Address:  jid.String(),
			Name:     info.FullName,
			PushName: info.PushName,
			Business: info.BusinessName != "",
		})
	}
	return out, nil
}

func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	cli, err := c.client()
	if err != nil {
		return "", err
	}
	switch {
	case cli.IsLoggedIn():
		return "open", nil
	case cli.IsConnected():
		return "connecting", nil
	default:
		return "close", nil
	}
}

func (c *Client) SelfIdentity(ctx context.Context) (*channel.Identity, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	id := cli.Store.ID
	if id == nil {
		return nil, channel.ErrSessionClosed
	}
	return &channel.Identity{
		DisplayName: cli.Store.PushName,
		Address:     id.ToNonAD().String(),
	}, nil
}

func (c *Client) Subscribe(fn func(channel.Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int]func(channel.Event))
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) emit(e channel.Event) {
	c.subMu.Lock()
	fns := make([]func(channel.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, channel.ErrNotInitialized
	}
	return c.cli, nil
}

func parseJID(address string) (types.JID, error) {
	if !strings.ContainsRune(address, '@') {
		return types.NewJID(address, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(address)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("wameow: bad address %q: %w", address, err)
	}
	return jid, nil
}
