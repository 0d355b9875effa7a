// Package app assembles the gateway: configuration, logging, session
// registry, dispatcher, HTTP API and the optional queue intake, all
// supervised under one context.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wagate/internal/alert"
	"wagate/internal/channel"
	"wagate/internal/channel/wameow"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/httpapi"
	"wagate/internal/intake"
	"wagate/internal/metrics"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/internal/template"
	logx "wagate/pkg/logx"
)

const defaultHTTPAddr = ":8089"

// Run starts the gateway and blocks until ctx is canceled or a fatal
// startup error occurs.
func Run(ctx context.Context, configPath string) error {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("app: load config %q: %w", configPath, err)
	}

	logSvc, log := newLogging(cfg.Logging)
	defer logSvc.Close()
	mgr.SetLogger(log)

	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	bus := eventbus.New()

	store, err := openStorage(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("app: storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	factory, err := newChannelFactory(cfg.Channel, log)
	if err != nil {
		return err
	}

	regCfg, err := cfg.Sessions.Registry()
	if err != nil {
		return err
	}
	registry := session.NewRegistry(factory, regCfg, log, bus)
	registry.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		registry.Stop(sctx)
	}()

	resolver := template.NewResolver(channelKind(cfg.Channel), cfg.Templates, log)

	dispCfg, err := cfg.Dispatch.Dispatcher()
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(registry, resolver, dispCfg, log, bus)
	if store != nil {
		dispatcher.SetAudit(storage.NewSink(store))
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
		sup.Go("metrics.collect", func(ctx context.Context) error {
			return metrics.Collect(ctx, bus, log)
		})
	}

	api, err := newAPI(cfg, registry, dispatcher, store, log)
	if err != nil {
		return err
	}
	if err := serveHTTP(sup, cfg.HTTP, api.Router(), log); err != nil {
		return err
	}

	if cfg.Intake != nil && cfg.Intake.Enabled {
		consumer, err := intake.NewConsumer(intake.Config{
			URL:      cfg.Intake.URL,
			Queue:    cfg.Intake.Queue,
			Prefetch: cfg.Intake.Prefetch,
		}, dispatcher, log)
		if err != nil {
			return err
		}
		sup.GoRestart("intake", consumer.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithStopOnCleanExit(false),
		)
	}

	sup.Go("config.watch", mgr.Watch)
	sup.Go0("config.apply", func(ctx context.Context) {
		applyReloads(ctx, mgr, logSvc, resolver, dispatcher, log)
	})
	sup.Go0("session.alerts", func(ctx context.Context) {
		watchSessionFailures(ctx, bus, log)
	})

	log.Info("gateway started",
		logx.String("addr", httpAddr(cfg.HTTP)),
		logx.String("channel", channelKind(cfg.Channel)),
		logx.Bool("intake", cfg.Intake != nil && cfg.Intake.Enabled),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)

	<-ctx.Done()
	log.Info("gateway stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sup.Stop(stopCtx)
}

func newLogging(lc config.LoggingConfig) (*logx.Service, logx.Logger) {
	var sender logx.Sender
	if lc.Alert.Enabled && lc.Alert.TelegramToken != "" {
		tg, err := alert.NewTelegram(lc.Alert.TelegramToken, lc.Alert.TelegramChat)
		if err != nil {
			// Alerting is best-effort; the gateway runs without it.
			logx.NewConsole(lc.Level).Warn("telegram alerting disabled", logx.Err(err))
		} else {
			sender = tg
		}
	}
	return logx.New(loggingConfig(lc), sender)
}

func loggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func openStorage(sc *config.StorageConfig, log logx.Logger) (storage.Store, error) {
	if sc == nil {
		return nil, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
	}, log)
}

func channelKind(cc config.ChannelConfig) string {
	if cc.Kind == "" {
		return "whatsapp"
	}
	return cc.Kind
}

func newChannelFactory(cc config.ChannelConfig, log logx.Logger) (channel.Factory, error) {
	switch channelKind(cc) {
	case "whatsapp":
		storeDir := cc.StoreDir
		if storeDir == "" {
			storeDir = "./wagate_sessions"
		}
		return wameow.NewFactory(wameow.Config{
			StoreDir: storeDir,
			LogLevel: cc.LogLevel,
		}, log)
	default:
		return nil, fmt.Errorf("app: unknown channel kind %q", cc.Kind)
	}
}

func newAPI(cfg *config.Config, registry *session.Registry, dispatcher *dispatch.Dispatcher, store storage.Store, log logx.Logger) (*httpapi.API, error) {
	ttl, err := config.ParseDurationOrDefault("auth.token_ttl", cfg.Auth.TokenTTL, 12*time.Hour)
	if err != nil {
		return nil, err
	}
	auth := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, ttl, cfg.Auth.Users)

	api := httpapi.New(registry, dispatcher, store, auth, log)
	if cfg.Dispatch.UploadDir != "" {
		api.SetUploadDir(cfg.Dispatch.UploadDir)
	}
	if cfg.Metrics.Enabled {
		api.EnableMetrics()
	}
	return api, nil
}

func httpAddr(hc config.HTTPConfig) string {
	if hc.Addr == "" {
		return defaultHTTPAddr
	}
	return hc.Addr
}

func serveHTTP(sup *supervisor.Supervisor, hc config.HTTPConfig, handler http.Handler, log logx.Logger) error {
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	// Bulk sends pace recipients sequentially while the response is held
	// open, so the write timeout is generous by default.
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 10*time.Minute)
	if err != nil {
		return err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         httpAddr(hc),
		Handler:      handler,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}

	sup.Go("http.serve", func(ctx context.Context) error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("http.shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	return nil
}

// applyReloads propagates config changes that are safe to apply live:
// logging output/levels, the template library and dispatch pacing.
// Structural settings (listeners, channel backend, storage driver) need
// a restart.
func applyReloads(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, resolver *template.Resolver, dispatcher *dispatch.Dispatcher, log logx.Logger) {
	sub := mgr.Subscribe(4)
	defer mgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			logSvc.Apply(loggingConfig(cfg.Logging))
			resolver.Swap(cfg.Templates)
			if dispCfg, err := cfg.Dispatch.Dispatcher(); err == nil {
				dispatcher.UpdateConfig(dispCfg)
			}
			log.Info("applied live config update")
		}
	}
}

// watchSessionFailures raises an error-level record whenever a tenant
// session lands in a failed state or expires, so the alert sink pages
// operators without the machine having to know about alerting.
func watchSessionFailures(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	events, unsub := bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeSessionState:
				sc, ok := e.Data.(session.StateChange)
				if ok && sc.To == session.StateFailed {
					log.Error("tenant session failed",
						logx.String("tenant", e.Tenant),
						logx.String("from", string(sc.From)),
						logx.String("reason", sc.Reason),
					)
				}
			case eventbus.TypeSessionExpired:
				log.Warn("tenant session expired", logx.String("tenant", e.Tenant))
			}
		}
	}
}
