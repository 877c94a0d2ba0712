package main

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/danmuck/pipebroker/internal/admin"
	"github.com/danmuck/pipebroker/internal/auth"
	"github.com/danmuck/pipebroker/internal/config"
	"github.com/danmuck/pipebroker/internal/listener"
	"github.com/danmuck/pipebroker/internal/logging"
	"github.com/danmuck/pipebroker/internal/notify"
	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/danmuck/pipebroker/internal/protocol/frame"
	"github.com/danmuck/pipebroker/internal/relay"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/rs/zerolog"
)

// broker wires the registry, relay engine, listeners and admin API.
type broker struct {
	cfg config.Config
	log zerolog.Logger

	reg    *session.Registry
	engine *relay.Engine
	hub    *notify.Hub

	targetSup *listener.Supervisor
	clientSup *listener.Supervisor
	admin     *admin.Server

	targetLn net.Listener
	clientLn net.Listener
	adminLn  net.Listener

	ready atomic.Bool
}

// newBroker binds every configured socket. Bind errors are returned to the
// caller and are fatal at startup.
func newBroker(cfg config.Config, logger zerolog.Logger) (*broker, error) {
	applyLogLevel(cfg.Log.Level)
	observability.RegisterMetrics()

	reg := session.NewRegistry()
	observability.RegisterSessionGauge(reg.Len)
	engine := relay.NewEngine(reg, relay.Options{
		BufferSize: cfg.Relay.BufferSize,
		Logger:     logger,
	})

	b := &broker{
		cfg:    cfg,
		log:    logger,
		reg:    reg,
		engine: engine,
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger.With().Str("component", "notify").Logger()}
	if cfg.Notify.Hub {
		b.hub = notify.NewHub(notify.HubOptions{
			QueueSize:  cfg.Notify.QueueSize,
			MaxDurable: cfg.Notify.MaxDurable,
			Logger:     logger,
		})
		notifier = notify.Multi{notifier, b.hub}
	}
	limits := frame.Limits{MaxBodyBytes: cfg.Protocol.MaxBodyBytes}
	target := listener.NewTargetListener(listener.Config{
		Addr:             cfg.Target.Addr,
		HandshakeTimeout: cfg.Target.HandshakeTimeout.Duration,
		AckWriteTimeout:  cfg.Handshake.AckWriteTimeout.Duration,
		Limits:           limits,
	}, reg, engine, logger)
	client := listener.NewClientListener(listener.ClientConfig{
		Config: listener.Config{
			Addr:             cfg.Client.Addr,
			HandshakeTimeout: cfg.Client.HandshakeTimeout.Duration,
			AckWriteTimeout:  cfg.Handshake.AckWriteTimeout.Duration,
			Limits:           limits,
		},
		AssignPipe:      cfg.Client.AssignPipe,
		NotifyMode:      cfg.Client.NotifyMode,
		NotifyRecipient: cfg.Client.NotifyRecipient,
	}, reg, engine, notifier, logger)

	minB, maxB := cfg.Supervisor.MinBackoff.Duration, cfg.Supervisor.MaxBackoff.Duration
	b.targetSup = listener.NewSupervisor(target, minB, maxB, logger)
	b.clientSup = listener.NewSupervisor(client, minB, maxB, logger)

	var err error
	if b.targetLn, err = net.Listen("tcp", cfg.Target.Addr); err != nil {
		return nil, err
	}
	if b.clientLn, err = net.Listen("tcp", cfg.Client.Addr); err != nil {
		_ = b.targetLn.Close()
		return nil, err
	}
	if cfg.Admin.Addr != "" {
		if b.adminLn, err = net.Listen("tcp", cfg.Admin.Addr); err != nil {
			_ = b.targetLn.Close()
			_ = b.clientLn.Close()
			return nil, err
		}
		b.admin = admin.New(admin.Options{
			Registry:    reg,
			Hub:         b.hub,
			Validator:   auth.StaticToken{Token: cfg.Admin.Token},
			Ready:       b.ready.Load,
			CorsOrigins: cfg.Admin.CorsOrigins,
			Logger:      logger,
		})
	}
	return b, nil
}

// run blocks until ctx is done, then drains every relay.
func (b *broker) run(ctx context.Context) error {
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		b.reg.RunReaper(ctx, b.cfg.Session.ReapInterval.Duration, b.cfg.Session.PairTimeout.Duration, b.log)
	})
	spawn(func() { _ = b.targetSup.Run(ctx, b.targetLn) })
	spawn(func() { _ = b.clientSup.Run(ctx, b.clientLn) })
	if b.admin != nil {
		spawn(func() {
			if err := b.admin.Serve(ctx, b.adminLn); err != nil {
				b.log.Error().Err(err).Msg("pipebroker admin stopped")
			}
		})
	}

	b.ready.Store(true)
	b.log.Warn().
		Str("target", b.targetLn.Addr().String()).
		Str("client", b.clientLn.Addr().String()).
		Bool("admin", b.admin != nil).
		Msg("pipebroker running")

	<-ctx.Done()
	b.ready.Store(false)
	wg.Wait()
	closed := b.reg.CloseAll()
	b.engine.Wait()
	b.log.Warn().Int("closed_sessions", closed).Msg("pipebroker stopped")
	return nil
}

func applyLogLevel(raw string) {
	if os.Getenv(logging.EnvLogLevel) != "" {
		return
	}
	if lvl, ok := logging.ParseLevel(raw); ok {
		zerolog.SetGlobalLevel(lvl)
	}
}
