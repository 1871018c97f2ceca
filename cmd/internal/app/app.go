// Package app wires the roster server runtime: config, logging, HTTP routes,
// the presence registry and both ingress channels.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"roster/cmd/identity/ids"
	"roster/cmd/internal/chat"
	"roster/cmd/internal/metrics"
	"roster/cmd/internal/modules"
	"roster/cmd/internal/presence"
	"roster/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App owns the HTTP server and every long-running component.
type App struct {
	cfg Config
	log Logger

	promReg *prometheus.Registry
	metrics *metrics.Metrics

	presence *presence.Registry
	modules  *modules.Table
	ws       *realtime.WSGateway

	// chat and bot are nil when no chat settings are configured.
	chat *chat.Client
	bot  *chat.Bot

	ready atomic.Bool
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	registry := presence.NewRegistry(
		presence.WithLogger(log),
		presence.WithTTL(cfg.SessionTTL),
		presence.WithIDGenerator(ids.NewGenerator()),
		presence.WithMetrics(m),
	)

	table, err := modules.NewTable(log, m, modules.Builtin(log)...)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, m)
	ws, err := realtime.NewWSGateway(log, hub, registry, table, cfg.GatewayConfig(), m)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		promReg:  promReg,
		metrics:  m,
		presence: registry,
		modules:  table,
		ws:       ws,
	}

	if cc, ok := cfg.ChatConfig(); ok {
		client, err := chat.NewClient(cc, log, m)
		if err != nil {
			return nil, err
		}
		a.chat = client
		a.bot = chat.NewBot(log, cc.Username, chat.DefaultCommands(), client, hub, m)
	}

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.routes() }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the sweeper and the chat
// client. It returns nil after a clean shutdown triggered by ctx.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// Hijacked websocket connections outlive srv.Shutdown; cancelling the base
	// context ends their read loops.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"ws_url", wsBaseURL(base)+"/ws",
		"session_ttl", a.presence.TTL(),
		"modules", a.modules.Tags(),
		"chat_enabled", a.chat != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	a.ready.Store(true)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	if a.cfg.SweepInterval > 0 {
		g.Go(func() error {
			a.presence.RunSweeper(gctx, a.cfg.SweepInterval)
			return nil
		})
	}

	if a.chat != nil {
		g.Go(func() error {
			// A lost chat stream never takes the websocket channel down with it.
			if err := a.chat.Run(gctx, a.bot.HandleMessage); err != nil {
				a.log.Error("chat.stop.fail", "err", err)
			}
			return nil
		})
	} else {
		a.log.Info("chat.disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		cancelBase()
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	a.presence.Close()

	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
