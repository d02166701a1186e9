// Package daemon wires the chat transport, the session registry and the
// audit store into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/shellchat/internal/bot"
	"github.com/ehrlich-b/shellchat/internal/config"
	"github.com/ehrlich-b/shellchat/internal/keys"
	"github.com/ehrlich-b/shellchat/internal/logger"
	"github.com/ehrlich-b/shellchat/internal/remote"
	"github.com/ehrlich-b/shellchat/internal/session"
	"github.com/ehrlich-b/shellchat/internal/store"
)

// ShutdownGrace is how long stopped tasks get to finish before they are
// killed on shutdown.
const ShutdownGrace = 5 * time.Second

// Transport is the chat side of the daemon.
type Transport interface {
	session.Responder
	Start(ctx context.Context, h bot.Handler) error
	Stop() error
}

type Daemon struct {
	Config     *config.Config
	ConfigPath string // watched for changes when set
	Store      *store.Store
	Sessions   *session.Registry
	Bot        *bot.Bot

	transport Transport
	connector remote.Connector
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithConnector replaces the SSH connector, mostly for tests.
func WithConnector(c remote.Connector) Option {
	return func(d *Daemon) { d.connector = c }
}

// New opens the audit store and builds the session registry and command
// dispatcher on top of t.
func New(cfg *config.Config, configPath string, t Transport, opts ...Option) (*Daemon, error) {
	d := &Daemon{Config: cfg, ConfigPath: configPath, transport: t}
	for _, o := range opts {
		o(d)
	}
	if d.connector == nil {
		d.connector = remote.NewSSHConnector(cfg.SSH.ConnectTimeout, cfg.SSH.KnownHosts)
	}

	var recorder session.Recorder
	if cfg.Database.Path != "" {
		s, err := store.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		d.Store = s
		recorder = s

		// Runs left over from a previous process cannot be resumed
		if n, err := s.MarkAbandoned(); err != nil {
			logger.Warn("mark abandoned runs failed", "error", err)
		} else if n > 0 {
			logger.Info("marked abandoned runs", "count", n)
		}
		if cfg.Database.Retention > 0 {
			if n, err := s.Prune(time.Now().Add(-cfg.Database.Retention)); err != nil {
				logger.Warn("prune runs failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned old runs", "count", n)
			}
		}
	}

	d.Sessions = session.NewRegistry(session.Options{
		Connector: d.connector,
		Responder: t,
		Keys:      keys.NewGenerator(cfg.SSH.KeysDir),
		Recorder:  recorder,
		Pump: session.PumpConfig{
			Idle:      cfg.Tasks.FlushInterval,
			MaxBuffer: cfg.Tasks.MaxBuffer,
			TickEvery: cfg.Tasks.TickInterval,
		},
		MaxTasks:     cfg.Tasks.MaxPerSession,
		KillGrace:    cfg.Tasks.KillGrace,
		QueryTimeout: cfg.Tasks.QueryTimeout,
	})
	d.Bot = bot.New(d.Sessions, t, cfg)
	return d, nil
}

// Run serves chat messages until ctx is done, then stops every task and the
// transport.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := d.transport.Start(gctx, d.Bot); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	logger.Info("shellchat started", "keys", d.Config.SSH.KeysDir, "db", d.Config.Database.Path)

	if d.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, d.ConfigPath, d.apply)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// apply takes the settings that can change without a restart.
func (d *Daemon) apply(cfg *config.Config) {
	d.Bot.Apply(cfg)
	logger.SetLevel(cfg.Logging.Level)
	if cfg.Discord.Token != d.Config.Discord.Token || cfg.SSH != d.Config.SSH || cfg.Tasks != d.Config.Tasks {
		logger.Warn("some config changes take effect after a restart")
	}
}

func (d *Daemon) shutdown() error {
	logger.Info("shutting down")
	err := d.transport.Stop()

	n := d.Sessions.StopAll(context.Background())
	if n > 0 {
		logger.Info("stopping tasks", "count", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	for _, s := range d.Sessions.All() {
		if werr := s.Wait(ctx); werr != nil {
			// Grace period is over
			for _, s := range d.Sessions.All() {
				s.KillAllTasks(context.Background())
			}
			break
		}
	}
	if err != nil {
		return fmt.Errorf("stop transport: %w", err)
	}
	return nil
}

// Close releases the store.
func (d *Daemon) Close() error {
	if d.Store == nil {
		return nil
	}
	return d.Store.Close()
}
