package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/tabsync/internal/config"
	"github.com/neboloop/tabsync/internal/discovery"
	"github.com/neboloop/tabsync/internal/events"
	"github.com/neboloop/tabsync/internal/guide"
	"github.com/neboloop/tabsync/internal/hub"
	"github.com/neboloop/tabsync/internal/logging"
	"github.com/neboloop/tabsync/internal/server"
)

// ServeCmd runs the coordinator.
func ServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, ServerConfig, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.host:server.port)")
	return cmd
}

func runServe(ctx context.Context, c *config.Config, addr string) error {
	if addr == "" {
		addr = c.Addr()
	}

	bus := events.NewSubject()
	defer events.Complete(bus)
	events.Subscribe(bus, events.TopicConnOpened, func(_ context.Context, e hub.ConnEvent) error {
		logging.Logger().Info("connection opened", "name", e.Conn.Name, "scope", e.Conn.ScopeID)
		return nil
	})
	events.Subscribe(bus, events.TopicConnClosed, func(_ context.Context, e hub.ConnEvent) error {
		logging.Logger().Info("connection closed", "name", e.Conn.Name)
		return nil
	})

	opts := []hub.Option{hub.WithEvents(bus)}
	var keeper *hub.StateKeeper
	var fallback hub.Owner = hub.NoopOwner{}
	if c.Hub.KeepState {
		k, err := hub.NewStateKeeper(guide.Specs(), hub.WithPageTTL(c.Hub.PageTTL))
		if err != nil {
			return err
		}
		defer k.Close()
		keeper, fallback = k, k
		opts = append(opts, k.Options()...)
	}

	h, err := hub.New(hub.Config{Channels: c.Hub.Channels, Fallback: fallback}, opts...)
	if err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	srv := server.New(h, keeper, server.Options{
		JWTSecret:      c.Auth.JWTSecret,
		AllowedOrigins: c.Server.AllowedOrigins,
		AcceptRate:     c.Server.AcceptRate,
		AcceptBurst:    c.Server.AcceptBurst,
		RequestLog:     c.Server.RequestLog,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, addr)
	})
	if c.Discovery.Enabled {
		g.Go(func() error {
			return discovery.Advertise(ctx, c.Discovery.Instance, c.Server.Port)
		})
	}
	if cfgFile != "" {
		current := *c
		g.Go(func() error {
			return config.Watch(ctx, cfgFile, func(next config.Config) {
				applyReload(srv, &current, &next)
				current = next
			}, func(err error) {
				logging.Logger().Warn("config reload failed", "path", cfgFile, "error", err)
			})
		})
	}
	logging.Logger().Info("coordinator starting", "addr", addr, "channels", c.Hub.Channels, "state", c.Hub.KeepState)
	return g.Wait()
}

// reloadable is the part of the server that follows config changes.
type reloadable interface {
	SetAcceptRate(perSecond float64, burst int)
	SetAllowedOrigins(origins []string)
}

// applyReload applies the runtime settings of next. Settings fixed at startup
// are logged when they differ.
func applyReload(srv reloadable, cur, next *config.Config) {
	level := next.Log.Level
	if verbose {
		level = "debug"
	}
	logging.SetLevel(level)
	srv.SetAllowedOrigins(next.Server.AllowedOrigins)
	srv.SetAcceptRate(next.Server.AcceptRate, next.Server.AcceptBurst)

	if !slices.Equal(cur.Hub.Channels, next.Hub.Channels) || cur.Server.Port != next.Server.Port ||
		cur.Auth.JWTSecret != next.Auth.JWTSecret || cur.Hub.KeepState != next.Hub.KeepState {
		logging.Logger().Warn("config change needs a restart", "changed", "hub, server.port or auth")
	}
	logging.Logger().Info("config reloaded", "log_level", level, "origins", next.Server.AllowedOrigins, "accept_rate", next.Server.AcceptRate)
}
