package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/neboloop/tabsync/internal/client"
	"github.com/neboloop/tabsync/internal/config"
	"github.com/neboloop/tabsync/internal/discovery"
	"github.com/neboloop/tabsync/internal/guide"
	"github.com/neboloop/tabsync/internal/middleware"
	"github.com/neboloop/tabsync/internal/protocol"
	"github.com/neboloop/tabsync/internal/store"
	"github.com/neboloop/tabsync/internal/transport/ws"
)

// ClientCmd attaches a client with the guide stores to a coordinator.
func ClientCmd() *cobra.Command {
	var (
		channel   string
		scopeID   string
		anonymous bool
		watch     bool
		dispatch  []string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a coordinator and dispatch or watch actions",
		Example: `  tabsync client --channel panel --scope 42 --dispatch increment
  tabsync client --channel agent --scope 42 --watch
  tabsync client --channel panel --scope 42 --dispatch 'startRecording=["g1",3]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" {
				return errors.New("--channel is required")
			}
			calls := make([]call, 0, len(dispatch))
			for _, s := range dispatch {
				c, err := parseCall(s)
				if err != nil {
					return err
				}
				calls = append(calls, c)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			identity := client.Stable
			if anonymous {
				identity = client.Anonymous
			}
			return runClient(ctx, ServerConfig, client.Config{Channel: channel, ScopeID: scopeID, Identity: identity}, calls, watch)
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel to connect on")
	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "scope id (tab or page id)")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "use a fresh connection name on every reconnect")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and print every change")
	cmd.Flags().StringArrayVarP(&dispatch, "dispatch", "d", nil, "action to dispatch, as name or name=[json args]")
	return cmd
}

type call struct {
	name string
	args protocol.Args
}

// parseCall reads "name" or "name=[arg, ...]".
func parseCall(s string) (call, error) {
	name, raw, hasArgs := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return call{}, fmt.Errorf("dispatch %q: missing action name", s)
	}
	c := call{name: name, args: protocol.Args{}}
	if hasArgs {
		if err := json.Unmarshal([]byte(raw), &c.args); err != nil {
			return call{}, fmt.Errorf("dispatch %q: args must be a JSON array: %w", s, err)
		}
	}
	return c, nil
}

func resolveURL(ctx context.Context, c *config.Config) (string, error) {
	if baseURL != "" {
		return baseURL, nil
	}
	if discover {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return discovery.Lookup(ctx)
	}
	return c.BaseURL(), nil
}

func bearer(c *config.Config, subject string) (string, error) {
	if token != "" || c.Auth.JWTSecret == "" {
		return token, nil
	}
	return middleware.IssueToken(c.Auth.JWTSecret, subject, c.Auth.TokenTTL)
}

func runClient(ctx context.Context, c *config.Config, cfg client.Config, calls []call, watch bool) error {
	url, err := resolveURL(ctx, c)
	if err != nil {
		return err
	}
	dialer := ws.NewDialer(url)
	dialer.ScopeID = cfg.ScopeID
	if dialer.Token, err = bearer(c, cfg.Channel); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Client.BackoffInitial
	b.MaxInterval = c.Client.BackoffMax
	b.MaxElapsedTime = 0

	cl, err := client.New(dialer, cfg,
		client.WithBackOff(b),
		client.WithQueueSize(c.Client.QueueSize),
		client.WithErrorHandler(func(err error) { pterm.Warning.Println(err) }),
		client.OnStateChange(func(s client.State) { pterm.Debug.Printfln("connection %s", s) }),
	)
	if err != nil {
		return err
	}
	page, err := client.Use(cl, guide.PageStore())
	if err != nil {
		return err
	}
	library, err := client.Use(cl, guide.LibraryStore())
	if err != nil {
		return err
	}

	synced := make(chan struct{}, 1)
	printer := func(name string, state func() any) func(store.Change) {
		return func(ch store.Change) {
			if ch.Replaced {
				select {
				case synced <- struct{}{}:
				default:
				}
			}
			if watch {
				printChange(name, ch, state())
			}
		}
	}
	page.Subscribe(printer("page", func() any { return page.State() }))
	library.Subscribe(printer("global", func() any { return library.State() }))

	cl.Start(ctx)
	defer cl.Stop()

	select {
	case <-synced:
	case <-ctx.Done():
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("no init from %s", url)
	}
	pterm.Success.Printfln("connected to %s as %s", url, cl.Name())

	for _, call := range calls {
		var target interface {
			DispatchArgs(string, protocol.Args) error
		}
		switch {
		case lo.Contains(guide.PageStore().Actions(), call.name):
			target = page
		case lo.Contains(guide.LibraryStore().Actions(), call.name):
			target = library
		default:
			return fmt.Errorf("unknown action %q", call.name)
		}
		if err := target.DispatchArgs(call.name, call.args); err != nil {
			return err
		}
		pterm.Info.Printfln("dispatched %s", call.name)
	}

	if !watch {
		printChange("page", store.Change{Scope: "page"}, page.State())
		printChange("global", store.Change{Scope: "global"}, library.State())
		return nil
	}
	<-ctx.Done()
	return nil
}

func printChange(name string, ch store.Change, state any) {
	data, err := json.Marshal(state)
	if err != nil {
		pterm.Error.Println(err)
		return
	}
	switch {
	case ch.Replaced:
		pterm.Info.Printfln("%s init %s", name, data)
	case ch.Action != "":
		pterm.Info.Printfln("%s %s (%s) %s", name, ch.Action, ch.Origin, data)
	default:
		pterm.Printfln("%s %s", name, data)
	}
}
