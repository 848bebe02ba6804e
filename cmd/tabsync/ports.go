package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/neboloop/tabsync/internal/config"
	"github.com/neboloop/tabsync/internal/middleware"
	"github.com/neboloop/tabsync/internal/server"
)

// PortsCmd lists the live connections of a coordinator.
func PortsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List live connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := fetchPorts(cmd.Context(), ServerConfig)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ports)
			}
			if ports.Count == 0 {
				pterm.Info.Println("No connections.")
				return nil
			}
			table := pterm.TableData{{"Name", "Channel", "Scope", "Instance", "Connected"}}
			for _, p := range ports.Connections {
				table = append(table, []string{
					p.Name, p.Channel, p.ScopeID, p.Instance,
					time.Since(p.OpenedAt).Round(time.Second).String(),
				})
			}
			_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()
			pterm.Println()
			pterm.Info.Println(strconv.Itoa(ports.Count) + " connection(s)")
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func fetchPorts(ctx context.Context, c *config.Config) (*server.PortsResponse, error) {
	base, err := resolveURL(ctx, c)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/ports", nil)
	if err != nil {
		return nil, err
	}
	bt, err := bearer(c, "tabsync-cli")
	if err != nil {
		return nil, err
	}
	if bt != "" {
		req.Header.Set("Authorization", "Bearer "+bt)
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list ports: %s", resp.Status)
	}
	var ports server.PortsResponse
	if err := json.NewDecoder(resp.Body).Decode(&ports); err != nil {
		return nil, fmt.Errorf("decode ports: %w", err)
	}
	return &ports, nil
}

// TokenCmd issues a bearer token signed with auth.jwtSecret.
func TokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a connection token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ServerConfig.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret is not configured")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = ServerConfig.Auth.TokenTTL
			}
			t, err := middleware.IssueToken(ServerConfig.Auth.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, 0 for no expiry (default: auth.tokenTTL)")
	return cmd
}
