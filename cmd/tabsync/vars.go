package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/tabsync/internal/config"
	"github.com/neboloop/tabsync/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile  string
	baseURL  string
	token    string
	discover bool
	verbose  bool
)

// ServerConfig holds the loaded configuration (set before any command runs)
var ServerConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags.
// embedded is the default configuration compiled into the binary.
func SetupRootCmd(embedded []byte) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tabsync",
		Short: "tabsync - cross-context state replication",
		Long: `tabsync runs a coordinator that routes store actions between named
connections and keeps their replicas in sync.

Start a coordinator with 'tabsync serve', attach a client with
'tabsync client --channel panel --scope 42'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(cfgFile, embedded)
			if err != nil {
				return err
			}
			if verbose {
				c.Log.Level = "debug"
			}
			logging.Setup(logging.Options{Level: c.Log.Level, Format: c.Log.Format})
			ServerConfig = &c
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in etc/tabsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "coordinator URL (default: from config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default: issued from auth.jwtSecret when set)")
	rootCmd.PersistentFlags().BoolVar(&discover, "discover", false, "resolve the coordinator over mDNS")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ClientCmd())
	rootCmd.AddCommand(PortsCmd())
	rootCmd.AddCommand(TokenCmd())

	return rootCmd
}
