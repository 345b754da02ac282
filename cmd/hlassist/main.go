// Command hlassist runs the HighlightAssist bridge, native messaging host
// and developer tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/hlassist/internal/config"
	"github.com/standardbeagle/hlassist/internal/daemon"
	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/store"
	"github.com/standardbeagle/hlassist/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "hlassist",
	Short: "Element inspector bridge and tooling",
	Long: `hlassist connects the HighlightAssist browser overlay to your assistant.

It runs the local bridge the extension talks to, the native messaging host
that starts and stops that bridge, and tools for inspecting settings and
replaying inspector sessions against page fixtures.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hlassist v%s\n", daemon.Version)
		if daemon.GitCommit != "" {
			fmt.Printf("commit: %s\n", daemon.GitCommit)
		}
		if daemon.BuildTime != "" {
			fmt.Printf("built: %s\n", daemon.BuildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("dir", ".", "Directory to load .hlassist.kdl and .env from")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration for the --dir flag and applies --debug.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", err
	}
	if d, _ := cmd.Flags().GetBool("debug"); d {
		cfg.Debug = true
	}
	if cfg.Debug {
		debug.Default().Enable()
	}
	return cfg, dir, nil
}

func openStore(ctx context.Context, cfg *config.Config, dir string) (store.Backend, error) {
	return store.Open(ctx, store.Options{
		Backend:     cfg.Store.Backend,
		Path:        cfg.Store.Path,
		RedisAddr:   cfg.Store.RedisAddr,
		RedisPrefix: cfg.Store.RedisPrefix,
	}, dir)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// transportConfig maps the bridge settings onto the singleton's client.
func transportConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		URL:          cfg.Bridge.URL,
		MaxAttempts:  cfg.Bridge.MaxReconnectAttempts,
		BaseDelay:    config.Ms(cfg.Bridge.ReconnectBaseMS),
		MaxDelay:     config.Ms(cfg.Bridge.ReconnectCapMS),
		PingInterval: config.Ms(cfg.Bridge.PingIntervalMS),
	}
}
