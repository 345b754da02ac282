package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/nativehost"
)

var nativeHostCmd = &cobra.Command{
	Use:   "native-host [origin]",
	Short: "Serve native messaging commands on stdin/stdout",
	Long: `Serve the browser's native messaging protocol on stdin/stdout. Register this
command in the browser's native messaging host manifest; the browser passes
the calling extension origin as an argument, which is ignored.

Commands: ping, start_bridge, stop_bridge, bridge_status.`,
	Args: cobra.ArbitraryArgs,
	RunE: runNativeHost,
}

func init() {
	rootCmd.AddCommand(nativeHostCmd)
}

func runNativeHost(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries frames, so logs go to stderr and a file.
	log := debug.New(os.Stderr)
	if cfg.Debug {
		log.Enable()
	}
	if err := log.SetLogFile("native-host.log"); err != nil {
		log.Warn("nativehost", "%v", err)
	}
	defer log.Close()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Native.BridgePort)
	sup := &nativehost.ProcessSupervisor{
		Command: []string{exe, "bridge", "--addr", addr},
		PidFile: filepath.Join(os.TempDir(), "hlassist-bridge.pid"),
	}

	ctx, stop := signalContext()
	defer stop()

	host := nativehost.New(nativehost.Config{
		Logger:     log,
		BridgeAddr: addr,
		Supervisor: sup,
	})
	return host.Serve(ctx, os.Stdin, os.Stdout)
}
