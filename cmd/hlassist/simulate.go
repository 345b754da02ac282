package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/hlassist/internal/config"
	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/sim"
	"github.com/standardbeagle/hlassist/internal/store"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <script>",
	Short: "Replay an inspector session against a page fixture",
	Long: `Wire the background singleton, the content relay and the overlay controller
together in process, load a page fixture and replay the script's steps, then
print the resulting state, history and session log.

Script format (YAML):
  fixture: page.yaml        # or an inline "page:" block
  url: http://localhost:3000/
  bridge: true              # start an in-process bridge
  steps:
    - do: toggle
    - do: hover
      target: button.buy
    - do: wait
      for: 150ms
    - do: lock
      target: button.buy
    - do: send

Actions: toggle, show, hide, state, hover, click, lock, unlock, key, keyup,
context, select_layer, toggle_layer, close_layers, copy_selector, copy_xpath,
connect, disconnect, send, wait.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Bool("json", false, "Print the report as JSON")
	simulateCmd.Flags().Bool("persist", false, "Use the configured storage backend instead of memory")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	script, err := sim.LoadScript(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var backend store.Backend
	if persist, _ := cmd.Flags().GetBool("persist"); persist {
		if backend, err = openStore(ctx, cfg, dir); err != nil {
			return err
		}
		defer backend.Close()
	}

	report, err := sim.Run(ctx, script, sim.Options{
		Logger:    debug.Default(),
		Storage:   backend,
		Transport: transportConfig(cfg),
		Defaults: map[string]any{
			"autoLockMode":             cfg.Inspector.AutoLock,
			"keyboardShortcutsEnabled": cfg.Inspector.KeyboardShortcuts,
		},
		UITimeout:      config.Ms(cfg.Relay.UITimeoutMS),
		StorageTimeout: config.Ms(cfg.Relay.StorageTimeoutMS),
		NativeTimeout:  config.Ms(cfg.Relay.NativeTimeoutMS),
		AnalyzeDelay:   config.Ms(cfg.Inspector.AnalyzeDebounceMS),
		PersistDelay:   config.Ms(cfg.Store.DebounceMS),
		HistoryLimit:   cfg.Inspector.HistoryLimit,
		LogLimit:       cfg.Inspector.LogLimit,
		MaxLayers:      cfg.Inspector.MaxLayers,
		SelectorDepth:  cfg.Inspector.MaxSelectorDepth,
	})
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	report.Print(os.Stdout)
	return nil
}
