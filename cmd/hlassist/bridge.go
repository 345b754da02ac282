package main

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/standardbeagle/hlassist/internal/bridge"
	"github.com/standardbeagle/hlassist/internal/daemon"
	"github.com/standardbeagle/hlassist/internal/debug"
	"github.com/standardbeagle/hlassist/internal/tools"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the bridge the browser extension connects to",
	Long: `Run the bridge server. The extension connects to ws://<addr>/ws; /health,
/ping, /stats and /metrics are served over HTTP.

With --mcp the bridge also serves MCP on stdio, so an assistant can read the
elements sent from the inspector:

  hlassist bridge --mcp`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().String("addr", "", "Listen address (default from config, 127.0.0.1:5055)")
	bridgeCmd.Flags().Bool("mcp", false, "Also serve MCP tools on stdio")
	rootCmd.AddCommand(bridgeCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Bridge.Addr()
	}
	serveMCP, _ := cmd.Flags().GetBool("mcp")

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := debug.Default()
	srv := bridge.New(bridge.Config{
		Addr:      addr,
		Logger:    log,
		InboxSize: cfg.Bridge.InboxSize,
		RateLimit: rate.Limit(cfg.Bridge.RateLimit),
		Burst:     cfg.Bridge.Burst,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if serveMCP {
		backend, err := openStore(ctx, cfg, dir)
		if err != nil {
			return err
		}
		defer backend.Close()

		server := mcp.NewServer(
			&mcp.Implementation{Name: "hlassist", Version: daemon.Version},
			&mcp.ServerOptions{
				Instructions: `Bridge to the HighlightAssist browser inspector.

Available tools:
- latest_selection: The element most recently sent from the inspector
- selection_history: Recently sent elements, newest first
- status: Bridge connections and counters
- broadcast: Push a message to connected extension pages
- detect: Detect project type and dev server command
- store: Read and write overlay settings`,
			},
		)
		tools.Register(server, tools.Deps{Bridge: srv, Store: backend})

		g.Go(func() error {
			// The assistant going away ends the bridge too.
			defer cancel()
			err := server.Run(gctx, &mcp.StdioTransport{})
			if err != nil && gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
