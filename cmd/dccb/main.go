package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codespacesh/dccbridge/internal/bridge"
	"github.com/codespacesh/dccbridge/internal/config"
	"github.com/codespacesh/dccbridge/internal/dispatch"
	"github.com/codespacesh/dccbridge/internal/host"
	"github.com/codespacesh/dccbridge/internal/menu"
	"github.com/codespacesh/dccbridge/internal/peer"
	"github.com/codespacesh/dccbridge/internal/protocol"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "dccb",
		Short:        "JSON-RPC bridge between DCC hosts and the pipeline",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		hostCmd(),
		journalCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "[dccb] shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		listen   string
		menuFile string
	)

	cmd := &cobra.Command{
		Use:   "serve [-- host-command...]",
		Short: "Run the pipeline side and wait for a host to connect",
		Long: "Starts the pipeline WebSocket server and exports WEBSOCKET_URL. When a\n" +
			"command follows --, it is launched with WEBSOCKET_URL set and serve\n" +
			"exits when it does.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.cfg

			if listen != "" {
				cfg.Peer.Listen = listen
			}
			if menuFile != "" {
				cfg.Peer.MenuFile = menuFile
			}
			m := menu.Default()
			if cfg.Peer.MenuFile != "" {
				if m, err = menu.ParseFile(cfg.Peer.MenuFile); err != nil {
					return err
				}
			}

			d := dispatch.New(dispatch.WithLogger(env.log))
			for _, cb := range m.Callbacks() {
				registerMenuAction(d, env, cb)
			}
			d.Freeze()

			srv := peer.New(peer.Options{
				Listen:       cfg.Peer.Listen,
				CallTimeout:  cfg.Peer.CallTimeout.Duration,
				PollInterval: cfg.Bridge.PollInterval.Duration,
				Menu:         m,
				Dispatcher:   d,
				Journal:      env.recorder,
				Logger:       env.log,
			})

			ctx, cancel := signalContext()
			defer cancel()
			if err := srv.Start(ctx); err != nil {
				return err
			}
			defer srv.Close()
			if err := srv.ExportEnv(); err != nil {
				return err
			}
			fmt.Println(srv.Env())

			if dash := cmd.ArgsLenAtDash(); dash >= 0 && len(args[dash:]) > 0 {
				return launchHost(ctx, srv, args[dash:])
			}

			if stdinIsTerminal() {
				go pipelineREPL(ctx, srv, cancel)
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, 127.0.0.1:0)")
	cmd.Flags().StringVar(&menuFile, "menu", "", "YAML menu pushed to the host on connect")
	return cmd
}

func registerMenuAction(d *dispatch.Dispatcher, env *cliEnv, callback string) {
	d.MustRegister(callback, func(ctx context.Context, p protocol.Params) (any, error) {
		env.log.Info("menu action", "callback", callback, "params", p.Len())
		return nil, nil
	})
}

// launchHost runs the host command with WEBSOCKET_URL set and returns when
// it exits or ctx is cancelled.
func launchHost(ctx context.Context, srv *peer.Server, command []string) error {
	c := exec.CommandContext(ctx, command[0], command[1:]...)
	c.Env = append(os.Environ(), srv.Env())
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Start(); err != nil {
		return fmt.Errorf("launching %s: %w", command[0], err)
	}
	if err := c.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s exited: %w", command[0], err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// hostCmd
// ---------------------------------------------------------------------------

func hostCmd() *cobra.Command {
	var (
		url   string
		label string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the reference host and connect to WEBSOCKET_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.cfg

			if url != "" {
				if cfg.Bridge.URL, err = config.NormalizeURL(url); err != nil {
					return err
				}
			}
			if label != "" {
				cfg.Host.Label = label
			}
			policy, err := dispatch.ParsePolicy(cfg.Bridge.ParseErrors)
			if err != nil {
				return err
			}

			d := dispatch.New(dispatch.WithLogger(env.log), dispatch.WithParseErrorPolicy(policy))
			opts := []bridge.Option{bridge.WithLogger(env.log)}
			if env.recorder != nil {
				opts = append(opts, bridge.WithJournal(env.recorder))
			}
			b := bridge.New(cfg.Bridge, d, opts...)
			defer b.Close()

			interactive := stdinIsTerminal()
			hostOpts := host.Options{
				Label:  cfg.Host.Label,
				Tick:   cfg.Host.TickInterval.Duration,
				Runner: host.NewScriptRunner(cfg.Host.ScriptCommand),
				Logger: env.log,
			}
			if env.store != nil {
				hostOpts.State = env.store
			}
			if interactive {
				hostOpts.OnMenu = printMenu
			}
			h, err := host.New(b, d, hostOpts)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if interactive {
				go hostREPL(ctx, h, b, cancel)
			}
			return h.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Pipeline endpoint (overrides WEBSOCKET_URL)")
	cmd.Flags().StringVar(&label, "label", "", "Plugin label (overrides AVALON_LABEL)")
	return cmd
}

// ---------------------------------------------------------------------------
// journalCmd
// ---------------------------------------------------------------------------

func journalCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recently exchanged frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			if env.store == nil {
				return fmt.Errorf("journal is disabled ([journal] enabled = false)")
			}

			frames, err := env.store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("reading journal: %w", err)
			}
			if jsonOutput {
				return printFramesJSON(os.Stdout, frames)
			}
			printFrames(os.Stdout, frames, terminalWidth())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of frames to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ---------------------------------------------------------------------------
// versionCmd
// ---------------------------------------------------------------------------

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("dccb", version)
		},
	}
}
