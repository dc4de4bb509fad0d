package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/browser"
	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/logging"
	"browsernerd-resolver/internal/mangle"
	mcpserver "browsernerd-resolver/internal/mcp"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/recorder"
)

// cliOptions holds the global flags shared by every command.
type cliOptions struct {
	configPath   string
	ssePort      int
	verbose      bool
	workspaceDir string
	noWorkspace  bool
}

func (o *cliOptions) load() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(o.configPath, config.WorkspaceOptions{
		Disable:     o.noWorkspace,
		ExplicitDir: o.workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, fmt.Errorf("failed to load config: %w", err)
	}
	if o.ssePort != 0 {
		cfg.MCP.SSEPort = o.ssePort
	}
	return cfg, wsDir, nil
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "browsernerd-resolver",
		Short: "BrowserNERD adaptive target resolution MCP server",
		Long: `browsernerd-resolver turns plain-language browser steps into concrete
page elements and runs them against Chrome.

Targets are found by a tiered cascade (learned patterns, test ids, labels,
roles, text, accessibility tree, fuzzy matching), with upcoming steps resolved
speculatively while the current one executes.

Run without a subcommand to start the MCP server (stdio, or SSE with --sse-port).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a config file layered over the workspace config")
	root.PersistentFlags().IntVar(&opts.ssePort, "sse-port", 0, "Optional SSE port override (falls back to config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&opts.workspaceDir, "workspace-dir", "", "Workspace root containing .browsernerd/ (default: search upwards)")
	root.PersistentFlags().BoolVar(&opts.noWorkspace, "no-workspace", false, "Skip workspace discovery")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newInitCmd())
	root.AddCommand(newPatternsCmd(opts))
	return root
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .browsernerd workspace with a config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized workspace in %s\n", root)
			return nil
		},
	}
}

func runServe(ctx context.Context, opts *cliOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := opts.load()
	if err != nil {
		return err
	}

	// stdout belongs to the stdio transport; logs go to the file or stderr.
	logger, err := logging.New(cfg.Logging, opts.verbose)
	if err != nil {
		logger = logging.Fallback()
		logger.Warn("falling back to stderr logging", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	if wsDir != "" {
		logger.Info("using workspace", zap.String("dir", wsDir))
	}

	facts, err := mangle.NewEngine(cfg.Mangle, logger.Named("mangle"))
	if err != nil {
		return fmt.Errorf("failed to initialize mangle engine: %w", err)
	}
	if !cfg.Mangle.Enable {
		facts = nil
	}

	store, err := patterns.Open(ctx, cfg.Patterns, logger.Named("patterns"))
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing pattern store", zap.Error(err))
		}
	}()

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir, logger.Named("recorder"))
		if err != nil {
			return fmt.Errorf("failed to initialize recorder: %w", err)
		}
		defer rec.Close()
	}

	var sink browser.FactSink
	if facts != nil {
		sink = facts
	}
	sessionManager := browser.NewSessionManager(cfg.Browser, sink, logger.Named("browser"))
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to initialize Rod session manager: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser to start later")
	}
	defer func() {
		if err := sessionManager.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	server, err := mcpserver.NewServer(cfg, sessionManager, facts, store, rec, logger.Named("mcp"))
	if err != nil {
		return fmt.Errorf("failed to initialize MCP server: %w", err)
	}
	defer server.Close()

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited with error: %w", startErr)
	}
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
