package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/therenovatio/teleton-agent-sub000/internal/app"
	"github.com/therenovatio/teleton-agent-sub000/internal/cli"
	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/onboarding"
)

// rootOptions holds the flags shared by every command
type rootOptions struct {
	configPath string
	dataDir    string
	message    string
}

// newRootCmd builds the teleton command tree. With no subcommand it serves,
// or answers one message when -m is given.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cli.Version = version

	root := &cobra.Command{
		Use:          "teleton",
		Short:        "Telegram agent runtime",
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.message != "" {
				return runChat(cmd, opts, []string{opts.message})
			}
			return runServe(cmd, opts)
		},
	}
	root.SetVersionTemplate("Teleton version {{.Version}}\n")

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default <data>/teleton.yaml)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "", "Data directory (default ~/.teleton)")
	root.Flags().StringVarP(&opts.message, "message", "m", "", "Shorthand for 'chat <message>'")

	defaultHelp := root.HelpFunc()
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == root {
			cli.PrintExtendedHelp(cmd.OutOrStdout())
			return
		}
		defaultHelp(cmd, args)
	})

	root.AddCommand(
		buildServeCmd(opts),
		buildOnboardCmd(opts),
		buildChatCmd(opts),
		buildBatchCmd(opts),
		buildToolsCmd(opts),
		buildPersonaCmd(opts),
		buildTokenCmd(opts),
		buildConfigCmd(opts),
		buildChannelsCmd(opts),
		buildStatusCmd(opts),
		buildDoctorCmd(opts),
		buildVersionCmd(),
	)
	return root
}

// =============================================================================
// Agent commands
// =============================================================================

func buildServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot, HTTP API and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func buildChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat locally; one-shot when a message is given",
		Example: `  teleton chat
  teleton chat "summarize today's group discussion"
  echo "hello" | teleton chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, args)
		},
	}
}

func buildBatchCmd(opts *rootOptions) *cobra.Command {
	batchOpts := cli.DefaultBatchOptions()
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Replay a file of messages through the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHeadlessApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				return cli.HandleBatchCommand(ctx, a, batchOpts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&batchOpts.InputFile, "input", "i", "", "Input file (.txt, .json or .jsonl)")
	cmd.Flags().StringVarP(&batchOpts.OutputFile, "output", "o", "", "Write results as JSON to this file")
	cmd.Flags().IntVarP(&batchOpts.InFlight, "in-flight", "n", batchOpts.InFlight, "Max messages queued or running")
	cmd.Flags().DurationVarP(&batchOpts.Timeout, "timeout", "t", batchOpts.Timeout, "Per-message timeout")
	cmd.Flags().StringVar(&batchOpts.ChatKey, "chat", batchOpts.ChatKey, "Chat key for entries without one")
	return cmd
}

func buildToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [list|enable|disable|scope] [name] [scope]",
		Short: "List, enable or disable tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHeadlessApp(cmd, opts, func(_ context.Context, a *app.App) error {
				return cli.HandleToolsCommand(a, args, cmd.OutOrStdout())
			})
		},
	}
}

// =============================================================================
// Local state commands
// =============================================================================

func buildOnboardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := onboarding.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), opts.dataDir, zap.NewNop())
			if err := w.Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func buildPersonaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "persona [show|edit|set]",
		Short: "Show or edit the agent persona",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return cli.HandlePersonaCommand(cfg, args, cmd.OutOrStdout())
		},
	}
}

func buildTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token [subject] [ttl]",
		Short: "Issue an HTTP API bearer token",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return cli.HandleTokenCommand(cfg, args, cmd.OutOrStdout())
		},
	}
}

func buildConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config [get <key>|path|show]",
		Short: "Inspect configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return cli.HandleConfigCommand(cfg, opts.configPath, args, cmd.OutOrStdout())
		},
	}
}

func buildChannelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "Show channel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cli.HandleChannelsCommand(cfg, cmd.OutOrStdout())
			return nil
		},
	}
}

func buildStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cli.HandleStatusCommand(cfg, cmd.OutOrStdout())
			return nil
		},
	}
}

func buildDoctorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnvFiles(opts)
			cfg, loadErr := config.Load(opts.configPath, opts.dataDir)
			if issues := cli.HandleDoctorCommand(cfg, loadErr, cmd.OutOrStdout()); issues > 0 {
				return fmt.Errorf("doctor found %d issue(s)", issues)
			}
			return nil
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Teleton version %s\n", version)
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func loadEnvFiles(opts *rootOptions) {
	if err := config.LoadEnvFiles(opts.dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// loadConfig reads .env files and the config file, pointing first-time users
// at the setup wizard.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	loadEnvFiles(opts)
	cfg, err := config.Load(opts.configPath, opts.dataDir)
	if err != nil {
		if opts.configPath == "" && onboarding.NeedsSetup(opts.dataDir) {
			return nil, fmt.Errorf("failed to load config: %w (run 'teleton onboard' to create one)", err)
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp wires the application. Outside serve mode the logger drops to warn
// and no channel or HTTP server is started.
func newApp(cfg *config.Config, serve bool) (*app.App, *zap.Logger, error) {
	logCfg := cfg.Log
	if !serve && logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger, err := app.NewLogger(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	var appOpts []app.Option
	if !serve {
		appOpts = append(appOpts, app.Headless())
	}
	a, err := app.New(cfg, logger, version, appOpts...)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

func withHeadlessApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, logger, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Shutdown(context.Background())
	return fn(cmd.Context(), a)
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, logger, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting Teleton", zap.String("version", version))
	return a.Run(cmd.Context())
}

func runChat(cmd *cobra.Command, opts *rootOptions, args []string) error {
	return withHeadlessApp(cmd, opts, func(ctx context.Context, a *app.App) error {
		out := cmd.OutOrStdout()
		if len(args) > 0 {
			return a.OneShot(ctx, strings.Join(args, " "), out)
		}
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
			// piped input is one message
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			return a.OneShot(ctx, strings.TrimSpace(string(data)), out)
		}
		return a.Interactive(ctx, in, out)
	})
}
