// Package main is the entry point for the cipher editor core.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cipher-editor/cipher/internal/app"
	"github.com/cipher-editor/cipher/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	root := rootCmd(argv)
	root.SetArgs(argv[1:])
	if err := root.Execute(); err != nil {
		// ExitErrors have already told the user what went wrong.
		var exitErr *app.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return app.ExitCode(err)
	}
	return 0
}

func rootCmd(argv []string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cipher [flags] [path]",
		Short: "Open a file or folder in cipher",
		Long: `cipher opens a file or folder. When an instance is already running the
arguments are forwarded to it and this process exits.

A path spelled like a subcommand ("ext", "config") runs that subcommand. Put
it after "--" to open it instead:

  cipher -- config`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return launch(cmd.Flags(), argv)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().AddFlagSet(app.NewFlagSet("cipher"))
	cmd.AddCommand(extCmd(), configCmd())
	return cmd
}

func launch(flags *pflag.FlagSet, argv []string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, closer, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Launch(ctx, app.Options{
		Config: cfg,
		Logger: logger,
		Argv:   argv,
	})
}

// loadConfig resolves settings: flags over environment over config.toml over
// the defaults.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	if path == "" {
		path = config.DefaultPath(config.DefaultDataDir())
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.IPC.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			data, err := config.Encode(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addConfigFlags(cmd)
	return cmd
}

// addConfigFlags registers the flags loadConfig reads on a subcommand.
func addConfigFlags(cmd *cobra.Command) {
	fs := app.NewFlagSet(cmd.Name())
	for _, name := range []string{"config", "port", "log-level"} {
		cmd.Flags().AddFlag(fs.Lookup(name))
	}
}
