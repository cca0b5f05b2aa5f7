package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"sanctuary/internal/app"
	"sanctuary/internal/auth"
	"sanctuary/internal/config"
	"sanctuary/pkg/types"
)

const programName = "sanctuary"

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type globalFlags struct {
	configFile string
	debug      bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           programName,
		Short:         "Sanctuary real-time session coordination server",
		Long:          "Sanctuary coordinates presence, moderation and safety events for anonymous live-audio rooms.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "D", false, "enable debug logging in text format")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newTokenCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s)\n", programName, Version, Commit)
		},
	}
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "text"
	}
	return cfg, nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log, os.Stdout)
			slog.SetDefault(logger)

			undo, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
				logger.Info(fmt.Sprintf(format, v...), "component", programName)
			}))
			if err != nil {
				logger.Warn("GOMAXPROCS not adjusted", "error", err)
			}
			defer undo()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs until ctx ends or the server fails, then shuts down
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting", "version", Version, "addr", cfg.HTTP.Addr(), "store", cfg.Store.Backend)

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-application.Err():
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		userID string
		name   string
		roles  []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development credential signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !types.IsValidUserID(userID) {
				return types.ErrInvalidUserID
			}
			displayName, err := types.ValidateDisplayName(name)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
			if err != nil {
				return fmt.Errorf("cannot sign credential: %w", err)
			}
			token, err := verifier.Issue(types.Identity{UserID: userID, DisplayName: displayName, Roles: roles}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user ID (subject)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role hints, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "credential lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}
