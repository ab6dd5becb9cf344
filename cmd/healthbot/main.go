package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthbot/portal/internal/config"
	"github.com/healthbot/portal/internal/domain/session"
	"github.com/healthbot/portal/internal/platform/apiclient"
	"github.com/healthbot/portal/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "healthbot",
		Short:         "Clinical report portal: API server and command-line client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(registerCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(whoamiCmd())
	root.AddCommand(reportsCmd())
	root.AddCommand(uploadCmd())
	root.AddCommand(askCmd())
	return root
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds what every command shares: the backend client and the session
// manager over the configured store.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   *apiclient.Client
	pool     *pgxpool.Pool
	sessions *session.Manager
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		client: apiclient.New(cfg.APIBaseURL,
			apiclient.WithAIBaseURL(cfg.AIBaseURL),
			apiclient.WithTimeout(cfg.HTTPTimeout),
			apiclient.WithLogger(logger.With().Str("component", "apiclient").Logger()),
		),
	}

	var store session.Store
	switch {
	case cfg.SessionStore == config.SessionStoreMemory:
		store = session.NewMemoryStore()
	case cfg.UsesPostgres():
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = session.NewPGStore(pool)
	default:
		store = session.NewFileStore(cfg.SessionFile)
	}

	a.sessions = session.NewManager(a.client, store, logger.With().Str("component", "session").Logger())
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// setup loads config and builds the app for a command. CLI commands log to
// stderr so stdout stays clean for output.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()))
}
