// Command relay runs the chatwire real-time chat relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrationsfs "github.com/chatwire/chatwire/db"
	"github.com/chatwire/chatwire/internal/boot"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/db"
	"github.com/chatwire/chatwire/internal/handlers"
	"github.com/chatwire/chatwire/internal/logger"
	"github.com/chatwire/chatwire/internal/messages"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/receipts"
	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/server"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
	"github.com/chatwire/chatwire/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "chatwire real-time chat relay",
		Version:       version.GetInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.toml")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newMigrateCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	var memoryStore bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe(*cfgPath, memoryStore)
			return nil
		},
	}
	cmd.Flags().BoolVar(&memoryStore, "memory", false, "use the in-memory store (no PostgreSQL; state is lost on exit)")
	return cmd
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|version|force N>",
		Short: "Apply database migrations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)

			migrations, err := fs.Sub(migrationsfs.MigrationsFS, "migrations")
			if err != nil {
				return fmt.Errorf("migrations fs: %w", err)
			}
			return db.RunMigrate(logger.L, cfg.Postgres, migrations, args[0], args[1:])
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runServe(cfgPath string, memoryStore bool) {
	fx.New(
		fx.Provide(
			func() (config.Config, error) { return loadConfig(cfgPath) },
			boot.ProvideRuntimeConfig,
			provideLogger,
			provideStore(memoryStore),

			transport.NewHub,
			rooms.NewRegistry,
			providePresence,
			provideSession,
			provideMessages,
			provideReceipts,

			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(handlers.NewWSHandler),

			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideStore selects the persistence backend: PostgreSQL by default, the
// in-memory store when --memory is set.
func provideStore(memory bool) func(fx.Lifecycle, config.Config, *boot.RuntimeConfig) (store.Store, error) {
	return func(lc fx.Lifecycle, cfg config.Config, rc *boot.RuntimeConfig) (store.Store, error) {
		if memory {
			return store.NewMemoryStore(), nil
		}

		pool, err := openPool(lc, cfg, rc)
		if err != nil {
			return nil, err
		}
		return store.NewPostgresStore(pool), nil
	}
}

func openPool(lc fx.Lifecycle, cfg config.Config, rc *boot.RuntimeConfig) (*pgxpool.Pool, error) {
	var (
		pool *pgxpool.Pool
		err  error
	)
	if rc.DatabaseURL != "" {
		pool, err = pgxpool.New(context.Background(), rc.DatabaseURL)
	} else {
		pool, err = db.Open(context.Background(), cfg.Postgres)
	}
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func providePresence(log *slog.Logger, st store.Store, cfg config.Config) *presence.Service {
	return presence.NewService(log, st, cfg.Relay.StoreTimeoutDuration())
}

func provideSession(log *slog.Logger, st store.Store, pres *presence.Service, reg *rooms.Registry, cfg config.Config) *session.Service {
	return session.NewService(log, st, pres, reg, cfg.Relay.StoreTimeoutDuration())
}

func provideMessages(log *slog.Logger, st store.Store, reg *rooms.Registry, cfg config.Config) *messages.Service {
	return messages.NewService(log, st, reg, cfg.Relay.StoreTimeoutDuration())
}

func provideReceipts(log *slog.Logger, st store.Store, reg *rooms.Registry, cfg config.Config) *receipts.Service {
	return receipts.NewService(log, st, reg, cfg.Relay.StoreTimeoutDuration())
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Runtime.ServerAddr, params.Handlers...)
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Runtime  *boot.RuntimeConfig
	Handlers []server.Handler `group:"server_handlers"`
}

func startServer(lc fx.Lifecycle, srv *server.Server, hub *transport.Hub, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			hub.Close()
			return srv.Stop(ctx)
		},
	})
}
