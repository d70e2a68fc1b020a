package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/config"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	Catalog string
	Store   string
	DB      string
	Redis   string

	// OnListen is called with the bound address once the server accepts
	// connections. Tests use it with --addr 127.0.0.1:0.
	OnListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference cart backend",
		Long: `Run the reference cart backend over HTTP.

The catalog lives in SQLite and is seeded from a YAML catalog file. Carts
are stored in SQLite or Redis. The server stops gracefully on SIGINT or
SIGTERM.

Examples:
  cartsync serve --catalog catalog.yaml
  cartsync serve --store redis --redis localhost:6379 --db catalog.db
  cartsync serve --config cartsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Catalog, "catalog", "", "YAML catalog seed file (overrides server.catalog)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "cart store driver: sqlite|redis (overrides server.store.driver)")
	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite database path (overrides server.store.sqlite_path)")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "Redis address (overrides server.store.redis_addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.applyFlags(&cfg.Server)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := opts.logger(cmd.ErrOrStderr(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, closeAll, err := buildBackend(ctx, cfg.Server, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start backend", err)
	}
	defer closeAll()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("backend listening",
		"addr", addr,
		"store", cfg.Server.Store.Driver,
		"envelope", cfg.Server.Envelope)
	if opts.OnListen != nil {
		opts.OnListen(addr)
	}

	select {
	case err := <-errc:
		return WrapExitError(ExitCommandError, "server failed", err)
	case <-ctx.Done():
	}

	logger.Info("backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown failed", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	logger.Info("backend stopped")
	return nil
}

// applyFlags overrides config values with explicitly set flags.
func (o *ServeOptions) applyFlags(s *config.ServerConfig) {
	if o.Addr != "" {
		s.Addr = o.Addr
	}
	if o.Catalog != "" {
		s.Catalog = o.Catalog
	}
	if o.Store != "" {
		s.Store.Driver = o.Store
	}
	if o.DB != "" {
		s.Store.SQLitePath = o.DB
	}
	if o.Redis != "" {
		s.Store.RedisAddr = o.Redis
	}
}

// buildBackend opens storage, seeds the catalog, and assembles the HTTP
// handler. The returned func releases storage.
func buildBackend(ctx context.Context, s config.ServerConfig, logger *slog.Logger) (http.Handler, func(), error) {
	db, err := backend.OpenDB(s.Store.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{db.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}

	catalog := backend.NewCatalog(db)
	if s.Catalog != "" {
		products, err := backend.LoadCatalogFile(s.Catalog)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := catalog.Seed(ctx, products); err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.Info("catalog seeded", "path", s.Catalog, "products", len(products))
	}

	var carts backend.CartRepository
	switch s.Store.Driver {
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     s.Store.RedisAddr,
			Password: s.Store.RedisPassword,
			DB:       s.Store.RedisDB,
		})
		closers = append(closers, rdb.Close)
		rc, err := backend.NewRedisCarts(ctx, rdb, s.Store.CartTTL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		carts = rc
	case config.DriverSQLite:
		carts = backend.NewSQLiteCarts(db)
	default:
		closeAll()
		return nil, nil, fmt.Errorf("unknown store driver %q", s.Store.Driver)
	}

	envelope, err := backend.ParseEnvelope(s.Envelope)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	svc := backend.NewService(catalog, carts, backend.WithRejectDuplicates(s.RejectDuplicates))
	handler := backend.NewServer(svc,
		backend.WithCredentials(s.Credentials()...),
		backend.WithEnvelope(envelope),
		backend.WithServerLogger(logger))
	return handler, closeAll, nil
}
