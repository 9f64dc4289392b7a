package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/transport-ledger/khata/api"
	"github.com/transport-ledger/khata/auth"
	"github.com/transport-ledger/khata/ledger"
	"github.com/transport-ledger/khata/lock"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until interrupted.

Requires auth.secret (or KHATA_AUTH_SECRET). When redis.addr is set,
closures take a per-tenant Redis lock so that replicas never close the
same tenant at once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ttl, err := a.cfg.TokenTTL()
	if err != nil {
		return err
	}
	tokens, err := auth.NewJWTManager(a.cfg.Auth.Secret, ttl)
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var locker ledger.Locker
	if a.cfg.Redis.Addr != "" {
		lockTTL, err := a.cfg.LockTTL()
		if err != nil {
			return err
		}
		rl, err := lock.Dial(ctx, a.cfg.Redis.Addr, lockTTL)
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
		a.logger.Info("closure lock enabled", "redis", a.cfg.Redis.Addr)
	}

	handler := api.NewHandler(api.Deps{
		Store:       store,
		Tokens:      tokens,
		Locker:      locker,
		Logger:      a.logger,
		PhoneRegion: a.cfg.Ledger.PhoneRegion,
	})

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, a.cfg.Origins()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", server.Addr, "db", a.cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
