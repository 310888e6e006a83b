// Command server runs the shared-project activity distribution core: the
// Publisher API, the WS Session endpoint, and the background partition
// maintenance scheduler, wired the way the teacher's main.go wires its
// Hub + Server + mux.Router, generalized to the spec's components and with
// graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"vibekanban-remote/internal/activitystore"
	"vibekanban-remote/internal/api"
	"vibekanban-remote/internal/auth"
	"vibekanban-remote/internal/broker"
	"vibekanban-remote/internal/config"
	"vibekanban-remote/internal/dbschema"
	"vibekanban-remote/internal/identity"
	"vibekanban-remote/internal/projects"
	"vibekanban-remote/internal/wsapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(25)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := dbschema.Apply(db); err != nil {
		return err
	}

	store := activitystore.New(db)
	maintainer := activitystore.NewMaintainer(db, logger)
	if err := maintainer.Start(ctx); err != nil {
		return err
	}
	defer maintainer.Stop()

	br := broker.New(cfg.BroadcastShards, cfg.BroadcastCapacity)

	sessions := api.NewPostgresSessionStore(db)
	tokens := auth.NewTokenService(cfg.JWTSecret, sessions)
	gate := auth.NewGate(tokens, sessions)
	access := projects.NewPostgresAccess(db)

	if len(cfg.OAuthProviders) == 0 {
		return errors.New("server: no oauth provider configured")
	}
	idp, err := identity.NewProvider(cfg.OAuthProviders[0], cfg.PublicBaseURL)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(db, store, maintainer, br, gate, tokens, access, sessions)
	wsServer := wsapi.NewServer(store, br, gate, access, logger, cfg.CatchupBatchSize)

	router := apiServer.Router(idp, wsServer.ServeHTTP)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
