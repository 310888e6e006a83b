// Command agent runs the Client Sync Engine (C7) as a standalone process:
// a supervisor that keeps one watcher running per linked project, mirroring
// shared tasks into a local sqlite database and streaming activity over
// websocket, per spec.md §4.7.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"vibekanban-remote/internal/clientsync"
	"vibekanban-remote/internal/clientsync/localdb"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadAgentConfig()
	if err != nil {
		return err
	}

	db, err := localdb.Open(cfg.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	identity := clientsync.Identity{
		UserID:       cfg.userID,
		CurrentToken: cfg.currentToken,
	}

	supervisor := clientsync.NewSupervisor(cfg.baseURL, cfg.wsURL, identity, db, staticLinkedProjects(cfg.projectIDs), logger)
	supervisor.Run(ctx)
	return nil
}

// agentConfig is the env-var configuration for the standalone agent,
// following the server's internal/config "one Load, fail fast" shape.
type agentConfig struct {
	baseURL    string
	wsURL      string
	dbPath     string
	userID     uuid.UUID
	projectIDs []uuid.UUID

	token string
}

func (c *agentConfig) currentToken() string { return c.token }

func loadAgentConfig() (*agentConfig, error) {
	cfg := &agentConfig{
		baseURL: getenvDefault("AGENT_SERVER_BASE_URL", "http://localhost:8081"),
		wsURL:   getenvDefault("AGENT_SERVER_WS_URL", "ws://localhost:8081"),
		dbPath:  getenvDefault("AGENT_LOCAL_DB_PATH", "./agent.db"),
		token:   os.Getenv("AGENT_ACCESS_TOKEN"),
	}
	if cfg.token == "" {
		return nil, errRequired("AGENT_ACCESS_TOKEN")
	}

	userID, err := uuid.Parse(os.Getenv("AGENT_USER_ID"))
	if err != nil {
		return nil, errRequired("AGENT_USER_ID")
	}
	cfg.userID = userID

	raw := os.Getenv("AGENT_LINKED_PROJECT_IDS")
	if raw == "" {
		return nil, errRequired("AGENT_LINKED_PROJECT_IDS")
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, err
		}
		cfg.projectIDs = append(cfg.projectIDs, id)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func errRequired(key string) error {
	return &requiredEnvError{key: key}
}

type requiredEnvError struct{ key string }

func (e *requiredEnvError) Error() string { return "agent: " + e.key + " is required" }

// staticLinkedProjects implements clientsync.LinkedProjects over a fixed
// set read once at startup; re-linking requires a restart in this minimal
// standalone build.
type staticLinkedProjects []uuid.UUID

func (s staticLinkedProjects) LinkedProjectIDs(ctx context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID(s), nil
}
