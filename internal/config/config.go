// Package config loads the server's runtime configuration from environment
// variables, the way the teacher reads DB_HOST/DB_PORT/etc in database.go,
// generalized to the full set of knobs the activity core needs and
// validated fail-fast at startup.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
)

// OAuthProvider holds one configured OAuth client id/secret pair.
type OAuthProvider struct {
	Name         string
	ClientID     string
	ClientSecret string
}

// Config is the fully-validated server configuration.
type Config struct {
	DatabaseURL    string
	ListenAddr     string
	PublicBaseURL  string

	BroadcastShards   int
	BroadcastCapacity int
	CatchupBatchSize  int

	JWTSecret []byte

	OAuthProviders []OAuthProvider
}

const (
	defaultListenAddr       = "0.0.0.0:8081"
	defaultBroadcastShards  = 16
	defaultBroadcastCap     = 512
	defaultCatchupBatchSize = 100
	minJWTSecretBytes       = 32
)

// Load reads the environment and returns a validated Config, or an error
// describing exactly what is missing/invalid. This is the only place that
// touches os.Getenv; everything downstream takes a *Config.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("SERVER_DATABASE_URL"),
		ListenAddr:    getenvDefault("SERVER_LISTEN_ADDR", defaultListenAddr),
		PublicBaseURL: os.Getenv("SERVER_PUBLIC_BASE_URL"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: SERVER_DATABASE_URL is required")
	}

	var err error
	if cfg.BroadcastShards, err = getenvIntDefault("SERVER_ACTIVITY_BROADCAST_SHARDS", defaultBroadcastShards); err != nil {
		return nil, err
	}
	if cfg.BroadcastShards < 1 {
		return nil, fmt.Errorf("config: SERVER_ACTIVITY_BROADCAST_SHARDS must be >= 1, got %d", cfg.BroadcastShards)
	}

	if cfg.BroadcastCapacity, err = getenvIntDefault("SERVER_ACTIVITY_BROADCAST_CAPACITY", defaultBroadcastCap); err != nil {
		return nil, err
	}
	if cfg.BroadcastCapacity < 1 {
		return nil, fmt.Errorf("config: SERVER_ACTIVITY_BROADCAST_CAPACITY must be >= 1, got %d", cfg.BroadcastCapacity)
	}

	if cfg.CatchupBatchSize, err = getenvIntDefault("SERVER_ACTIVITY_CATCHUP_BATCH_SIZE", defaultCatchupBatchSize); err != nil {
		return nil, err
	}
	if cfg.CatchupBatchSize < 1 {
		return nil, fmt.Errorf("config: SERVER_ACTIVITY_CATCHUP_BATCH_SIZE must be >= 1, got %d", cfg.CatchupBatchSize)
	}

	secretB64 := os.Getenv("VIBEKANBAN_REMOTE_JWT_SECRET")
	if secretB64 == "" {
		return nil, fmt.Errorf("config: VIBEKANBAN_REMOTE_JWT_SECRET is required")
	}
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("config: VIBEKANBAN_REMOTE_JWT_SECRET is not valid base64: %w", err)
	}
	if len(secret) < minJWTSecretBytes {
		return nil, fmt.Errorf("config: VIBEKANBAN_REMOTE_JWT_SECRET decodes to %d bytes, need >= %d", len(secret), minJWTSecretBytes)
	}
	cfg.JWTSecret = secret

	cfg.OAuthProviders = loadOAuthProviders()
	if len(cfg.OAuthProviders) == 0 {
		return nil, fmt.Errorf("config: at least one OAuth provider must be configured")
	}

	return cfg, nil
}

// knownOAuthProviders lists the provider name prefixes this build knows how
// to read credentials for, e.g. SERVER_OAUTH_GITHUB_CLIENT_ID.
var knownOAuthProviders = []string{"github", "google"}

func loadOAuthProviders() []OAuthProvider {
	var providers []OAuthProvider
	for _, name := range knownOAuthProviders {
		id := os.Getenv(fmt.Sprintf("SERVER_OAUTH_%s_CLIENT_ID", envKey(name)))
		secret := os.Getenv(fmt.Sprintf("SERVER_OAUTH_%s_CLIENT_SECRET", envKey(name)))
		if id != "" && secret != "" {
			providers = append(providers, OAuthProvider{Name: name, ClientID: id, ClientSecret: secret})
		}
	}
	return providers
}

func envKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}
