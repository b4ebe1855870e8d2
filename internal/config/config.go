// Package config provides configuration loading and management for the agent gateway service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/contenthash"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the agent gateway service.
type Config struct {
	Env            string     // Deployment environment (dev, staging, prod)
	Address        string     // HTTP server address (e.g., ":8080")
	MetricsAddress string     // Metrics server address (e.g., ":9090")
	StoreBackend   string     // Registration storage backend (memory, postgres)
	DatabaseDSN    string     // Database connection string (PostgreSQL)
	LogLevel       slog.Level // Minimum level written by the logger

	RPCURL           string         // EVM JSON-RPC endpoint
	ChainID          *big.Int       // Chain the registry lives on
	RegistryAddress  common.Address // Contract serving text and contenthash records
	RegistrarAddress common.Address // Contract serving available and register
	AppDomain        string         // Parent name agents are registered under
	ContentHash      []byte         // Content hash written to new agents

	DefaultBaseURL     string // Endpoint used when a host has no VM record
	VMURLTemplate      string // fmt template turning a VM hash into a base URL
	UploadURL          string // Content storage service for avatars
	EndpointCacheSize  int    // Number of hosts with a memoized endpoint
	GatewayHTTPTimeout time.Duration

	JWTPrivateKey []byte        // Private key used to sign session tokens
	JWTAudience   string        // Expected audience for issued tokens
	JWTIssuer     string        // Issuer identifier for tokens
	SessionTTL    time.Duration // Duration before session tokens expire

	PollInterval   time.Duration // Agent balance poll interval
	SettleDelay    time.Duration // Pause between registration transactions
	MaxAttempts    int           // Registration attempts before giving up
	MinBalance     *big.Int      // Agent balance required before registering
	IdempotencyTTL time.Duration // Lifetime of replayable responses
}

// Default configuration values used when environment variables are not set
const (
	defaultAddress           = ":8080"                 // Default HTTP server port
	defaultMetricsAddress    = ":9090"                 // Default metrics server port
	defaultAudience          = "elara-local"           // Default JWT audience
	defaultIssuer            = "elara-gateway"         // Default JWT issuer
	defaultSessionTTL        = time.Hour               // Default session token lifetime
	defaultRPCURL            = "https://mainnet.base.org"
	defaultChainID           = 8453                    // Base mainnet
	defaultAppDomain         = "elara-app.eth"
	defaultBaseURL           = "http://localhost:8000"
	defaultVMURLTemplate     = "https://%s.aleph.sh"
	defaultUploadURL         = "http://localhost:8000"
	defaultEndpointCacheSize = 256
	defaultGatewayTimeout    = 120 * time.Second
	defaultPollInterval      = 3 * time.Second
	defaultSettleDelay       = 2 * time.Second
	defaultMaxAttempts       = 5
	defaultMinBalance        = "0.0001"
	defaultIdempotencyTTL    = 24 * time.Hour
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// It handles both required and optional configuration parameters, providing defaults where appropriate.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("ELARA_ENV", "dev"),
		Address:            getEnv("ELARA_HTTP_ADDR", defaultAddress),
		MetricsAddress:     getEnv("ELARA_METRICS_ADDR", defaultMetricsAddress),
		StoreBackend:       strings.ToLower(getEnv("ELARA_STORE_BACKEND", "memory")),
		DatabaseDSN:        os.Getenv("ELARA_DB_DSN"),
		RPCURL:             getEnv("ELARA_RPC_URL", defaultRPCURL),
		AppDomain:          strings.ToLower(getEnv("ELARA_APP_DOMAIN", defaultAppDomain)),
		DefaultBaseURL:     strings.TrimRight(getEnv("ELARA_DEFAULT_BASE_URL", defaultBaseURL), "/"),
		VMURLTemplate:      getEnv("ELARA_VM_URL_TEMPLATE", defaultVMURLTemplate),
		UploadURL:          getEnv("ELARA_UPLOAD_URL", defaultUploadURL),
		JWTAudience:        getEnv("ELARA_JWT_AUD", defaultAudience),
		JWTIssuer:          getEnv("ELARA_JWT_ISS", defaultIssuer),
		SessionTTL:         defaultSessionTTL,
		EndpointCacheSize:  defaultEndpointCacheSize,
		GatewayHTTPTimeout: defaultGatewayTimeout,
		PollInterval:       defaultPollInterval,
		SettleDelay:        defaultSettleDelay,
		MaxAttempts:        defaultMaxAttempts,
		IdempotencyTTL:     defaultIdempotencyTTL,
	}

	if cfg.StoreBackend != "memory" && cfg.StoreBackend != "postgres" {
		return Config{}, fmt.Errorf("invalid ELARA_STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseDSN == "" {
		return Config{}, errors.New("ELARA_DB_DSN is required for the postgres backend")
	}
	if strings.Count(cfg.VMURLTemplate, "%s") != 1 {
		return Config{}, errors.New("ELARA_VM_URL_TEMPLATE must contain exactly one %s")
	}

	level, err := parseLevel(getEnv("ELARA_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid ELARA_LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	chainID, err := strconv.ParseInt(getEnv("ELARA_CHAIN_ID", strconv.Itoa(defaultChainID)), 10, 64)
	if err != nil || chainID <= 0 {
		return Config{}, fmt.Errorf("invalid ELARA_CHAIN_ID")
	}
	cfg.ChainID = big.NewInt(chainID)

	// Contract addresses are required; there is no safe default
	if cfg.RegistryAddress, err = requireAddress("ELARA_REGISTRY_ADDRESS"); err != nil {
		return Config{}, err
	}
	if cfg.RegistrarAddress, err = requireAddress("ELARA_REGISTRAR_ADDRESS"); err != nil {
		return Config{}, err
	}

	if raw, exists := os.LookupEnv("ELARA_CONTENT_HASH"); exists && raw != "" {
		cfg.ContentHash, err = contenthash.Parse(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ELARA_CONTENT_HASH: %w", err)
		}
	}

	cfg.MinBalance, err = chain.ParseEther(getEnv("ELARA_MIN_BALANCE_ETH", defaultMinBalance))
	if err != nil {
		return Config{}, fmt.Errorf("invalid ELARA_MIN_BALANCE_ETH: %w", err)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ELARA_SESSION_TTL_SECONDS", &cfg.SessionTTL},
		{"ELARA_GATEWAY_TIMEOUT_SECONDS", &cfg.GatewayHTTPTimeout},
		{"ELARA_POLL_INTERVAL_SECONDS", &cfg.PollInterval},
		{"ELARA_SETTLE_DELAY_SECONDS", &cfg.SettleDelay},
		{"ELARA_IDEMPOTENCY_TTL_SECONDS", &cfg.IdempotencyTTL},
	}
	for _, d := range durations {
		if raw, exists := os.LookupEnv(d.key); exists {
			v, err := parseSeconds(raw)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = v
		}
	}

	counts := []struct {
		key string
		dst *int
	}{
		{"ELARA_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"ELARA_ENDPOINT_CACHE_SIZE", &cfg.EndpointCacheSize},
	}
	for _, c := range counts {
		if raw, exists := os.LookupEnv(c.key); exists {
			v, err := strconv.Atoi(raw)
			if err != nil || v <= 0 {
				return Config{}, fmt.Errorf("invalid %s: must be a positive integer", c.key)
			}
			*c.dst = v
		}
	}

	// Handle required JWT signing key
	signingKey, exists := os.LookupEnv("ELARA_JWT_SIGNING_KEY")
	if !exists {
		return Config{}, errors.New("ELARA_JWT_SIGNING_KEY is required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ELARA_JWT_SIGNING_KEY base64: %w", err)
	}
	cfg.JWTPrivateKey = keyBytes

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func requireAddress(key string) (common.Address, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s: %q is not an address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(raw))
	return level, err
}

// parseSeconds converts a string representation of seconds to a time.Duration
// Returns an error if the value is not a valid non-negative integer
func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, errors.New("value must be >= 0")
	}
	return time.Duration(seconds) * time.Second, nil
}
