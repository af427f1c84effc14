package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds client engine settings.
type Config struct {
	GatewayURL string // websocket endpoint, e.g. ws://localhost:8000/ws
	APIBaseURL string // REST endpoint, e.g. http://localhost:8000/api
	AuthToken  string

	TypingDebounce    time.Duration
	PeerTypingTimeout time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry forever

	ConversationPageSize int
	Debug                bool
}

// GatewayConfig holds the loopback development gateway settings.
type GatewayConfig struct {
	Host        string
	Port        int
	JWTSecret   string
	TokenTTL    time.Duration
	SQLitePath  string
	CORSOrigins []string
}

// Load reads the client configuration from the environment. A .env file in
// the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		GatewayURL: getEnv("CHAT_GATEWAY_URL", "ws://localhost:8000/ws"),
		APIBaseURL: getEnv("CHAT_API_URL", "http://localhost:8000/api"),
		AuthToken:  os.Getenv("CHAT_AUTH_TOKEN"),

		TypingDebounce:    getEnvAsDuration("CHAT_TYPING_DEBOUNCE", time.Second),
		PeerTypingTimeout: getEnvAsDuration("CHAT_PEER_TYPING_TIMEOUT", 3*time.Second),

		ReconnectBaseDelay:   getEnvAsDuration("CHAT_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getEnvAsDuration("CHAT_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: getEnvAsInt("CHAT_RECONNECT_MAX_ATTEMPTS", 0),

		ConversationPageSize: getEnvAsInt("CHAT_CONVERSATION_PAGE_SIZE", 20),
		Debug:                getEnvAsBool("DEBUG", false),
	}

	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("CHAT_GATEWAY_URL is required")
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("CHAT_API_URL is required")
	}
	if cfg.TypingDebounce <= 0 || cfg.PeerTypingTimeout <= 0 {
		return nil, fmt.Errorf("typing windows must be positive")
	}

	return cfg, nil
}

// LoadGateway reads the development gateway configuration.
func LoadGateway() (*GatewayConfig, error) {
	_ = godotenv.Load()

	cfg := &GatewayConfig{
		Host:       getEnv("GATEWAY_HOST", "0.0.0.0"),
		Port:       getEnvAsInt("GATEWAY_PORT", 8000),
		JWTSecret:  getEnv("GATEWAY_JWT_SECRET", "dev-only-secret"),
		TokenTTL:   getEnvAsDuration("GATEWAY_TOKEN_TTL", 24*time.Hour),
		SQLitePath: getEnv("GATEWAY_SQLITE_PATH", "file:optichat-dev.db?cache=shared"),
	}

	origins := getEnv("GATEWAY_CORS_ORIGINS", "")
	if origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("GATEWAY_JWT_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the listen address for the gateway.
func (c *GatewayConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
