package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	WorkersBaseURLDefault   = "https://api.cloudflare.com/client/v4"
	ModelsCatalogURLDefault = "https://raw.githubusercontent.com/cloudflare/cloudflare-docs/production/content/workers-ai/models.json"
	SessionURLDefault       = "https://api.abacus.ai/api/v0/createChatSession"
	DefaultModel            = "@cf/meta/llama-3.1-8b-instruct"
	DefaultSessionModel     = "gpt-3.5-turbo"
	ModelsCacheTTLDefault   = 10 * time.Minute
)

// ServerConfig holds all edge server configuration.
type ServerConfig struct {
	Host        string
	Port        int
	Verbose     bool
	Debug       bool
	AccessToken string

	// Workers AI upstream used by /api/generate.
	WorkersAccountID string
	WorkersAPIToken  string
	WorkersBaseURL   string

	ModelsCatalogURL string
	ModelsCacheTTL   time.Duration

	// Session backend used by /api/session.
	SessionURL          string
	SessionAPIKey       string
	DefaultSessionModel string

	DefaultModel string
	SystemPrompt string
}

// DefaultFromEnv creates a ServerConfig with defaults from environment variables.
func DefaultFromEnv() *ServerConfig {
	return &ServerConfig{
		Host:                envString("CHATRELAY_HOST", "127.0.0.1"),
		Port:                envInt("CHATRELAY_PORT", 8787),
		Verbose:             envBool("CHATRELAY_VERBOSE"),
		Debug:               envBool("CHATRELAY_DEBUG"),
		AccessToken:         strings.TrimSpace(os.Getenv("CHATRELAY_ACCESS_TOKEN")),
		WorkersAccountID:    strings.TrimSpace(os.Getenv("CHATRELAY_CF_ACCOUNT_ID")),
		WorkersAPIToken:     strings.TrimSpace(os.Getenv("CHATRELAY_CF_API_TOKEN")),
		WorkersBaseURL:      strings.TrimRight(envString("CHATRELAY_CF_BASE_URL", WorkersBaseURLDefault), "/"),
		ModelsCatalogURL:    envString("CHATRELAY_MODELS_URL", ModelsCatalogURLDefault),
		ModelsCacheTTL:      envDuration("CHATRELAY_MODELS_TTL", ModelsCacheTTLDefault),
		SessionURL:          envString("CHATRELAY_SESSION_URL", SessionURLDefault),
		SessionAPIKey:       strings.TrimSpace(os.Getenv("CHATRELAY_SESSION_API_KEY")),
		DefaultSessionModel: envString("CHATRELAY_SESSION_MODEL", DefaultSessionModel),
		DefaultModel:        envString("CHATRELAY_DEFAULT_MODEL", DefaultModel),
		SystemPrompt:        envString("CHATRELAY_SYSTEM_PROMPT", ""),
	}
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
