package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			Workers: 0,
		},
		OAuth: OAuthConfig{
			CredentialsPath:      "~/.gemini/oauth_creds.json",
			AutoRefresh:          true,
			RefreshBufferSeconds: 300,
		},
		Gemini: GeminiConfig{
			APIBaseURL:     "https://cloudcode-pa.googleapis.com/v1internal",
			DefaultModel:   "gemini-3-flash-preview",
			TimeoutSeconds: 300,
			MaxRetries:     3,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			SanitizeTokens: true,
		},
		Performance: PerformanceConfig{
			ConnectionPoolSize: 100,
			EnableCompression:  true,
		},
		Translate: TranslateConfig{
			UltrathinkKeyword: true,
		},
		Cache: CacheConfig{
			MaxEntries: 100,
		},
		EventLog: EventLogConfig{
			Path: "~/.gemini/event_log.txt",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("GEMINI_PROXY_HOST", &c.Server.Host)
	envInt("GEMINI_PROXY_PORT", &c.Server.Port)
	envInt("GEMINI_PROXY_WORKERS", &c.Server.Workers)
	envInt("GEMINI_PROXY_RATE_LIMIT_RPM", &c.Server.RateLimitRPM)

	envStr("GEMINI_PROXY_CREDENTIALS_PATH", &c.OAuth.CredentialsPath)
	envBool("GEMINI_PROXY_AUTO_REFRESH", &c.OAuth.AutoRefresh)
	envInt("GEMINI_PROXY_REFRESH_BUFFER_SECONDS", &c.OAuth.RefreshBufferSeconds)

	envStr("GEMINI_PROXY_API_BASE_URL", &c.Gemini.APIBaseURL)
	envStr("GEMINI_PROXY_DEFAULT_MODEL", &c.Gemini.DefaultModel)
	envInt("GEMINI_PROXY_TIMEOUT_SECONDS", &c.Gemini.TimeoutSeconds)
	envInt("GEMINI_PROXY_MAX_RETRIES", &c.Gemini.MaxRetries)
	envStr("GEMINI_PROXY_SYSTEM_BRIDGE_NOTE", &c.Gemini.SystemBridgeNote)

	envStr("GEMINI_PROXY_LOG_LEVEL", &c.Logging.Level)
	envStr("GEMINI_PROXY_LOG_FORMAT", &c.Logging.Format)
	envBool("GEMINI_PROXY_SANITIZE_TOKENS", &c.Logging.SanitizeTokens)

	envInt("GEMINI_PROXY_CONNECTION_POOL_SIZE", &c.Performance.ConnectionPoolSize)
	envBool("GEMINI_PROXY_ENABLE_COMPRESSION", &c.Performance.EnableCompression)

	envBool("GEMINI_PROXY_ULTRATHINK_KEYWORD", &c.Translate.UltrathinkKeyword)

	envStr("GEMINI_PROXY_EVENT_LOG_PATH", &c.EventLog.Path)

	// The caching subsystem keeps its historical unprefixed switch.
	envBool("ENABLE_CONTEXT_CACHING", &c.Cache.Enabled)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
