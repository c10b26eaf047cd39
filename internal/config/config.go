package config

// Config is the full proxy configuration. Values come from defaults,
// an optional JSON5 file, then GEMINI_PROXY_* env vars (env wins).
type Config struct {
	Server      ServerConfig      `json:"server"`
	OAuth       OAuthConfig       `json:"oauth"`
	Gemini      GeminiConfig      `json:"gemini"`
	Logging     LoggingConfig     `json:"logging"`
	Performance PerformanceConfig `json:"performance"`
	Translate   TranslateConfig   `json:"translate"`
	Cache       CacheConfig       `json:"cache"`
	EventLog    EventLogConfig    `json:"event_log"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Workers      int    `json:"workers"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // 0 = disabled
}

type OAuthConfig struct {
	CredentialsPath      string `json:"credentials_path"`
	AutoRefresh          bool   `json:"auto_refresh"`
	RefreshBufferSeconds int    `json:"refresh_buffer_seconds"`
}

type GeminiConfig struct {
	APIBaseURL     string `json:"api_base_url"`
	DefaultModel   string `json:"default_model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`

	// SystemBridgeNote, when non-empty, is appended to the system
	// instruction of every translated request. Empty disables it.
	SystemBridgeNote string `json:"system_bridge_note"`
}

type LoggingConfig struct {
	Level          string `json:"level"`  // debug|info|warn|error
	Format         string `json:"format"` // text|json
	SanitizeTokens bool   `json:"sanitize_tokens"`
}

type PerformanceConfig struct {
	ConnectionPoolSize int  `json:"connection_pool_size"`
	EnableCompression  bool `json:"enable_compression"`
}

type TranslateConfig struct {
	// UltrathinkKeyword enables forcing a maximal thinking budget when a
	// user message contains the token "ultrathink".
	UltrathinkKeyword bool `json:"ultrathink_keyword"`
}

type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	MaxEntries int  `json:"max_entries"`
}

type EventLogConfig struct {
	Path string `json:"path"`
}
