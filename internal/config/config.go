package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendHTTP    = "http"
	BackendProcess = "process"
	BackendQwen    = "qwen"
	BackendArk     = "ark"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Guide     GuideConfig     `mapstructure:"guide"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Details   DetailsConfig   `mapstructure:"details"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
	Header string `mapstructure:"header"`
}

type BackendConfig struct {
	Kind         string         `mapstructure:"kind"`
	DebugRequest bool           `mapstructure:"debug_request"`
	WaitReady    time.Duration  `mapstructure:"wait_ready"`
	HTTP         HTTPBackend    `mapstructure:"http"`
	Process      ProcessBackend `mapstructure:"process"`
	Qwen         QwenConfig     `mapstructure:"qwen"`
	Ark          ArkConfig      `mapstructure:"ark"`
}

// HTTPBackend points at a local OpenAI-compatible server such as llama-server.
type HTTPBackend struct {
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Temperature   float32       `mapstructure:"temperature"`
	HeaderTimeout time.Duration `mapstructure:"header_timeout"`
}

// ProcessBackend spawns a llama.cpp style binary per request.
type ProcessBackend struct {
	Bin         string        `mapstructure:"bin"`
	ModelPath   string        `mapstructure:"model_path"`
	NPredict    int           `mapstructure:"n_predict"`
	Temperature float32       `mapstructure:"temperature"`
	StderrTail  int           `mapstructure:"stderr_tail"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

type QwenConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   float32       `mapstructure:"temperature"`
	TopP          float32       `mapstructure:"top_p"`
	HeaderTimeout time.Duration `mapstructure:"header_timeout"`
}

type ArkConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type GuideConfig struct {
	SystemPrompt      string        `mapstructure:"system_prompt"`
	MaxMessages       int           `mapstructure:"max_messages"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// DetailsConfig describes the served model in the /details document.
type DetailsConfig struct {
	Service      string `mapstructure:"service"`
	ModelName    string `mapstructure:"model_name"`
	Format       string `mapstructure:"format"`
	Quantization string `mapstructure:"quantization"`
	ServedBy     string `mapstructure:"served_by"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuditConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Dir          string `mapstructure:"dir"`
	MaxSizeMB    int    `mapstructure:"max_size_mb"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxOpenFiles int    `mapstructure:"max_open_files"`
}

type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Dir            string        `mapstructure:"dir"`
	ServiceName    string        `mapstructure:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

type MCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Environment variables understood by the original deployment scripts.
var envBindings = map[string]string{
	"auth.api_key":                "AI_API_KEY",
	"backend.process.bin":         "LLAMA_BIN",
	"backend.process.model_path":  "MODEL_PATH",
	"backend.process.n_predict":   "N_PREDICT",
	"backend.process.temperature": "TEMP",
	"audit.dir":                   "AI_API_LOG_DIR",
	"backend.qwen.api_key":        "DASHSCOPE_API_KEY",
	"backend.ark.api_key":         "ARK_API_KEY",
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("auth.header", "x-api-key")

	v.SetDefault("backend.kind", BackendHTTP)
	v.SetDefault("backend.http.base_url", "http://127.0.0.1:8080")
	v.SetDefault("backend.http.model", "local-model")
	v.SetDefault("backend.http.temperature", 0.7)
	v.SetDefault("backend.http.header_timeout", 60*time.Second)
	v.SetDefault("backend.process.n_predict", 512)
	v.SetDefault("backend.process.temperature", 0.7)
	v.SetDefault("backend.process.stderr_tail", 4000)
	v.SetDefault("backend.process.kill_grace", 3*time.Second)
	v.SetDefault("backend.qwen.header_timeout", 120*time.Second)
	v.SetDefault("backend.qwen.max_tokens", 1024)
	v.SetDefault("backend.qwen.temperature", 0.7)
	v.SetDefault("backend.qwen.top_p", 0.9)
	v.SetDefault("backend.ark.max_tokens", 1024)

	v.SetDefault("guide.system_prompt", "You are a helpful assistant. Be concise.")
	v.SetDefault("guide.max_messages", 20)
	v.SetDefault("guide.heartbeat_interval", 15*time.Second)

	v.SetDefault("details.service", "PYCEON")
	v.SetDefault("details.model_name", "Qwen2.5-7B-Instruct")
	v.SetDefault("details.format", "GGUF")
	v.SetDefault("details.quantization", "Q4_K_M")
	v.SetDefault("details.served_by", "llama-server (llama.cpp)")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "Accept", "X-Api-Key"})
	v.SetDefault("cors.exposed_headers", []string{"X-Session-Id"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "logs")
	v.SetDefault("audit.max_size_mb", 10)
	v.SetDefault("audit.max_backups", 3)
	v.SetDefault("audit.max_open_files", 64)

	v.SetDefault("telemetry.dir", "logs")
	v.SetDefault("telemetry.service_name", "pyceon")
	v.SetDefault("telemetry.metric_interval", 10*time.Second)

	v.SetDefault("mcp.path", "/mcp")
}

// Load reads the YAML file at configPath (optional when it does not exist),
// overlays environment variables and validates the result.
func Load(configPath string) (*Config, error) {
	// .env is a convenience for local runs, a missing file is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PYCEON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "PYCEON_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); !errors.Is(statErr, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg = c
	return c, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.APIKey) == "" {
		return errors.New("AI_API_KEY not set")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch c.Backend.Kind {
	case BackendHTTP, BackendProcess, BackendQwen, BackendArk:
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if c.Guide.MaxMessages <= 0 {
		return errors.New("guide.max_messages must be positive")
	}
	if c.Guide.HeartbeatInterval <= 0 {
		return errors.New("guide.heartbeat_interval must be positive")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func Get() *Config {
	return cfg
}
