package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Retry     RetryConfig     `mapstructure:"retry"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Client    ClientConfig    `mapstructure:"client"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// UpstreamConfig 上游 LLM 接口（DeepSeek 兼容的 chat/completions）
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DebugRequest bool          `mapstructure:"debug_request"`
}

// RetryConfig 瞬时网络错误的重试策略，MaxAttempts 包含首次调用
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      bool          `mapstructure:"jitter"`
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

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// ClientConfig 终端客户端使用的配置
type ClientConfig struct {
	RelayURL     string        `mapstructure:"relay_url"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout"`
	DefaultModel string        `mapstructure:"default_model"`
	APIKey       string        `mapstructure:"api_key"`
}

type StorageConfig struct {
	Type         string        `mapstructure:"type"`
	DataDir      string        `mapstructure:"data_dir"`
	SaveDebounce time.Duration `mapstructure:"save_debounce"`
}

var cfg *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	// 流式响应可能持续数分钟，写超时为0表示不限制
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("upstream.base_url", "https://api.deepseek.com/chat/completions")
	v.SetDefault("upstream.timeout", 10*time.Minute)
	v.SetDefault("upstream.debug_request", false)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", false)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "X-Request-ID"})
	v.SetDefault("cors.exposed_headers", []string{"X-Request-ID"})
	v.SetDefault("cors.max_age", 600)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("client.relay_url", "http://localhost:8080/api/chat")
	v.SetDefault("client.stuck_timeout", 5*time.Minute)
	v.SetDefault("client.default_model", "deepseek-chat")

	v.SetDefault("storage.type", "disk")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.save_debounce", 500*time.Millisecond)
}

// Load 读取配置文件；configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	// 配置文件优先，如果配置文件中没有设置，则使用环境变量
	if c.Client.APIKey == "" {
		if apiKey := os.Getenv("DEEPSEEK_API_KEY"); apiKey != "" {
			c.Client.APIKey = apiKey
		}
	}

	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}

	cfg = c
	return c, nil
}

func Get() *Config {
	return cfg
}
