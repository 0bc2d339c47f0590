package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"comicfeed/pkg/logger"
)

// Config 主配置结构
type Config struct {
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`

	// 请求执行器配置
	Executor ExecutorConfig `mapstructure:"executor"`

	// 熔断器配置
	Breaker BreakerConfig `mapstructure:"breaker"`

	// 限流配置
	Limiter LimiterConfig `mapstructure:"limiter"`

	// 缓存配置
	Cache CacheConfig `mapstructure:"cache"`

	// 认证配置
	Auth AuthConfig `mapstructure:"auth"`

	// 遥测配置
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// HTTP 服务配置
	Server ServerConfig `mapstructure:"server"`

	// 按提供商覆盖的配置，键为提供商 key（viper 会转为小写）
	Providers map[string]ProviderOverride `mapstructure:"providers"`
}

// ExecutorConfig 重试与超时配置
type ExecutorConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // 最大尝试次数（含首次）
	BackoffBase time.Duration `mapstructure:"backoff_base"` // 指数退避基数
	BackoffMax  time.Duration `mapstructure:"backoff_max"`  // 单次退避上限
	JitterRatio float64       `mapstructure:"jitter_ratio"` // 抖动比例 [0,1)
	Timeout     time.Duration `mapstructure:"timeout"`      // 单次请求超时
	UserAgent   string        `mapstructure:"user_agent"`   // 默认 UA
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`     // 触发熔断的连续失败次数
	BaseCooldown time.Duration `mapstructure:"base_cooldown"` // 首次熔断的冷却时间
	MaxCooldown  time.Duration `mapstructure:"max_cooldown"`  // 冷却时间上限
}

// LimiterConfig 限流配置
type LimiterConfig struct {
	DefaultRPS float64 `mapstructure:"default_rps"` // 未单独配置的提供商使用的每秒请求数
}

// CacheConfig 缓存配置
type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxSize       int64         `mapstructure:"max_size"`
	SweepSchedule string        `mapstructure:"sweep_schedule"` // cron 表达式，例如 "@every 1m"
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig Redis 二级缓存与凭证存储配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AuthConfig 令牌生命周期配置
type AuthConfig struct {
	SafetyMargin    time.Duration `mapstructure:"safety_margin"`    // 距过期多久视为需要刷新
	PrewarmSchedule string        `mapstructure:"prewarm_schedule"` // 定时预刷新，空表示关闭
}

// TelemetryConfig 请求结果上报配置
type TelemetryConfig struct {
	InfluxDB InfluxDBConfig `mapstructure:"influxdb"`
}

// InfluxDBConfig InfluxDB 连接配置
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port      string  `mapstructure:"port"`
	Mode      string  `mapstructure:"mode"`       // debug, release, test
	RateLimit float64 `mapstructure:"rate_limit"` // 每个客户端 IP 每秒请求数，<=0 表示不限
	Burst     int     `mapstructure:"burst"`
}

// ProviderOverride 单个提供商的覆盖配置，零值表示使用全局默认
type ProviderOverride struct {
	RequestsPerSecond float64        `mapstructure:"requests_per_second"`
	CacheTTL          time.Duration  `mapstructure:"cache_ttl"`
	PageSize          int            `mapstructure:"page_size"`
	Breaker           *BreakerConfig `mapstructure:"breaker"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Logger: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Executor: ExecutorConfig{
			MaxAttempts: 3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  10 * time.Second,
			JitterRatio: 0.2,
			Timeout:     15 * time.Second,
			UserAgent:   "ComicFeed/1.0",
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			BaseCooldown: 60 * time.Second,
			MaxCooldown:  10 * time.Minute,
		},
		Limiter: LimiterConfig{
			DefaultRPS: 2,
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			MaxSize:       2000,
			SweepSchedule: "@every 1m",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "comicfeed:",
			},
		},
		Auth: AuthConfig{
			SafetyMargin: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			InfluxDB: InfluxDBConfig{
				URL:    "http://localhost:8086",
				Org:    "comicfeed",
				Bucket: "requests",
			},
		},
		Server: ServerConfig{
			Port:      "8080",
			Mode:      "release",
			RateLimit: 20,
			Burst:     40,
		},
		Providers: map[string]ProviderOverride{},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Executor.MaxAttempts <= 0 {
		return errors.New("executor max_attempts must be positive")
	}
	if c.Executor.BackoffBase < 0 {
		return errors.New("executor backoff_base cannot be negative")
	}
	if c.Executor.JitterRatio < 0 || c.Executor.JitterRatio >= 1 {
		return errors.New("executor jitter_ratio must be in [0,1)")
	}
	if c.Breaker.Threshold <= 0 {
		return errors.New("breaker threshold must be positive")
	}
	if c.Breaker.BaseCooldown <= 0 {
		return errors.New("breaker base_cooldown must be positive")
	}
	if c.Breaker.MaxCooldown < c.Breaker.BaseCooldown {
		return errors.New("breaker max_cooldown must not be less than base_cooldown")
	}
	if c.Limiter.DefaultRPS <= 0 {
		return errors.New("limiter default_rps must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache max_size must be positive")
	}
	if c.Auth.SafetyMargin < 0 {
		return errors.New("auth safety_margin cannot be negative")
	}
	for key, p := range c.Providers {
		if p.RequestsPerSecond < 0 {
			return fmt.Errorf("provider %s requests_per_second cannot be negative", key)
		}
		if p.PageSize < 0 {
			return fmt.Errorf("provider %s page_size cannot be negative", key)
		}
	}
	return nil
}

// Provider 返回提供商覆盖配置，键大小写不敏感
func (c *Config) Provider(key string) ProviderOverride {
	if c.Providers == nil {
		return ProviderOverride{}
	}
	return c.Providers[strings.ToLower(key)]
}

// ProviderRPS 返回提供商的每秒请求数，未配置时使用全局默认
func (c *Config) ProviderRPS(key string) float64 {
	if rps := c.Provider(key).RequestsPerSecond; rps > 0 {
		return rps
	}
	return c.Limiter.DefaultRPS
}

// ProviderCacheTTL 返回提供商的缓存时间
func (c *Config) ProviderCacheTTL(key string) time.Duration {
	if ttl := c.Provider(key).CacheTTL; ttl > 0 {
		return ttl
	}
	return c.Cache.DefaultTTL
}

// ProviderBreaker 返回提供商的熔断配置
func (c *Config) ProviderBreaker(key string) BreakerConfig {
	if b := c.Provider(key).Breaker; b != nil {
		merged := c.Breaker
		if b.Threshold > 0 {
			merged.Threshold = b.Threshold
		}
		if b.BaseCooldown > 0 {
			merged.BaseCooldown = b.BaseCooldown
		}
		if b.MaxCooldown > 0 {
			merged.MaxCooldown = b.MaxCooldown
		}
		return merged
	}
	return c.Breaker
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}

// SetProviderRPS 设置单个提供商的限流
func (c *Config) SetProviderRPS(key string, rps float64) *Config {
	if c.Providers == nil {
		c.Providers = map[string]ProviderOverride{}
	}
	p := c.Providers[strings.ToLower(key)]
	p.RequestsPerSecond = rps
	c.Providers[strings.ToLower(key)] = p
	return c
}

// Load 从文件和环境变量加载配置；path 为空时在默认目录查找 comicfeed.yaml
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("comicfeed")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COMICFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper 从已经准备好的 viper 实例解析配置
func LoadFromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderOverride{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.output", d.Logger.Output)
	v.SetDefault("executor.max_attempts", d.Executor.MaxAttempts)
	v.SetDefault("executor.backoff_base", d.Executor.BackoffBase)
	v.SetDefault("executor.backoff_max", d.Executor.BackoffMax)
	v.SetDefault("executor.jitter_ratio", d.Executor.JitterRatio)
	v.SetDefault("executor.timeout", d.Executor.Timeout)
	v.SetDefault("executor.user_agent", d.Executor.UserAgent)
	v.SetDefault("breaker.threshold", d.Breaker.Threshold)
	v.SetDefault("breaker.base_cooldown", d.Breaker.BaseCooldown)
	v.SetDefault("breaker.max_cooldown", d.Breaker.MaxCooldown)
	v.SetDefault("limiter.default_rps", d.Limiter.DefaultRPS)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.sweep_schedule", d.Cache.SweepSchedule)
	v.SetDefault("cache.redis.enabled", d.Cache.Redis.Enabled)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", d.Cache.Redis.Prefix)
	v.SetDefault("auth.safety_margin", d.Auth.SafetyMargin)
	v.SetDefault("telemetry.influxdb.enabled", d.Telemetry.InfluxDB.Enabled)
	v.SetDefault("telemetry.influxdb.url", d.Telemetry.InfluxDB.URL)
	v.SetDefault("telemetry.influxdb.org", d.Telemetry.InfluxDB.Org)
	v.SetDefault("telemetry.influxdb.bucket", d.Telemetry.InfluxDB.Bucket)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.burst", d.Server.Burst)
}
