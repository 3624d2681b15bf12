package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Mail      MailConfig      `mapstructure:"mail"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port    int        `mapstructure:"port"`
	BaseURL string     `mapstructure:"base_url"`
	CORS    CORSConfig `mapstructure:"cors"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig PostgreSQL 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	Timezone        string `mapstructure:"timezone"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`  // 连接最大生命周期（分钟）
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time"` // 空闲连接最大存活时间（分钟）
}

// DSN 生成 PostgreSQL 连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.Timezone,
	)
}

// RedisConfig Redis 缓存配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig JWT 认证配置（仅校验，签发由认证服务负责）
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// MailConfig SMTP 邮件配置
type MailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// FirebaseConfig FCM 推送配置
type FirebaseConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ChannelLaneConfig 单个投递渠道的并发与限速配置
type ChannelLaneConfig struct {
	Workers    int `mapstructure:"workers"`
	RatePerSec int `mapstructure:"rate_per_sec"`
}

// DeliveryConfig 投递队列与重试配置
type DeliveryConfig struct {
	QueueSize       int               `mapstructure:"queue_size"`
	MaxAttempts     int               `mapstructure:"max_attempts"`
	BackoffBase     time.Duration     `mapstructure:"backoff_base"`
	BackoffMax      time.Duration     `mapstructure:"backoff_max"`
	AttemptTimeout  time.Duration     `mapstructure:"attempt_timeout"`
	InsertBatchSize int               `mapstructure:"insert_batch_size"`
	Email           ChannelLaneConfig `mapstructure:"email"`
	Push            ChannelLaneConfig `mapstructure:"push"`
}

// SchedulerConfig 定时广播扫描配置
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SweepSpec string `mapstructure:"sweep_spec"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	UnreadTTL time.Duration `mapstructure:"unread_ttl"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 日志文件滚动配置，Path 为空时只输出到标准输出
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load 从配置文件与环境变量加载配置
// 优先级：环境变量 > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	v := viper.New()

	// ── 默认值 ──
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:5173"})

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "kms_connect")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.timezone", "Asia/Jakarta")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", 60)  // 60分钟
	v.SetDefault("db.conn_max_idle_time", 30) // 30分钟

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.access_token_ttl", "15m")

	v.SetDefault("mail.smtp_host", "localhost")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.from", "noreply@localhost")
	v.SetDefault("mail.from_name", "KMS Connect")

	v.SetDefault("firebase.enabled", false)

	v.SetDefault("delivery.queue_size", 1024)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.backoff_base", "2s")
	v.SetDefault("delivery.backoff_max", "1m")
	v.SetDefault("delivery.attempt_timeout", "15s")
	v.SetDefault("delivery.insert_batch_size", 500)
	v.SetDefault("delivery.email.workers", 4)
	v.SetDefault("delivery.email.rate_per_sec", 10)
	v.SetDefault("delivery.push.workers", 8)
	v.SetDefault("delivery.push.rate_per_sec", 50)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_spec", "@every 30s")

	v.SetDefault("cache.unread_ttl", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.max_age_days", 30)

	// ── 配置文件 ──
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// ── 环境变量 ──
	v.SetEnvPrefix("KMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时仅依赖默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// ── 关键配置校验 ──
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("配置校验失败: auth.jwt_secret 不能为空")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("配置校验失败: auth.jwt_secret 长度不能少于 16 字符")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("配置校验失败: server.port 必须在 1-65535 之间")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("配置校验失败: delivery.max_attempts 必须大于 0")
	}
	if c.Delivery.Email.Workers <= 0 || c.Delivery.Push.Workers <= 0 {
		return fmt.Errorf("配置校验失败: delivery.*.workers 必须大于 0")
	}
	if c.Delivery.AttemptTimeout <= 0 {
		return fmt.Errorf("配置校验失败: delivery.attempt_timeout 必须大于 0")
	}
	if c.Firebase.Enabled && c.Firebase.CredentialsFile == "" {
		return fmt.Errorf("配置校验失败: 启用 firebase 时 credentials_file 不能为空")
	}
	return nil
}
