package postgres

import (
	"time"

	"github.com/watchdesk/watchdesk/pkg/config"
)

// DBConfig 数据库实例配置
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	SSLMode  string `mapstructure:"ssl_mode"` // disable, require, verify-ca, verify-full
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxConns          int32         `mapstructure:"max_conns"`           // 最大连接数
	MinConns          int32         `mapstructure:"min_conns"`           // 最小连接数
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`   // 连接最大生命周期
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`  // 连接最大空闲时间
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"` // 健康检查周期
}

// Config PostgreSQL 配置
type Config struct {
	DB   DBConfig   `mapstructure:"db"`
	Pool PoolConfig `mapstructure:"pool"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // 连接超时
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`   // 查询超时
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DB: DBConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "watchdesk",
			SSLMode: "disable",
		},
		Pool: PoolConfig{
			MaxConns:          25,
			MinConns:          5,
			MaxConnLifetime:   time.Hour,
			MaxConnIdleTime:   30 * time.Minute,
			HealthCheckPeriod: time.Minute,
		},
		ConnectTimeout: 10 * time.Second,
		QueryTimeout:   30 * time.Second,
	}
}

// MergeConfig 合并配置（默认配置 + 用户部分配置）
func MergeConfig(dst, src *Config) (*Config, error) {
	return config.MergeConfig(dst, src)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return errInvalid("host is empty")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		return errInvalid("invalid port")
	}
	if c.DB.User == "" {
		return errInvalid("user is empty")
	}
	if c.DB.DBName == "" {
		return errInvalid("db_name is empty")
	}
	if c.Pool.MaxConns <= 0 {
		return errInvalid("max_conns must be positive")
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		return errInvalid("min_conns out of range")
	}
	return nil
}
