package postgres

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client PostgreSQL 客户端，封装 pgxpool 并统一查询超时
type Client struct {
	pool *pgxpool.Pool
	cfg  *Config
}

// New 创建 PostgreSQL 客户端
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	merged, err := MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge config")
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(buildConnString(merged))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse pool config")
	}
	poolConfig.MaxConns = merged.Pool.MaxConns
	poolConfig.MinConns = merged.Pool.MinConns
	poolConfig.MaxConnLifetime = merged.Pool.MaxConnLifetime
	poolConfig.MaxConnIdleTime = merged.Pool.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = merged.Pool.HealthCheckPeriod

	connCtx, cancel := context.WithTimeout(ctx, merged.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pool")
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &Client{pool: pool, cfg: merged}, nil
}

// NewFromPool 用已有连接池构建客户端（外部托管的池或测试）
func NewFromPool(pool *pgxpool.Pool, cfg *Config) (*Client, error) {
	if pool == nil {
		return nil, errors.New("pool is nil")
	}

	merged, err := MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to merge config")
	}
	return &Client{pool: pool, cfg: merged}, nil
}

// applyQueryTimeout 应用查询超时到 context
func (c *Client) applyQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.QueryTimeout)
	}
	return ctx, func() {}
}

// Query 查询多行。
// 超时由调用方的 ctx 控制：rows 在返回后才被消费，不能在这里取消。
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.pool.Query(ctx, sql, args...)
}

// QueryRow 查询单行，超时由调用方的 ctx 控制
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec 执行写操作（INSERT/UPDATE/DELETE）
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := c.applyQueryTimeout(ctx)
	defer cancel()
	return c.pool.Exec(ctx, sql, args...)
}

// Ping 检查数据库连接
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close 关闭连接池
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// buildConnString 构建连接字符串
func buildConnString(cfg *Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.DBName,
		cfg.DB.SSLMode,
		int(cfg.ConnectTimeout.Seconds()),
	)
}
