// pkg/websocket/client.go
package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// ClientConfig 客户端配置
type ClientConfig struct {
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	SendQueueSize   int           `mapstructure:"send_queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// DefaultClientConfig 默认配置
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialTimeout:     10 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendQueueSize:   64,
		WriteTimeout:    10 * time.Second,
	}
}

// Client WebSocket 拨号客户端。
// 重试策略由上层状态机决定，这里只负责单次建连。
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	logger logger.Logger
}

// NewClient 创建客户端
func NewClient(cfg *ClientConfig, l logger.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if l == nil {
		l = logger.Default()
	}

	return &Client{
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
		},
		logger: l,
	}
}

// Dial 建立连接并启动写循环
func (c *Client) Dial(ctx context.Context, url string, header http.Header) (*Connection, error) {
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, ErrInvalidURL
	}

	wsConn, resp, err := c.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn := NewConnection(wsConn,
		WithConnectionLogger(c.logger),
		WithSendQueueSize(c.config.SendQueueSize),
		WithWriteTimeout(c.config.WriteTimeout),
	)
	go conn.WriteLoop()
	return conn, nil
}
