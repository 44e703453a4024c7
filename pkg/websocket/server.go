// pkg/websocket/server.go
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// UpgraderConfig 升级器配置
type UpgraderConfig struct {
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`

	// CheckOrigin 为 nil 时允许所有来源（内网部署，由反向代理做来源控制）
	CheckOrigin func(r *http.Request) bool `mapstructure:"-"`
}

// DefaultUpgraderConfig 默认配置
func DefaultUpgraderConfig() *UpgraderConfig {
	return &UpgraderConfig{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   8 << 20, // 单帧最大 8MB，覆盖高分屏 JPEG
		SendQueueSize:    64,
		WriteTimeout:     10 * time.Second,
	}
}

// Upgrader 将 HTTP 请求升级为 Connection
type Upgrader struct {
	config   *UpgraderConfig
	upgrader *websocket.Upgrader
	logger   logger.Logger
}

// NewUpgrader 创建升级器
func NewUpgrader(cfg *UpgraderConfig, l logger.Logger) *Upgrader {
	if cfg == nil {
		cfg = DefaultUpgraderConfig()
	}
	if l == nil {
		l = logger.Default()
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Upgrader{
		config: cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
		logger: l,
	}
}

// Upgrade 升级连接并启动写循环。
// 返回的 Connection 读循环由调用方驱动（ReadLoop）。
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	wsConn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return nil, err
	}

	conn := NewConnection(wsConn,
		WithConnectionLogger(u.logger),
		WithSendQueueSize(u.config.SendQueueSize),
		WithWriteTimeout(u.config.WriteTimeout),
	)
	if u.config.MaxMessageSize > 0 {
		wsConn.SetReadLimit(u.config.MaxMessageSize)
	}

	go conn.WriteLoop()
	return conn, nil
}
