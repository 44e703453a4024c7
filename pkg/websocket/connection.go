// pkg/websocket/connection.go
package websocket

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// HandlerFunc 消息处理函数
type HandlerFunc func(conn *Connection, msg *Message) error

// Connection WebSocket 连接封装：发送队列 + 读写循环 + 一次性关闭
type Connection struct {
	id   string
	conn *websocket.Conn

	// 配置
	readTimeout   time.Duration
	writeTimeout  time.Duration
	sendQueueSize int

	// 发送队列
	sendChan chan *Message

	logger logger.Logger

	// 元数据
	metadata sync.Map

	// 状态
	closed     atomic.Bool
	closeChan  chan struct{}
	closeOnce  sync.Once
	closeMu    sync.Mutex
	closeError error
	closeCode  int

	remoteAddr  string
	connectedAt time.Time
}

// ConnectionOption 连接选项
type ConnectionOption func(*Connection)

// WithConnectionLogger 设置日志器
func WithConnectionLogger(l logger.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// WithSendQueueSize 设置发送队列长度
func WithSendQueueSize(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.sendQueueSize = n
			c.sendChan = make(chan *Message, n)
		}
	}
}

// WithReadTimeout 设置读取超时，0 表示不限
func WithReadTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.readTimeout = d }
}

// WithWriteTimeout 设置写入超时
func WithWriteTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.writeTimeout = d }
}

// NewConnection 创建连接
func NewConnection(conn *websocket.Conn, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:            uuid.New().String(),
		conn:          conn,
		writeTimeout:  10 * time.Second,
		sendQueueSize: 256,
		sendChan:      make(chan *Message, 256),
		closeChan:     make(chan struct{}),
		remoteAddr:    conn.RemoteAddr().String(),
		connectedAt:   time.Now(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID 返回连接 ID
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr 返回远程地址
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// ConnectedAt 返回连接建立时间
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// IsClosed 检查连接是否已关闭
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Done 返回关闭通知 channel
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// SetMetadata 设置元数据
func (c *Connection) SetMetadata(key string, value interface{}) {
	c.metadata.Store(key, value)
}

// GetMetadata 获取元数据
func (c *Connection) GetMetadata(key string) (interface{}, bool) {
	return c.metadata.Load(key)
}

// Send 发送消息（阻塞直到入队或 ctx 取消）
func (c *Connection) Send(ctx context.Context, msg *Message) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	select {
	case c.sendChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

// SendAsync 发送消息（非阻塞，队列满时返回 ErrSendQueueFull）
func (c *Connection) SendAsync(msg *Message) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendJSON 序列化并发送 JSON 文本消息
func (c *Connection) SendJSON(ctx context.Context, v interface{}) error {
	msg, err := NewJSONMessage(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// ReadLoop 读取循环，阻塞直到连接关闭。
// 每条消息交给 handler；读出错时记录关闭原因并退出。
func (c *Connection) ReadLoop(handler HandlerFunc) {
	defer c.Close()

	for {
		if c.IsClosed() {
			return
		}

		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.IsClosed() {
				return
			}
			c.recordCloseError(err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if err == io.EOF {
				return
			}
			if c.logger != nil {
				c.logger.Debug("websocket read error", "error", err, "conn_id", c.id)
			}
			return
		}

		msg := &Message{
			Type:      MessageType(msgType),
			Data:      data,
			Timestamp: time.Now(),
		}

		if handler != nil {
			if err := handler(c, msg); err != nil {
				if c.logger != nil {
					c.logger.Warn("websocket handler error", "error", err, "conn_id", c.id)
				}
			}
		}
	}
}

// WriteLoop 写入循环，消费发送队列直到连接关闭
func (c *Connection) WriteLoop() {
	defer c.Close()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(int(msg.Type), msg.Data); err != nil {
				if c.logger != nil {
					c.logger.Debug("websocket write error", "error", err, "conn_id", c.id)
				}
				c.recordCloseError(err)
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// Close 正常关闭连接
func (c *Connection) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode 以指定关闭码和原因关闭连接。
// 幂等：后续调用不覆盖首次记录的关闭码。
func (c *Connection) CloseWithCode(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.closeMu.Lock()
		if c.closeCode == 0 {
			c.closeCode = code
		}
		c.closeMu.Unlock()

		close(c.closeChan)

		// 发送关闭帧后关闭底层连接
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
	})
	return nil
}

// recordCloseError 记录连接关闭原因（读/写出错时）
func (c *Connection) recordCloseError(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeError == nil {
		c.closeError = err
	}
	if ce, ok := err.(*websocket.CloseError); ok && c.closeCode == 0 {
		c.closeCode = ce.Code
	}
}

// CloseError 返回连接关闭时记录的错误
func (c *Connection) CloseError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeError
}

// CloseCode 返回关闭码：本端主动关闭时为发送的码，对端关闭时为收到的码
func (c *Connection) CloseCode() int {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode
}
