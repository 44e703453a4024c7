// pkg/websocket/errors.go
package websocket

import "github.com/cockroachdb/errors"

var (
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("websocket: connection closed")

	// ErrSendQueueFull 发送队列已满
	ErrSendQueueFull = errors.New("websocket: send queue full")

	// ErrInvalidURL URL 不合法
	ErrInvalidURL = errors.New("websocket: invalid url")
)
