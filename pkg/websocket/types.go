// pkg/websocket/types.go
package websocket

// MessageType 消息类型，取值与 gorilla/websocket 对齐
type MessageType int

const (
	// MessageTypeText 文本消息
	MessageTypeText MessageType = 1
	// MessageTypeBinary 二进制消息
	MessageTypeBinary MessageType = 2
)

// String 返回消息类型的字符串表示
func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "text"
	case MessageTypeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// 标准关闭码，取值与 RFC 6455 对齐
const (
	// CloseNormalClosure 正常关闭
	CloseNormalClosure = 1000
	// CloseGoingAway 端点离线（进程退出等）
	CloseGoingAway = 1001
	// CloseInternalServerErr 服务端内部错误
	CloseInternalServerErr = 1011
)

// ConnectionState 连接状态
type ConnectionState int

const (
	// StateConnected 已连接
	StateConnected ConnectionState = iota
	// StateClosed 已关闭
	StateClosed
)

// String 返回连接状态的字符串表示
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
