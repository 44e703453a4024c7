package hub

import "github.com/watchdesk/watchdesk/pkg/websocket"

// Conn 中继对连接的最小依赖。
// *websocket.Connection 实现了该接口；测试中用假连接替代。
type Conn interface {
	// ID 连接唯一标识
	ID() string
	// RemoteAddr 远程地址
	RemoteAddr() string
	// SendAsync 非阻塞发送，队列满时返回 ErrSendQueueFull
	SendAsync(msg *websocket.Message) error
	// CloseWithCode 以指定关闭码关闭连接，幂等
	CloseWithCode(code int, reason string) error
}

// Events 连接生命周期回调。
// 看门狗超时与顶替驱逐发生在中继内部，通过回调通知上层做会话落库。
type Events interface {
	// PublisherClosed 采集端绑定被移除（断开、顶替或超时）
	PublisherClosed(agentID string, conn Conn, reason string)
	// ViewerClosed 观看端被移除（主动断开或随采集端下线被强制关闭）
	ViewerClosed(agentID string, conn Conn, reason string)
}

// NopEvents 空实现，测试和无落库场景使用
type NopEvents struct{}

func (NopEvents) PublisherClosed(string, Conn, string) {}
func (NopEvents) ViewerClosed(string, Conn, string)    {}
