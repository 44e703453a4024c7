package model

import (
	"database/sql"
	"time"
)

// 会话关闭原因枚举，落库时使用
const (
	CloseReasonNormal            = "normal"              // 正常关闭
	CloseReasonAgentDisconnected = "agent_disconnected"  // 采集端断开
	CloseReasonReplaced          = "replaced"            // 同设备新连接顶替
	CloseReasonInactivity        = "inactivity"          // 不活跃超时
	CloseReasonUnregistered      = "unregistered_device" // 设备未注册
	CloseReasonAgentOffline      = "agent_offline"       // 设备不在线
	CloseReasonInvalidToken      = "invalid_credential"  // 凭证无效
	CloseReasonServerRestart     = "server_restart"      // 中继重启时补关
)

// ConnectivitySession 采集端连接会话，对应 connectivity_sessions 表。
// 每次采集端连接成功记录一行，断开时补写结束时间与原因。
type ConnectivitySession struct {
	ID         int64  `db:"id"`
	DeviceID   int64  `db:"device_id"`
	AgentID    string `db:"agent_id"`
	RemoteAddr string `db:"remote_addr"`

	ConnectedAt    time.Time    `db:"connected_at"`
	DisconnectedAt sql.NullTime `db:"disconnected_at"`
	CloseReason    string       `db:"close_reason"`
}

// NewConnectivitySession 创建采集端会话记录
func NewConnectivitySession(deviceID int64, agentID, remoteAddr string) *ConnectivitySession {
	return &ConnectivitySession{
		DeviceID:    deviceID,
		AgentID:     agentID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}

// IsOpen 判断会话是否仍未关闭
func (s *ConnectivitySession) IsOpen() bool {
	return !s.DisconnectedAt.Valid
}

// ViewerSession 观看端会话，对应 viewer_sessions 表
type ViewerSession struct {
	ID          int64  `db:"id"`
	AgentID     string `db:"agent_id"`
	ViewerID    string `db:"viewer_id"`
	ScreenIndex int16  `db:"screen_index"`
	RemoteAddr  string `db:"remote_addr"`

	StartedAt   time.Time    `db:"started_at"`
	EndedAt     sql.NullTime `db:"ended_at"`
	CloseReason string       `db:"close_reason"`
}

// NewViewerSession 创建观看端会话记录
func NewViewerSession(agentID, viewerID string, screenIndex int16, remoteAddr string) *ViewerSession {
	return &ViewerSession{
		AgentID:     agentID,
		ViewerID:    viewerID,
		ScreenIndex: screenIndex,
		RemoteAddr:  remoteAddr,
		StartedAt:   time.Now(),
	}
}

// IsOpen 判断会话是否仍未关闭
func (s *ViewerSession) IsOpen() bool {
	return !s.EndedAt.Valid
}
