package model

import (
	"database/sql"
	"time"
)

// DefaultScreenCount 未上报屏幕数时的默认值
const DefaultScreenCount = 1

// Device 受控设备模型，对应 devices 表。
// 一行代表一台注册过的采集端设备，agent_id 全局唯一。
type Device struct {
	ID      int64  `db:"id"`
	AgentID string `db:"agent_id"`
	Name    string `db:"name"`

	// Screens 最近一次上报的屏幕数，落库用于离线查询；
	// 在线查询以中继内存目录为准
	Screens int16 `db:"screens"`

	// LastSeenAt 采集端最近一次在线的时间，在线期间持续刷新
	LastSeenAt sql.NullTime `db:"last_seen_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// NewDevice 创建设备实例
func NewDevice(agentID, name string) *Device {
	now := time.Now()
	return &Device{
		AgentID:   agentID,
		Name:      name,
		Screens:   DefaultScreenCount,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsOnline 判断设备在 window 内是否有过心跳
func (d *Device) IsOnline(window time.Duration) bool {
	if !d.LastSeenAt.Valid {
		return false
	}
	return time.Since(d.LastSeenAt.Time) < window
}
