package service

import (
	"context"

	"github.com/watchdesk/watchdesk/app/relay/internal/model"
)

// DeviceStore 设备持久化接口，由 dao.DeviceDAO 实现
type DeviceStore interface {
	GetByAgentID(ctx context.Context, agentID string) (*model.Device, error)
	Upsert(ctx context.Context, device *model.Device) error
	UpdateScreens(ctx context.Context, agentID string, screens int16) error
	UpdateLastSeen(ctx context.Context, agentID string) error
	ClearLastSeen(ctx context.Context, agentID string) error
}

// ConnectivitySessionStore 采集端会话持久化接口
type ConnectivitySessionStore interface {
	Open(ctx context.Context, session *model.ConnectivitySession) error
	Close(ctx context.Context, sessionID int64, reason string) error
	CloseAllOpen(ctx context.Context, reason string) (int64, error)
}

// ViewerSessionStore 观看端会话持久化接口
type ViewerSessionStore interface {
	Open(ctx context.Context, session *model.ViewerSession) error
	Close(ctx context.Context, sessionID int64, reason string) error
	CloseAllOpen(ctx context.Context, reason string) (int64, error)
}
