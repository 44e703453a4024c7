package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/app/relay/internal/dao"
	"github.com/watchdesk/watchdesk/app/relay/internal/hub"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/pkg/conc"
	"github.com/watchdesk/watchdesk/pkg/config"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// Config 中继服务配置
type Config struct {
	// Hub 中继核心配置
	Hub hub.Config `mapstructure:"hub" json:"hub" yaml:"hub"`
	// StoreTimeout 单次落库超时
	StoreTimeout time.Duration `mapstructure:"store_timeout" json:"store_timeout" yaml:"store_timeout"`
	// StorePoolSize 异步落库工作池大小
	StorePoolSize int `mapstructure:"store_pool_size" json:"store_pool_size" yaml:"store_pool_size"`
	// DisableBootReconcile 关闭启动补账。默认启动时把所有
	// 未结束的会话补写结束时间：易失绑定不跨进程重启存活。
	DisableBootReconcile bool `mapstructure:"disable_boot_reconcile" json:"disable_boot_reconcile" yaml:"disable_boot_reconcile"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Hub:           *hub.DefaultConfig(),
		StoreTimeout:  5 * time.Second,
		StorePoolSize: 64,
	}
}

// sessionRec 连接与会话行的对应关系。先占位后落库：
// sessionID 为 0 表示 Open 尚未返回；若此时连接已拆除，
// closedReason 记下原因，Open 返回后立即补写结束时间。
type sessionRec struct {
	sessionID    int64
	closedReason string
}

// RelayService 中继服务：组合中继核心与会话落库。
// 所有会话写入相对连接拆除都是尽力而为：失败只记日志，
// 绝不阻塞拆除流程。
type RelayService struct {
	config *Config

	hub            *hub.Hub
	devices        DeviceStore
	connSessions   ConnectivitySessionStore
	viewerSessions ViewerSessionStore

	pool    *conc.Pool
	logger  logger.Logger
	metrics *metrics.RelayMetrics

	mu           sync.Mutex
	pubSessions  map[string]*sessionRec // conn_id -> 采集端会话
	viewSessions map[string]*sessionRec // conn_id -> 观看端会话
}

// New 创建中继服务
func New(
	cfg *Config,
	devices DeviceStore,
	connSessions ConnectivitySessionStore,
	viewerSessions ViewerSessionStore,
	l logger.Logger,
	m *metrics.RelayMetrics,
) (*RelayService, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge service config: %w", err)
	}

	pool, err := conc.NewPool(newCfg.StorePoolSize, l)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}

	s := &RelayService{
		config:         newCfg,
		devices:        devices,
		connSessions:   connSessions,
		viewerSessions: viewerSessions,
		pool:           pool,
		logger:         l.Named("service.relay"),
		metrics:        m,
		pubSessions:    make(map[string]*sessionRec),
		viewSessions:   make(map[string]*sessionRec),
	}

	h, err := hub.New(&newCfg.Hub, s, l, m)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}
	s.hub = h

	return s, nil
}

// Hub 返回中继核心
func (s *RelayService) Hub() *hub.Hub {
	return s.hub
}

// async 提交一次尽力而为的落库。失败只记日志和指标。
func (s *RelayService) async(op string, fn func(ctx context.Context) error) {
	_ = s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.metrics.RecordStoreFailure()
			s.logger.Error("store write failed",
				"op", op,
				"error", err,
			)
		}
	})
}

// RegisterAgent 注册或刷新设备
func (s *RelayService) RegisterAgent(ctx context.Context, agentID, name string) (*model.Device, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrInvalidAgentID
	}
	if name == "" {
		name = agentID
	}

	device := model.NewDevice(agentID, name)
	if err := s.devices.Upsert(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// AcceptPublisher 接受采集端接入。设备必须已注册，
// 接入即打开新的采集端会话并武装看门狗。
func (s *RelayService) AcceptPublisher(ctx context.Context, agentID string, conn hub.Conn) error {
	device, err := s.devices.GetByAgentID(ctx, agentID)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			return ErrUnknownDevice
		}
		return err
	}

	// 先占位再绑定：绑定可能同步触发旧连接的 PublisherClosed，
	// 占位保证回调任何时刻都能找到本连接的记录
	rec := &sessionRec{}
	s.mu.Lock()
	s.pubSessions[conn.ID()] = rec
	s.mu.Unlock()

	s.hub.BindPublisher(agentID, conn)

	session := model.NewConnectivitySession(device.ID, agentID, conn.RemoteAddr())
	if err := s.connSessions.Open(ctx, session); err != nil {
		// 会话行缺失只影响报表，不拒绝接入
		s.mu.Lock()
		delete(s.pubSessions, conn.ID())
		s.mu.Unlock()
		s.metrics.RecordStoreFailure()
		s.logger.Error("failed to open connectivity session",
			"agent_id", agentID,
			"error", err,
		)
	} else {
		s.mu.Lock()
		reason := rec.closedReason
		if reason != "" {
			delete(s.pubSessions, conn.ID())
		} else {
			rec.sessionID = session.ID
		}
		s.mu.Unlock()

		// 落库期间连接已被顶替或拆除：立即补写结束时间
		if reason != "" {
			s.async("connectivity_session.close", func(ctx context.Context) error {
				return s.connSessions.Close(ctx, session.ID, reason)
			})
		}
	}

	s.async("device.update_last_seen", func(ctx context.Context) error {
		return s.devices.UpdateLastSeen(ctx, agentID)
	})
	return nil
}

// HandleBinaryFrame 处理采集端二进制帧：
// 首字节为屏幕索引，其余为编码后的画面，内容不做检查。
func (s *RelayService) HandleBinaryFrame(agentID string, conn hub.Conn, data []byte) error {
	if err := s.hub.Touch(agentID, conn); err != nil {
		return err
	}
	if len(data) < 1 {
		return nil
	}

	s.hub.PublishFrame(agentID, data[0], data[1:])
	s.async("device.update_last_seen", func(ctx context.Context) error {
		return s.devices.UpdateLastSeen(ctx, agentID)
	})
	return nil
}

// HandleMetaMessage 处理采集端文本消息（屏幕数元信息）
func (s *RelayService) HandleMetaMessage(agentID string, conn hub.Conn, data []byte) error {
	if err := s.hub.Touch(agentID, conn); err != nil {
		return err
	}

	var meta hub.MetaMessage
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.Warn("invalid meta message",
			"agent_id", agentID,
			"error", err,
		)
		return nil
	}
	if meta.Type != "meta" {
		return nil
	}

	s.hub.SetScreens(agentID, meta.Screens)
	screens := meta.Screens
	if screens < 1 {
		screens = model.DefaultScreenCount
	}
	s.async("device.update_screens", func(ctx context.Context) error {
		return s.devices.UpdateScreens(ctx, agentID, int16(screens))
	})
	s.async("device.update_last_seen", func(ctx context.Context) error {
		return s.devices.UpdateLastSeen(ctx, agentID)
	})
	return nil
}

// ClosePublisher 采集端连接结束（远端关闭或读出错）
func (s *RelayService) ClosePublisher(agentID string, conn hub.Conn) {
	s.hub.ClosePublisher(agentID, conn)
}

// AcceptViewer 接受观看端接入。设备无在线采集端时拒绝且不建会话行。
func (s *RelayService) AcceptViewer(ctx context.Context, agentID, viewerID string, screenIndex byte, conn hub.Conn) (int, error) {
	rec := &sessionRec{}
	s.mu.Lock()
	s.viewSessions[conn.ID()] = rec
	s.mu.Unlock()

	screens, err := s.hub.AddViewer(agentID, viewerID, screenIndex, conn)
	if err != nil {
		s.mu.Lock()
		delete(s.viewSessions, conn.ID())
		s.mu.Unlock()
		return 0, err
	}

	session := model.NewViewerSession(agentID, viewerID, int16(screenIndex), conn.RemoteAddr())
	if err := s.viewerSessions.Open(ctx, session); err != nil {
		s.mu.Lock()
		delete(s.viewSessions, conn.ID())
		s.mu.Unlock()
		s.metrics.RecordStoreFailure()
		s.logger.Error("failed to open viewer session",
			"agent_id", agentID,
			"viewer_id", viewerID,
			"error", err,
		)
	} else {
		s.mu.Lock()
		reason := rec.closedReason
		if reason != "" {
			delete(s.viewSessions, conn.ID())
		} else {
			rec.sessionID = session.ID
		}
		s.mu.Unlock()

		// 落库期间采集端已拆除、观看连接被同步关闭：立即补写结束时间
		if reason != "" {
			s.async("viewer_session.close", func(ctx context.Context) error {
				return s.viewerSessions.Close(ctx, session.ID, reason)
			})
		}
	}

	return screens, nil
}

// CloseViewer 观看端连接结束
func (s *RelayService) CloseViewer(agentID string, conn hub.Conn) {
	s.hub.RemoveViewer(agentID, conn)
}

// Screens 查询设备屏幕数。在线时取内存目录，
// 离线时回落到设备行的最近上报值，都没有则默认 1。
func (s *RelayService) Screens(ctx context.Context, agentID string) int {
	if s.hub.HasPublisher(agentID) {
		return s.hub.Screens(agentID)
	}

	device, err := s.devices.GetByAgentID(ctx, agentID)
	if err != nil || device.Screens < 1 {
		return model.DefaultScreenCount
	}
	return int(device.Screens)
}

// AttachAnnotationDevice 接入设备侧批注通道
func (s *RelayService) AttachAnnotationDevice(agentID string, conn hub.Conn) {
	s.hub.AddAnnotationDevice(agentID, conn)
}

// DetachAnnotationDevice 移除设备侧批注通道
func (s *RelayService) DetachAnnotationDevice(agentID string, conn hub.Conn) {
	s.hub.RemoveAnnotationDevice(agentID, conn)
}

// AttachAnnotationViewer 接入观看侧批注通道
func (s *RelayService) AttachAnnotationViewer(agentID string, conn hub.Conn) {
	s.hub.AddAnnotationViewer(agentID, conn)
}

// DetachAnnotationViewer 移除观看侧批注通道
func (s *RelayService) DetachAnnotationViewer(agentID string, conn hub.Conn) {
	s.hub.RemoveAnnotationViewer(agentID, conn)
}

// RelayAnnotationToViewers 设备侧批注扇出到观看侧
func (s *RelayService) RelayAnnotationToViewers(agentID string, payload []byte) {
	s.hub.RelayToViewers(agentID, payload)
}

// RelayAnnotationToDevice 观看侧批注扇出到设备侧
func (s *RelayService) RelayAnnotationToDevice(agentID string, payload []byte) {
	s.hub.RelayToDevice(agentID, payload)
}

// PublisherClosed 实现 hub.Events：补写采集端会话结束时间并清掉在线标记
func (s *RelayService) PublisherClosed(agentID string, conn hub.Conn, reason string) {
	s.mu.Lock()
	rec, ok := s.pubSessions[conn.ID()]
	var sessionID int64
	if ok {
		if rec.sessionID == 0 {
			// Open 还在路上：记下原因，由 AcceptPublisher 补写
			rec.closedReason = reason
			ok = false
		} else {
			sessionID = rec.sessionID
			delete(s.pubSessions, conn.ID())
		}
	}
	s.mu.Unlock()

	if ok {
		s.async("connectivity_session.close", func(ctx context.Context) error {
			return s.connSessions.Close(ctx, sessionID, reason)
		})
	}
	s.async("device.clear_last_seen", func(ctx context.Context) error {
		return s.devices.ClearLastSeen(ctx, agentID)
	})
}

// ViewerClosed 实现 hub.Events：补写观看端会话结束时间
func (s *RelayService) ViewerClosed(agentID string, conn hub.Conn, reason string) {
	s.mu.Lock()
	rec, ok := s.viewSessions[conn.ID()]
	var sessionID int64
	if ok {
		if rec.sessionID == 0 {
			// Open 还在路上：记下原因，由 AcceptViewer 补写
			rec.closedReason = reason
			ok = false
		} else {
			sessionID = rec.sessionID
			delete(s.viewSessions, conn.ID())
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.async("viewer_session.close", func(ctx context.Context) error {
		return s.viewerSessions.Close(ctx, sessionID, reason)
	})
}

// ReconcileOnBoot 启动补账：进程上次退出时没来得及关闭的会话
// 统一补写结束时间，避免报表里永远挂着未结束的行。
func (s *RelayService) ReconcileOnBoot(ctx context.Context) error {
	if s.config.DisableBootReconcile {
		s.logger.Info("boot reconcile disabled")
		return nil
	}

	connClosed, err := s.connSessions.CloseAllOpen(ctx, model.CloseReasonServerRestart)
	if err != nil {
		return fmt.Errorf("failed to reconcile connectivity sessions: %w", err)
	}
	viewClosed, err := s.viewerSessions.CloseAllOpen(ctx, model.CloseReasonServerRestart)
	if err != nil {
		return fmt.Errorf("failed to reconcile viewer sessions: %w", err)
	}

	if connClosed > 0 || viewClosed > 0 {
		s.logger.Info("reconciled stale sessions",
			"connectivity_sessions", connClosed,
			"viewer_sessions", viewClosed,
		)
	}
	return nil
}

// Shutdown 停止服务：关闭全部连接并等待落库任务结束
func (s *RelayService) Shutdown() {
	s.hub.Shutdown()
	s.pool.Release()
	s.logger.Info("relay service stopped")
}
