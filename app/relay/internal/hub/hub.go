package hub

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/pkg/config"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// Config 中继配置
type Config struct {
	// InactivityWindow 不活跃窗口，采集端静默超过该时长即判定下线
	InactivityWindow time.Duration `mapstructure:"inactivity_window" json:"inactivity_window" yaml:"inactivity_window"`
	// ShardCount 设备状态分片数，按 agent_id 散列，减少跨设备锁竞争
	ShardCount int `mapstructure:"shard_count" json:"shard_count" yaml:"shard_count"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		InactivityWindow: 60 * time.Second,
		ShardCount:       16,
	}
}

// MetaMessage 屏幕数元信息，接入和更新时下发给观看端
type MetaMessage struct {
	Type    string `json:"type"`
	Screens int    `json:"screens"`
}

// publisherEntry 采集端绑定
type publisherEntry struct {
	conn  Conn
	timer *time.Timer
}

// viewerEntry 观看端条目
type viewerEntry struct {
	conn        Conn
	viewerID    string
	screenIndex byte
}

// deviceState 单设备的全部易失状态
type deviceState struct {
	publisher    *publisherEntry
	screens      int // 0 表示未上报
	viewers      map[string]*viewerEntry
	annotDevices map[string]Conn
	annotViewers map[string]Conn
}

func newDeviceState() *deviceState {
	return &deviceState{
		viewers:      make(map[string]*viewerEntry),
		annotDevices: make(map[string]Conn),
		annotViewers: make(map[string]Conn),
	}
}

func (s *deviceState) empty() bool {
	return s.publisher == nil &&
		len(s.viewers) == 0 &&
		len(s.annotDevices) == 0 &&
		len(s.annotViewers) == 0
}

// shard 设备状态分片
type shard struct {
	mu      sync.Mutex
	devices map[string]*deviceState
}

// Hub 设备中继：采集端绑定、观看端集合、屏幕数目录、
// 不活跃看门狗和帧/批注扇出都在这里。
type Hub struct {
	config  *Config
	shards  []*shard
	events  Events
	logger  logger.Logger
	metrics *metrics.RelayMetrics
}

// New 创建中继
func New(cfg *Config, events Events, l logger.Logger, m *metrics.RelayMetrics) (*Hub, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge hub config: %w", err)
	}
	if events == nil {
		events = NopEvents{}
	}

	shards := make([]*shard, newCfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{devices: make(map[string]*deviceState)}
	}

	return &Hub{
		config:  newCfg,
		shards:  shards,
		events:  events,
		logger:  l.Named("hub"),
		metrics: m,
	}, nil
}

// shardFor 根据 agent_id 选择分片
func (h *Hub) shardFor(agentID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(agentID))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// stateFor 获取或创建设备状态，调用方必须持有分片锁
func (sh *shard) stateFor(agentID string) *deviceState {
	st, ok := sh.devices[agentID]
	if !ok {
		st = newDeviceState()
		sh.devices[agentID] = st
	}
	return st
}

// gc 设备状态全空时回收，调用方必须持有分片锁
func (sh *shard) gc(agentID string, st *deviceState) {
	if st.empty() && st.screens == 0 {
		delete(sh.devices, agentID)
	}
}

// closeAction 在分片锁外执行的关闭动作
type closeAction struct {
	conn      Conn
	code      int
	reason    string
	storeKind string // publisher/viewer
	storeWhy  string
	agentID   string
}

// run 执行关闭并通知上层
func (h *Hub) run(actions []closeAction) {
	for _, a := range actions {
		_ = a.conn.CloseWithCode(a.code, a.reason)
		switch a.storeKind {
		case "publisher":
			h.metrics.PublisherClosed.WithLabelValues(a.storeWhy).Inc()
			h.metrics.OnlinePublishers.Dec()
			h.events.PublisherClosed(a.agentID, a.conn, a.storeWhy)
		case "viewer":
			h.metrics.ViewerClosed.WithLabelValues(a.storeWhy).Inc()
			h.metrics.OnlineViewers.Dec()
			h.events.ViewerClosed(a.agentID, a.conn, a.storeWhy)
		}
	}
}

// BindPublisher 绑定采集端连接并武装看门狗。
// 同设备已有采集端时直接顶替：旧连接与该设备所有观看端
// 都以 agent disconnected 关闭（last-writer-wins，不协商）。
func (h *Hub) BindPublisher(agentID string, conn Conn) {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st := sh.stateFor(agentID)

	var actions []closeAction
	if st.publisher != nil {
		st.publisher.timer.Stop()
		actions = append(actions, closeAction{
			conn:      st.publisher.conn,
			code:      CloseCodeAgentDisconnected,
			reason:    ReasonAgentDisconnected,
			storeKind: "publisher",
			storeWhy:  model.CloseReasonReplaced,
			agentID:   agentID,
		})
		actions = append(actions, h.detachViewersLocked(st, agentID,
			CloseCodeAgentDisconnected, ReasonAgentDisconnected, model.CloseReasonAgentDisconnected)...)
	}

	connID := conn.ID()
	st.publisher = &publisherEntry{
		conn: conn,
		timer: time.AfterFunc(h.config.InactivityWindow, func() {
			h.expirePublisher(agentID, connID)
		}),
	}
	sh.mu.Unlock()

	h.metrics.OnlinePublishers.Inc()
	h.logger.Info("publisher bound",
		"agent_id", agentID,
		"conn_id", connID,
		"evicted", len(actions) > 0,
	)
	h.run(actions)
}

// Touch 收到采集端任意入站消息时重置看门狗
func (h *Hub) Touch(agentID string, conn Conn) error {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.devices[agentID]
	if !ok || st.publisher == nil || st.publisher.conn.ID() != conn.ID() {
		return ErrNotPublisher
	}
	st.publisher.timer.Reset(h.config.InactivityWindow)
	return nil
}

// expirePublisher 看门狗到期回调
func (h *Hub) expirePublisher(agentID, connID string) {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st, ok := sh.devices[agentID]
	if !ok || st.publisher == nil || st.publisher.conn.ID() != connID {
		// 连接已被顶替或正常关闭，本次到期作废
		sh.mu.Unlock()
		return
	}
	actions := h.teardownPublisherLocked(sh, st, agentID,
		CloseCodeInactivity, ReasonInactivity, model.CloseReasonInactivity)
	sh.mu.Unlock()

	h.metrics.WatchdogExpired.Inc()
	h.logger.Warn("publisher inactivity timeout",
		"agent_id", agentID,
		"conn_id", connID,
		"window", h.config.InactivityWindow,
	)
	h.run(actions)
}

// ClosePublisher 移除采集端绑定（远端关闭或传输错误后调用）。
// 幂等：连接已不是当前采集端时不做任何事。
func (h *Hub) ClosePublisher(agentID string, conn Conn) {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st, ok := sh.devices[agentID]
	if !ok || st.publisher == nil || st.publisher.conn.ID() != conn.ID() {
		sh.mu.Unlock()
		return
	}
	actions := h.teardownPublisherLocked(sh, st, agentID,
		CloseCodeAgentDisconnected, ReasonAgentDisconnected, model.CloseReasonAgentDisconnected)
	sh.mu.Unlock()

	h.logger.Info("publisher closed",
		"agent_id", agentID,
		"conn_id", conn.ID(),
	)
	h.run(actions)
}

// teardownPublisherLocked 拆除采集端及其所有观看端，丢弃屏幕数目录项。
// 调用方必须持有分片锁。
func (h *Hub) teardownPublisherLocked(sh *shard, st *deviceState, agentID string, code int, reason, storeWhy string) []closeAction {
	st.publisher.timer.Stop()
	actions := []closeAction{{
		conn:      st.publisher.conn,
		code:      code,
		reason:    reason,
		storeKind: "publisher",
		storeWhy:  storeWhy,
		agentID:   agentID,
	}}
	actions = append(actions, h.detachViewersLocked(st, agentID, code, reason, storeWhy)...)

	st.publisher = nil
	st.screens = 0
	sh.gc(agentID, st)
	return actions
}

// detachViewersLocked 移除设备全部观看端，调用方必须持有分片锁
func (h *Hub) detachViewersLocked(st *deviceState, agentID string, code int, reason, storeWhy string) []closeAction {
	actions := make([]closeAction, 0, len(st.viewers))
	for id, v := range st.viewers {
		actions = append(actions, closeAction{
			conn:      v.conn,
			code:      code,
			reason:    reason,
			storeKind: "viewer",
			storeWhy:  storeWhy,
			agentID:   agentID,
		})
		delete(st.viewers, id)
	}
	return actions
}

// PublishFrame 将一帧画面投递给请求该屏幕的所有观看端。
// 投递尽力而为：发送队列满的观看端直接跳过，新帧会覆盖旧帧。
func (h *Hub) PublishFrame(agentID string, screenIndex byte, payload []byte) (delivered, skipped int) {
	msg := websocket.NewBinaryMessage(payload)
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st, ok := sh.devices[agentID]
	if !ok {
		sh.mu.Unlock()
		return 0, 0
	}
	for _, v := range st.viewers {
		if v.screenIndex != screenIndex {
			continue
		}
		if err := v.conn.SendAsync(msg); err != nil {
			skipped++
			continue
		}
		delivered++
	}
	sh.mu.Unlock()

	h.metrics.RecordFrame(delivered, skipped, len(payload))
	return delivered, skipped
}

// SetScreens 更新屏幕数目录（最新值总是生效）并向全部观看端重播元信息
func (h *Hub) SetScreens(agentID string, screens int) {
	if screens < 1 {
		screens = model.DefaultScreenCount
	}

	msg, err := websocket.NewJSONMessage(&MetaMessage{Type: "meta", Screens: screens})
	if err != nil {
		return
	}

	sh := h.shardFor(agentID)
	sh.mu.Lock()
	st := sh.stateFor(agentID)
	st.screens = screens
	for _, v := range st.viewers {
		_ = v.conn.SendAsync(msg)
	}
	sh.mu.Unlock()

	h.logger.Debug("screen count updated",
		"agent_id", agentID,
		"screens", screens,
	)
}

// Screens 查询设备屏幕数，未上报时为默认值 1
func (h *Hub) Screens(agentID string) int {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok := sh.devices[agentID]; ok && st.screens > 0 {
		return st.screens
	}
	return model.DefaultScreenCount
}

// HasPublisher 判断设备是否有在线采集端
func (h *Hub) HasPublisher(agentID string) bool {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.devices[agentID]
	return ok && st.publisher != nil
}

// AddViewer 接入观看端。设备无在线采集端时拒绝（调用方带退避重试，
// 不排队）。接入成功立即下发当前屏幕数，UI 可在首帧前渲染选择器。
func (h *Hub) AddViewer(agentID, viewerID string, screenIndex byte, conn Conn) (int, error) {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st, ok := sh.devices[agentID]
	if !ok || st.publisher == nil {
		sh.mu.Unlock()
		h.metrics.ViewerRejected.WithLabelValues(model.CloseReasonAgentOffline).Inc()
		return 0, ErrAgentOffline
	}

	st.viewers[conn.ID()] = &viewerEntry{
		conn:        conn,
		viewerID:    viewerID,
		screenIndex: screenIndex,
	}
	screens := st.screens
	sh.mu.Unlock()

	if screens < 1 {
		screens = model.DefaultScreenCount
	}
	if msg, err := websocket.NewJSONMessage(&MetaMessage{Type: "meta", Screens: screens}); err == nil {
		_ = conn.SendAsync(msg)
	}

	h.metrics.OnlineViewers.Inc()
	h.logger.Info("viewer joined",
		"agent_id", agentID,
		"viewer_id", viewerID,
		"screen_index", screenIndex,
		"conn_id", conn.ID(),
	)
	return screens, nil
}

// RemoveViewer 移除观看端。幂等：随采集端拆除已被移除时不做任何事。
func (h *Hub) RemoveViewer(agentID string, conn Conn) {
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	st, ok := sh.devices[agentID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	v, ok := st.viewers[conn.ID()]
	if !ok {
		sh.mu.Unlock()
		return
	}
	delete(st.viewers, conn.ID())
	sh.gc(agentID, st)
	sh.mu.Unlock()

	h.logger.Info("viewer left",
		"agent_id", agentID,
		"viewer_id", v.viewerID,
		"conn_id", conn.ID(),
	)
	h.run([]closeAction{{
		conn:      conn,
		code:      websocket.CloseNormalClosure,
		reason:    "",
		storeKind: "viewer",
		storeWhy:  model.CloseReasonNormal,
		agentID:   agentID,
	}})
}

// AddAnnotationDevice 接入设备侧批注通道。
// 与画面通道不同，这里不做顶替：重连的设备可能同时存在两条通道。
func (h *Hub) AddAnnotationDevice(agentID string, conn Conn) {
	sh := h.shardFor(agentID)
	sh.mu.Lock()
	sh.stateFor(agentID).annotDevices[conn.ID()] = conn
	sh.mu.Unlock()
}

// RemoveAnnotationDevice 移除设备侧批注通道
func (h *Hub) RemoveAnnotationDevice(agentID string, conn Conn) {
	sh := h.shardFor(agentID)
	sh.mu.Lock()
	if st, ok := sh.devices[agentID]; ok {
		delete(st.annotDevices, conn.ID())
		sh.gc(agentID, st)
	}
	sh.mu.Unlock()
}

// AddAnnotationViewer 接入观看侧批注通道
func (h *Hub) AddAnnotationViewer(agentID string, conn Conn) {
	sh := h.shardFor(agentID)
	sh.mu.Lock()
	sh.stateFor(agentID).annotViewers[conn.ID()] = conn
	sh.mu.Unlock()
}

// RemoveAnnotationViewer 移除观看侧批注通道
func (h *Hub) RemoveAnnotationViewer(agentID string, conn Conn) {
	sh := h.shardFor(agentID)
	sh.mu.Lock()
	if st, ok := sh.devices[agentID]; ok {
		delete(st.annotViewers, conn.ID())
		sh.gc(agentID, st)
	}
	sh.mu.Unlock()
}

// RelayToViewers 设备侧批注原样扇出到该设备全部观看侧通道
func (h *Hub) RelayToViewers(agentID string, payload []byte) int {
	n := h.relayAnnotation(agentID, payload, false)
	if n > 0 {
		h.metrics.RecordAnnotation("to_viewer")
	}
	return n
}

// RelayToDevice 观看侧批注原样扇出到该设备全部设备侧通道
func (h *Hub) RelayToDevice(agentID string, payload []byte) int {
	n := h.relayAnnotation(agentID, payload, true)
	if n > 0 {
		h.metrics.RecordAnnotation("to_agent")
	}
	return n
}

// relayAnnotation 批注扇出，toDevice 决定投递方向
func (h *Hub) relayAnnotation(agentID string, payload []byte, toDevice bool) int {
	msg := websocket.NewTextMessage(payload)
	sh := h.shardFor(agentID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.devices[agentID]
	if !ok {
		return 0
	}

	targets := st.annotViewers
	if toDevice {
		targets = st.annotDevices
	}

	sent := 0
	for _, c := range targets {
		if err := c.SendAsync(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Shutdown 关闭全部连接（进程退出时调用）
func (h *Hub) Shutdown() {
	for _, sh := range h.shards {
		sh.mu.Lock()
		var actions []closeAction
		for agentID, st := range sh.devices {
			if st.publisher != nil {
				actions = append(actions, h.teardownPublisherLocked(sh, st, agentID,
					websocket.CloseGoingAway, "server shutdown", model.CloseReasonServerRestart)...)
			}
			actions = append(actions, h.detachViewersLocked(st, agentID,
				websocket.CloseGoingAway, "server shutdown", model.CloseReasonServerRestart)...)
			for id, c := range st.annotDevices {
				_ = c.CloseWithCode(websocket.CloseGoingAway, "server shutdown")
				delete(st.annotDevices, id)
			}
			for id, c := range st.annotViewers {
				_ = c.CloseWithCode(websocket.CloseGoingAway, "server shutdown")
				delete(st.annotViewers, id)
			}
			sh.gc(agentID, st)
		}
		sh.mu.Unlock()
		h.run(actions)
	}
	h.logger.Info("hub shut down")
}
