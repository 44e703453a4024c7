package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/pkg/conc"
	"github.com/watchdesk/watchdesk/pkg/config"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// State 采集端状态
type State int32

const (
	// StateRegistering 注册中，固定间隔重试直到成功
	StateRegistering State = iota
	// StateConnecting 建立画面通道中
	StateConnecting
	// StateStreaming 周期采集并推帧
	StateStreaming
	// StateBackoff 固定延迟后重连
	StateBackoff
	// StateStopped 已停止
	StateStopped
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameSource 画面来源：按屏幕采集一帧编码后的图像
type FrameSource interface {
	// Screens 当前屏幕数
	Screens() int
	// Capture 采集并编码指定屏幕的一帧
	Capture(ctx context.Context, screen int) ([]byte, error)
}

// Config 采集端配置
type Config struct {
	// ServerURL 中继地址，ws:// 或 wss://
	ServerURL string `mapstructure:"server_url" json:"server_url" yaml:"server_url"`
	// AgentID 设备标识
	AgentID string `mapstructure:"agent_id" json:"agent_id" yaml:"agent_id"`
	// Name 设备显示名
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	// RegisterInterval 注册失败后的固定重试间隔
	RegisterInterval time.Duration `mapstructure:"register_interval" json:"register_interval" yaml:"register_interval"`
	// ReconnectDelay 断开后的固定重连延迟。
	// 不区分被服务端拒绝和网络断开，统一同一个延迟。
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" json:"reconnect_delay" yaml:"reconnect_delay"`
	// FrameInterval 采集间隔（0.25~2Hz）
	FrameInterval time.Duration `mapstructure:"frame_interval" json:"frame_interval" yaml:"frame_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		RegisterInterval: 5 * time.Second,
		ReconnectDelay:   3 * time.Second,
		FrameInterval:    time.Second,
	}
}

// Machine 采集端状态机：Registering -> Connecting -> Streaming -> Backoff。
// 注册无限重试，断流固定延迟重连，被顶替后照常重连由中继裁决。
type Machine struct {
	config *Config
	source FrameSource
	client *websocket.Client
	logger logger.Logger

	state atomic.Int32

	// registerFn / dialFn 可在测试中替换
	registerFn func(ctx context.Context) error
	dialFn     func(ctx context.Context) (*websocket.Connection, error)
}

// New 创建采集端状态机
func New(cfg *Config, source FrameSource, l logger.Logger) (*Machine, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge stream config: %w", err)
	}
	if newCfg.ServerURL == "" || newCfg.AgentID == "" {
		return nil, errors.New("stream: server_url and agent_id are required")
	}
	if source == nil {
		return nil, errors.New("stream: frame source is required")
	}

	m := &Machine{
		config: newCfg,
		source: source,
		client: websocket.NewClient(nil, l),
		logger: l.Named("stream"),
	}
	m.registerFn = m.register
	m.dialFn = m.dial
	return m, nil
}

// State 当前状态
func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Info("state changed", "from", old.String(), "to", s.String())
	}
}

// Run 运行状态机直到 ctx 取消
func (m *Machine) Run(ctx context.Context) error {
	defer m.setState(StateStopped)

	// 注册：固定间隔无限重试，容忍长时间断网
	m.setState(StateRegistering)
	for {
		err := m.registerFn(ctx)
		if err == nil {
			break
		}
		m.logger.Warn("registration failed, retrying",
			"agent_id", m.config.AgentID,
			"interval", m.config.RegisterInterval,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.RegisterInterval):
		}
	}
	m.logger.Info("agent registered", "agent_id", m.config.AgentID)

	for {
		m.setState(StateConnecting)
		conn, err := m.dialFn(ctx)
		if err == nil {
			m.setState(StateStreaming)
			m.stream(ctx, conn)
		} else {
			m.logger.Warn("connect failed", "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.ReconnectDelay):
		}
	}
}

// register 调用中继的注册接口
func (m *Machine) register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"agent_id": m.config.AgentID,
		"name":     m.config.Name,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal register request")
	}

	url := httpBaseURL(m.config.ServerURL) + "/api/agents/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build register request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "register request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("register rejected with status %d", resp.StatusCode)
	}
	return nil
}

// dial 打开画面通道
func (m *Machine) dial(ctx context.Context) (*websocket.Connection, error) {
	return m.client.Dial(ctx, m.config.ServerURL+"/ws/agent/"+m.config.AgentID, nil)
}

// stream 推流循环：先上报屏幕数，之后按固定间隔逐屏采集发送。
// 连接被关闭（含被新连接顶替）即返回，由外层进入 Backoff。
func (m *Machine) stream(ctx context.Context, conn *websocket.Connection) {
	defer conn.Close()

	// 读循环只为感知服务端关闭
	conc.Go(func() {
		conn.ReadLoop(nil)
	})

	screens := m.source.Screens()
	if err := conn.SendJSON(ctx, map[string]interface{}{"type": "meta", "screens": screens}); err != nil {
		m.logger.Warn("failed to send meta", "error", err)
		return
	}

	ticker := time.NewTicker(m.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			m.logger.Info("connection closed by relay", "close_code", conn.CloseCode())
			return
		case <-ticker.C:
			if !m.captureAndSend(ctx, conn) {
				return
			}
		}
	}
}

// captureAndSend 采集全部屏幕并发送，返回 false 表示连接不可用
func (m *Machine) captureAndSend(ctx context.Context, conn *websocket.Connection) bool {
	for i := 0; i < m.source.Screens(); i++ {
		payload, err := m.source.Capture(ctx, i)
		if err != nil {
			m.logger.Warn("capture failed", "screen", i, "error", err)
			continue
		}

		frame := make([]byte, 0, len(payload)+1)
		frame = append(frame, byte(i))
		frame = append(frame, payload...)
		if err := conn.Send(ctx, websocket.NewBinaryMessage(frame)); err != nil {
			m.logger.Warn("send frame failed", "screen", i, "error", err)
			return false
		}
	}
	return true
}

// httpBaseURL 把 ws:// 地址转成对应的 http:// 地址
func httpBaseURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}
