package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/pkg/conc"
	"github.com/watchdesk/watchdesk/pkg/config"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// State 观看端状态
type State int32

const (
	// StateConnecting 建立观看通道中
	StateConnecting State = iota
	// StateLive 已收到画面
	StateLive
	// StateOff 设备疑似下线，慢速后台重试
	StateOff
	// StateStopped 已停止
	StateStopped
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateOff:
		return "off"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// 中继下发的业务关闭码（与中继侧定义一致）
const (
	closeCodeAgentOffline      = 4002
	closeCodeAgentDisconnected = 4003
)

// Config 观看端配置
type Config struct {
	// ServerURL 中继地址，ws:// 或 wss://
	ServerURL string `mapstructure:"server_url" json:"server_url" yaml:"server_url"`
	// AgentID 目标设备
	AgentID string `mapstructure:"agent_id" json:"agent_id" yaml:"agent_id"`
	// Screen 请求的屏幕索引
	Screen int `mapstructure:"screen" json:"screen" yaml:"screen"`
	// Token 观看凭证
	Token string `mapstructure:"token" json:"token" yaml:"token"`

	// FastRetries 疑似瞬时故障时的快速重试次数
	FastRetries int `mapstructure:"fast_retries" json:"fast_retries" yaml:"fast_retries"`
	// FastRetryDelay 快速重试间隔
	FastRetryDelay time.Duration `mapstructure:"fast_retry_delay" json:"fast_retry_delay" yaml:"fast_retry_delay"`
	// SlowRetryDelay 设备判定下线后的慢速重试间隔
	SlowRetryDelay time.Duration `mapstructure:"slow_retry_delay" json:"slow_retry_delay" yaml:"slow_retry_delay"`
	// FirstFrameTimeout 首帧硬超时，超时强制重连
	FirstFrameTimeout time.Duration `mapstructure:"first_frame_timeout" json:"first_frame_timeout" yaml:"first_frame_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FastRetries:       3,
		FastRetryDelay:    2 * time.Second,
		SlowRetryDelay:    30 * time.Second,
		FirstFrameTimeout: 12 * time.Second,
	}
}

// Handler 画面与元信息回调
type Handler interface {
	// OnMeta 屏幕数变化
	OnMeta(screens int)
	// OnFrame 收到一帧画面
	OnFrame(data []byte)
}

// outcome 一次观看的结束方式
type outcome struct {
	closeCode  int
	timedOut   bool // 首帧超时
	dialFailed bool
}

// transient 判断是否按瞬时故障快速重试。
// agent offline / agent disconnected 大概率是设备重启，
// 首帧超时同样强制快速重连；其余一律慢速。
func (o outcome) transient() bool {
	if o.timedOut {
		return true
	}
	if o.dialFailed {
		return false
	}
	return o.closeCode == closeCodeAgentOffline || o.closeCode == closeCodeAgentDisconnected
}

// Machine 观看端状态机：Connecting -> Live -> Off。
// 两档重试：快档应对设备瞬时重启，慢档避免设备真下线时打爆中继。
type Machine struct {
	config  *Config
	handler Handler
	client  *websocket.Client
	logger  logger.Logger

	state atomic.Int32

	// dialFn 可在测试中替换
	dialFn func(ctx context.Context) (*websocket.Connection, error)
}

// New 创建观看端状态机
func New(cfg *Config, handler Handler, l logger.Logger) (*Machine, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge watch config: %w", err)
	}
	if newCfg.ServerURL == "" || newCfg.AgentID == "" {
		return nil, errors.New("watch: server_url and agent_id are required")
	}

	m := &Machine{
		config:  newCfg,
		handler: handler,
		client:  websocket.NewClient(nil, l),
		logger:  l.Named("watch"),
	}
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

	fastLeft := m.config.FastRetries
	for {
		m.setState(StateConnecting)

		var o outcome
		conn, err := m.dialFn(ctx)
		if err != nil {
			m.logger.Warn("connect failed", "agent_id", m.config.AgentID, "error", err)
			o = outcome{dialFailed: true}
		} else {
			o = m.watch(ctx, conn)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		if o.transient() && fastLeft > 0 {
			fastLeft--
			delay = m.config.FastRetryDelay
			m.logger.Info("fast retry scheduled",
				"agent_id", m.config.AgentID,
				"close_code", o.closeCode,
				"remaining", fastLeft,
			)
		} else {
			// 快档用尽或硬性失败：转入慢速后台重试
			m.setState(StateOff)
			delay = m.config.SlowRetryDelay
			fastLeft = m.config.FastRetries
			m.logger.Info("slow retry scheduled",
				"agent_id", m.config.AgentID,
				"close_code", o.closeCode,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// dial 打开观看通道
func (m *Machine) dial(ctx context.Context) (*websocket.Connection, error) {
	u := fmt.Sprintf("%s/ws/view/%s?screen=%d&token=%s",
		m.config.ServerURL,
		url.PathEscape(m.config.AgentID),
		m.config.Screen,
		url.QueryEscape(m.config.Token),
	)
	return m.client.Dial(ctx, u, nil)
}

// watch 消费画面直到连接结束或首帧超时
func (m *Machine) watch(ctx context.Context, conn *websocket.Connection) outcome {
	defer conn.Close()

	firstFrame := make(chan struct{}, 1)
	conc.Go(func() {
		conn.ReadLoop(func(_ *websocket.Connection, msg *websocket.Message) error {
			switch msg.Type {
			case websocket.MessageTypeBinary:
				select {
				case firstFrame <- struct{}{}:
				default:
				}
				if m.handler != nil {
					m.handler.OnFrame(msg.Data)
				}
			case websocket.MessageTypeText:
				var meta struct {
					Type    string `json:"type"`
					Screens int    `json:"screens"`
				}
				if err := json.Unmarshal(msg.Data, &meta); err == nil && meta.Type == "meta" && m.handler != nil {
					m.handler.OnMeta(meta.Screens)
				}
			}
			return nil
		})
	})

	timeout := time.NewTimer(m.config.FirstFrameTimeout)
	defer timeout.Stop()

	live := false
	for {
		select {
		case <-ctx.Done():
			return outcome{}
		case <-firstFrame:
			if !live {
				live = true
				timeout.Stop()
				m.setState(StateLive)
			}
		case <-timeout.C:
			if !live {
				m.logger.Warn("no first frame before timeout",
					"agent_id", m.config.AgentID,
					"timeout", m.config.FirstFrameTimeout,
				)
				return outcome{timedOut: true}
			}
		case <-conn.Done():
			return outcome{closeCode: conn.CloseCode()}
		}
	}
}
