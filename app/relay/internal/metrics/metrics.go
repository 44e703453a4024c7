package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/watchdesk/watchdesk/pkg/config"
)

// Config 指标配置
type Config struct {
	// Namespace 指标命名空间
	Namespace string `mapstructure:"namespace" json:"namespace" yaml:"namespace"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace: "relay",
	}
}

// RelayMetrics Relay 服务指标
type RelayMetrics struct {
	config *Config

	// 连接指标
	OnlinePublishers prometheus.Gauge       // 当前在线采集端数
	OnlineViewers    prometheus.Gauge       // 当前在线观看端数
	PublisherClosed  *prometheus.CounterVec // 采集端断开总数（按原因）
	ViewerClosed     *prometheus.CounterVec // 观看端断开总数（按原因）
	ViewerRejected   *prometheus.CounterVec // 观看端接入被拒总数（按原因）

	// 帧转发指标
	FramesRelayed prometheus.Counter // 成功投递的帧数
	FramesSkipped prometheus.Counter // 因观看端队列满被跳过的帧数
	FrameBytes    prometheus.Counter // 转发的帧字节总数

	// 批注指标
	AnnotationsRelayed *prometheus.CounterVec // 批注转发总数（按方向）

	// 看门狗指标
	WatchdogExpired prometheus.Counter // 不活跃超时触发次数

	// 存储指标
	DBQueryTotal    *prometheus.CounterVec   // 数据库查询总数（按操作、结果）
	DBQueryDuration *prometheus.HistogramVec // 数据库查询延迟
	StoreFailures   prometheus.Counter       // 异步落库失败次数
}

// New 创建 Relay 指标
func New(cfg *Config) (*RelayMetrics, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge metrics config: %w", err)
	}

	m := &RelayMetrics{
		config: newCfg,

		OnlinePublishers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: newCfg.Namespace,
				Name:      "online_publishers",
				Help:      "当前在线采集端数",
			},
		),
		OnlineViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: newCfg.Namespace,
				Name:      "online_viewers",
				Help:      "当前在线观看端数",
			},
		),
		PublisherClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "publisher_closed_total",
				Help:      "采集端断开总数",
			},
			[]string{"reason"},
		),
		ViewerClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "viewer_closed_total",
				Help:      "观看端断开总数",
			},
			[]string{"reason"},
		),
		ViewerRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "viewer_rejected_total",
				Help:      "观看端接入被拒总数",
			},
			[]string{"reason"},
		),

		FramesRelayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "frames_relayed_total",
				Help:      "成功投递的帧数",
			},
		),
		FramesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "frames_skipped_total",
				Help:      "因观看端发送队列满被跳过的帧数",
			},
		),
		FrameBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "frame_bytes_total",
				Help:      "转发的帧字节总数",
			},
		),

		AnnotationsRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "annotations_relayed_total",
				Help:      "批注消息转发总数",
			},
			[]string{"direction"}, // direction: to_agent/to_viewer
		),

		WatchdogExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "watchdog_expired_total",
				Help:      "不活跃看门狗触发次数",
			},
		),

		DBQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "db_queries_total",
				Help:      "数据库查询总数",
			},
			[]string{"operation", "result"}, // result: success/failed
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: newCfg.Namespace,
				Name:      "db_query_duration_seconds",
				Help:      "数据库查询延迟",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		StoreFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "store_failures_total",
				Help:      "异步落库失败次数",
			},
		),
	}

	return m, nil
}

// Register 注册所有指标到 Prometheus 注册表
func (m *RelayMetrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.OnlinePublishers,
		m.OnlineViewers,
		m.PublisherClosed,
		m.ViewerClosed,
		m.ViewerRejected,
		m.FramesRelayed,
		m.FramesSkipped,
		m.FrameBytes,
		m.AnnotationsRelayed,
		m.WatchdogExpired,
		m.DBQueryTotal,
		m.DBQueryDuration,
		m.StoreFailures,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// RecordDBQuery 记录数据库查询
func (m *RelayMetrics) RecordDBQuery(operation string, success bool, duration float64) {
	result := "success"
	if !success {
		result = "failed"
	}
	m.DBQueryTotal.WithLabelValues(operation, result).Inc()
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// RecordFrame 记录一次帧转发的投递结果
func (m *RelayMetrics) RecordFrame(delivered, skipped int, bytes int) {
	if delivered > 0 {
		m.FramesRelayed.Add(float64(delivered))
		m.FrameBytes.Add(float64(bytes * delivered))
	}
	if skipped > 0 {
		m.FramesSkipped.Add(float64(skipped))
	}
}

// RecordAnnotation 记录批注转发
func (m *RelayMetrics) RecordAnnotation(direction string) {
	m.AnnotationsRelayed.WithLabelValues(direction).Inc()
}

// RecordStoreFailure 记录异步落库失败
func (m *RelayMetrics) RecordStoreFailure() {
	m.StoreFailures.Inc()
}
