package hub

// WebSocket 业务关闭码。观看端据此区分瞬时故障与硬性失败，
// 选择快速重试还是慢速轮询。
const (
	// CloseCodeUnregistered 设备未注册
	CloseCodeUnregistered = 4001
	// CloseCodeAgentOffline 接入时设备不在线
	CloseCodeAgentOffline = 4002
	// CloseCodeAgentDisconnected 观看期间采集端断开（含顶替驱逐）
	CloseCodeAgentDisconnected = 4003
	// CloseCodeInactivity 不活跃看门狗强制下线
	CloseCodeInactivity = 4004
	// CloseCodeInvalidCredential 凭证无效
	CloseCodeInvalidCredential = 4005
)

// 关闭原因短语，随关闭帧下发
const (
	ReasonUnregistered      = "unregistered device"
	ReasonAgentOffline      = "agent offline"
	ReasonAgentDisconnected = "agent disconnected"
	ReasonInactivity        = "inactivity timeout"
	ReasonInvalidCredential = "invalid credential"
)
