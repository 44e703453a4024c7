package hub

import "github.com/cockroachdb/errors"

var (
	// ErrAgentOffline 设备没有在线的采集端
	ErrAgentOffline = errors.New("hub: agent offline")

	// ErrNotPublisher 连接不是该设备的当前采集端
	ErrNotPublisher = errors.New("hub: connection is not the current publisher")
)
