package service

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownDevice 设备未注册，拒绝采集端接入
	ErrUnknownDevice = errors.New("service: unknown device")

	// ErrInvalidAgentID agent_id 不合法
	ErrInvalidAgentID = errors.New("service: invalid agent id")
)
