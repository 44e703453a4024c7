package conc

import (
	"runtime/debug"

	"github.com/watchdesk/watchdesk/pkg/logger"
)

// Go 启动一个 panic 安全的 goroutine。
// 业务 goroutine 统一通过此函数启动，panic 只影响自身并记录日志。
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Default().Error("goroutine panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
