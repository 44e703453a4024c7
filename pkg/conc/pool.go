package conc

import (
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// Pool 基于 ants 的工作池，用于限制后台任务的并发度
type Pool struct {
	inner *ants.Pool
	log   logger.Logger
}

// NewPool 创建工作池，size 为最大并发数
func NewPool(size int, l logger.Logger) (*Pool, error) {
	if l == nil {
		l = logger.Default()
	}

	p := &Pool{log: l}
	inner, err := ants.NewPool(size,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(r interface{}) {
			p.log.Error("worker panic recovered",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	p.inner = inner
	return p, nil
}

// Submit 提交任务，池满时阻塞直到有空闲 worker
func (p *Pool) Submit(fn func()) error {
	return p.inner.Submit(fn)
}

// Running 当前正在执行的任务数
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Release 关闭池并等待任务结束
func (p *Pool) Release() {
	p.inner.Release()
}
