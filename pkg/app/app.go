package app

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

var (
	// ErrAppAlreadyRunning 应用已在运行
	ErrAppAlreadyRunning = errors.New("application is already running")
)

// Server 定义了服务接口（如 HTTP server）
type Server interface {
	Start() error
	Stop() error
}

// Closer 定义了资源清理接口（如 DB 连接池）
type Closer interface {
	Close() error
}

// BaseApp 应用骨架：统一管理服务启动、信号退出和资源清理
type BaseApp struct {
	opts    Options
	logger  logger.Logger
	servers []Server
	closers []Closer

	started atomic.Bool
	quit    chan os.Signal
}

// NewBaseApp 创建 BaseApp
func NewBaseApp(opts ...Option) *BaseApp {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &BaseApp{
		opts:   o,
		logger: o.Logger.Named(o.Name),
		quit:   make(chan os.Signal, 1),
	}
}

// AppendServer 注册服务
func (a *BaseApp) AppendServer(s Server) {
	a.servers = append(a.servers, s)
}

// AppendCloser 注册待清理资源
func (a *BaseApp) AppendCloser(c Closer) {
	a.closers = append(a.closers, c)
}

// Logger 返回应用主日志对象
func (a *BaseApp) Logger() logger.Logger {
	return a.logger
}

// Run 启动所有服务并阻塞直到收到退出信号
func (a *BaseApp) Run() error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAppAlreadyRunning
	}

	a.logger.Info("application starting", "name", a.opts.Name, "version", a.opts.Version)

	for _, s := range a.servers {
		if err := s.Start(); err != nil {
			a.shutdown()
			return errors.Wrap(err, "failed to start server")
		}
	}

	signal.Notify(a.quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-a.quit
	a.logger.Info("shutdown signal received", "signal", sig.String())

	a.shutdown()
	return nil
}

// Shutdown 主动触发退出
func (a *BaseApp) Shutdown() {
	select {
	case a.quit <- syscall.SIGTERM:
	default:
	}
}

// shutdown 逆序停止服务、清理资源
func (a *BaseApp) shutdown() {
	for i := len(a.servers) - 1; i >= 0; i-- {
		if err := a.servers[i].Stop(); err != nil {
			a.logger.Warn("server stop failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("closer failed", "error", err)
		}
	}
	_ = a.logger.Sync()
	a.logger.Info("application exited", "name", a.opts.Name)
}
