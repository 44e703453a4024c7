package logger

import "sync"

var (
	defaultLogger Logger
	defaultMu     sync.RWMutex
)

// Default 返回默认 logger，未初始化时惰性创建一个控制台 logger
func Default() Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		// DefaultConfig 一定合法，忽略错误
		defaultLogger, _ = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault 替换默认 logger
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Nop 返回丢弃所有输出的 logger，用于测试
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})      {}
func (nopLogger) Info(string, ...interface{})       {}
func (nopLogger) Warn(string, ...interface{})       {}
func (nopLogger) Error(string, ...interface{})      {}
func (n nopLogger) Named(string) Logger             { return n }
func (n nopLogger) WithFields(...interface{}) Logger { return n }
func (nopLogger) Sync() error                        { return nil }
