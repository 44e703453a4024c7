package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 确保 BaseLogger 实现了 Logger 接口
var _ Logger = (*BaseLogger)(nil)

// BaseLogger 基于 zap 的日志记录器实现
type BaseLogger struct {
	zl  *zap.SugaredLogger
	cfg *Config
}

// New 创建新的 BaseLogger
func New(cfg *Config) (*BaseLogger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encoder := buildEncoder(cfg)

	writers := make([]zapcore.WriteSyncer, 0, 2)
	if cfg.EnableConsole {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if cfg.EnableFile {
		if dir := filepath.Dir(cfg.OutputPath); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
		}))
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(writers...),
		parseLevel(cfg.Level),
	)

	opts := []zap.Option{}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(parseLevel(cfg.StacktraceLevel)))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	return &BaseLogger{
		zl:  zap.New(core, opts...).Sugar(),
		cfg: cfg,
	}, nil
}

// buildEncoder 构建 zap encoder
func buildEncoder(cfg *Config) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(cfg.TimeFormat)
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}

	switch cfg.Format {
	case ConsoleFormat:
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return zapcore.NewJSONEncoder(encoderConfig)
	}
}

// parseLevel 解析日志等级
func parseLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *BaseLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.zl.Debugw(msg, keysAndValues...)
}

func (l *BaseLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zl.Infow(msg, keysAndValues...)
}

func (l *BaseLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.zl.Warnw(msg, keysAndValues...)
}

func (l *BaseLogger) Error(msg string, keysAndValues ...interface{}) {
	l.zl.Errorw(msg, keysAndValues...)
}

// Named 派生带名称的子 logger
func (l *BaseLogger) Named(name string) Logger {
	return &BaseLogger{zl: l.zl.Named(name), cfg: l.cfg}
}

// WithFields 派生携带固定字段的子 logger
func (l *BaseLogger) WithFields(keysAndValues ...interface{}) Logger {
	return &BaseLogger{zl: l.zl.With(keysAndValues...), cfg: l.cfg}
}

// Sync 刷新缓冲区
func (l *BaseLogger) Sync() error {
	return l.zl.Sync()
}
