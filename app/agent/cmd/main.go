package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/app/agent/internal/source"
	"github.com/watchdesk/watchdesk/app/agent/internal/stream"
	"github.com/watchdesk/watchdesk/pkg/app"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// SourceConfig 画面来源配置
type SourceConfig struct {
	// Dir 预编码图像目录
	Dir string `mapstructure:"dir"`
	// Screens 模拟的屏幕数
	Screens int `mapstructure:"screens"`
}

// Config 定义 Agent 的完整配置结构
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// Stream 推流状态机配置
	Stream stream.Config `mapstructure:"stream"`

	// Source 画面来源配置
	Source SourceConfig `mapstructure:"source"`
}

func main() {
	var cfg Config

	// 1. 加载配置
	if err := app.LoadConfig(&cfg); err != nil {
		panic(err)
	}

	// 2. 初始化日志
	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}

	// 3. 画面来源
	src, err := source.NewFileSource(cfg.Source.Dir, cfg.Source.Screens)
	if err != nil {
		l.Error("failed to create frame source", "error", err)
		return
	}

	// 4. 状态机
	machine, err := stream.New(&cfg.Stream, src, l)
	if err != nil {
		l.Error("failed to create stream machine", "error", err)
		return
	}

	// 5. 运行直到收到退出信号
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		l.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.Error("agent exited with error", "error", err)
	}
	_ = l.Sync()
}
