package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/watchdesk/watchdesk/app/probe/internal/watch"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

var (
	serverURL = flag.String("server", "ws://127.0.0.1:8443", "中继地址")
	agentID   = flag.String("agent", "", "目标设备 agent_id")
	screen    = flag.Int("screen", 0, "屏幕索引")
	token     = flag.String("token", "", "观看凭证")
	outFile   = flag.String("out", "", "最新一帧的输出文件（留空则只统计）")
)

// probeHandler 统计帧并可选落盘最新一帧
type probeHandler struct {
	logger logger.Logger
	out    string
	frames atomic.Int64
}

func (h *probeHandler) OnMeta(screens int) {
	h.logger.Info("screen count", "screens", screens)
}

func (h *probeHandler) OnFrame(data []byte) {
	n := h.frames.Add(1)
	if n == 1 {
		h.logger.Info("first frame received", "bytes", len(data))
	}
	if h.out != "" {
		if err := os.WriteFile(h.out, data, 0o644); err != nil {
			h.logger.Warn("failed to write frame", "path", h.out, "error", err)
		}
	}
}

func main() {
	flag.Parse()

	l, err := logger.New(&logger.Config{
		Level:         "info",
		Format:        "console",
		EnableConsole: true,
	})
	if err != nil {
		panic(err)
	}

	if *agentID == "" {
		l.Error("missing required flag: -agent")
		os.Exit(1)
	}

	handler := &probeHandler{logger: l, out: *outFile}
	machine, err := watch.New(&watch.Config{
		ServerURL: *serverURL,
		AgentID:   *agentID,
		Screen:    *screen,
		Token:     *token,
	}, handler, l)
	if err != nil {
		l.Error("failed to create watch machine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Info("shutdown signal received")
		cancel()
	}()

	// 周期输出统计
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Info("watch stats",
					"agent_id", *agentID,
					"state", machine.State().String(),
					"frames", handler.frames.Load(),
				)
			}
		}
	}()

	if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.Error("probe exited with error", "error", err)
	}
	_ = l.Sync()
}
