package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/watchdesk/watchdesk/app/relay/internal/dao"
	"github.com/watchdesk/watchdesk/app/relay/internal/handler"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/service"
	"github.com/watchdesk/watchdesk/pkg/app"
	"github.com/watchdesk/watchdesk/pkg/database/postgres"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/security"
	"github.com/watchdesk/watchdesk/pkg/web"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// Config 定义 Relay 服务的完整配置结构
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// Database 会话存储配置
	Database postgres.Config `mapstructure:"database"`

	// Web HTTP 服务配置
	Web web.Config `mapstructure:"web"`

	// WebSocket 升级器配置
	WebSocket websocket.UpgraderConfig `mapstructure:"websocket"`

	// JWT 观看端凭证校验配置
	JWT security.JWTConfig `mapstructure:"jwt"`

	// Relay 中继配置
	Relay service.Config `mapstructure:"relay"`

	// Metrics 指标配置
	Metrics metrics.Config `mapstructure:"metrics"`
}

// closerFunc 函数式 Closer 适配
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func main() {
	var cfg Config

	// 1. 加载配置
	if err := app.LoadConfig(&cfg); err != nil {
		panic(err)
	}

	// 2. 初始化主日志
	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}

	// 3. 连接会话存储
	ctx := context.Background()
	db, err := postgres.New(ctx, &cfg.Database)
	if err != nil {
		l.Error("failed to connect session store", "error", err)
		return
	}

	// 4. 初始化指标
	m, err := metrics.New(&cfg.Metrics)
	if err != nil {
		l.Error("failed to create metrics", "error", err)
		return
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if err := m.Register(registry); err != nil {
		l.Error("failed to register metrics", "error", err)
		return
	}

	// 5. 组装 DAO 与中继服务
	deviceDAO := dao.NewDeviceDAO(db, l, m)
	connSessionDAO := dao.NewConnectivitySessionDAO(db, l, m)
	viewerSessionDAO := dao.NewViewerSessionDAO(db, l, m)

	svc, err := service.New(&cfg.Relay, deviceDAO, connSessionDAO, viewerSessionDAO, l, m)
	if err != nil {
		l.Error("failed to create relay service", "error", err)
		return
	}

	// 6. 启动补账：上次未关闭的会话补写结束时间
	if err := svc.ReconcileOnBoot(ctx); err != nil {
		l.Warn("boot reconcile failed", "error", err)
	}

	// 7. 凭证校验器与 WebSocket 升级器
	jwtMgr, err := security.NewJWTManager(&cfg.JWT)
	if err != nil {
		l.Error("failed to create jwt manager", "error", err)
		return
	}
	upgrader := websocket.NewUpgrader(&cfg.WebSocket, l)

	// 8. HTTP 服务与路由
	server := web.NewServer(&cfg.Web, l)
	handler.NewAgentHandler(svc, upgrader, l).Register(server.Router())
	handler.NewViewerHandler(svc, upgrader, jwtMgr, l).Register(server.Router())
	handler.NewHealthHandler(db, registry, l).Register(server.Router())

	// 9. 运行服务
	application := app.NewBaseApp(
		app.WithName("relay"),
		app.WithLogger(l),
	)
	application.AppendServer(server)
	application.AppendCloser(closerFunc(func() error {
		svc.Shutdown()
		return nil
	}))
	application.AppendCloser(db)

	if err := application.Run(); err != nil {
		l.Error("application exited with error", "error", err)
	}
}
