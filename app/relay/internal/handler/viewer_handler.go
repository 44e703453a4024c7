package handler

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/watchdesk/watchdesk/app/relay/internal/hub"
	"github.com/watchdesk/watchdesk/app/relay/internal/service"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/security"
	"github.com/watchdesk/watchdesk/pkg/web"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// ViewerHandler 观看端接入处理器
type ViewerHandler struct {
	svc      *service.RelayService
	upgrader *websocket.Upgrader
	jwtMgr   *security.JWTManager
	logger   logger.Logger
}

// NewViewerHandler 创建观看端处理器
func NewViewerHandler(svc *service.RelayService, up *websocket.Upgrader, jwtMgr *security.JWTManager, l logger.Logger) *ViewerHandler {
	return &ViewerHandler{
		svc:      svc,
		upgrader: up,
		jwtMgr:   jwtMgr,
		logger:   l.Named("handler.viewer"),
	}
}

// Register 注册路由
func (h *ViewerHandler) Register(r *gin.Engine) {
	r.GET("/ws/view/:agentID", h.Watch)
	r.GET("/ws/view/:agentID/annotate", h.Annotate)

	api := r.Group("/api", AuthMiddleware(h.jwtMgr, h.logger))
	{
		api.GET("/devices/:agentID/screens", h.Screens)
	}
}

// credential 取出请求携带的凭证。浏览器的 WebSocket 不能带
// Authorization 头，所以同时支持 token 查询参数。
func (h *ViewerHandler) credential(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		return h.jwtMgr.StripPrefix(header)
	}
	return c.Query("token")
}

// authenticate 升级后校验凭证。失败以 4005 关闭，
// 观看端据此停止快速重试。
func (h *ViewerHandler) authenticate(c *gin.Context, conn *websocket.Connection) (*security.Claims, bool) {
	claims, err := h.jwtMgr.ValidateToken(h.credential(c))
	if err != nil {
		h.logger.Warn("viewer credential rejected",
			"remote_addr", conn.RemoteAddr(),
			"error", err,
		)
		_ = conn.CloseWithCode(hub.CloseCodeInvalidCredential, hub.ReasonInvalidCredential)
		return nil, false
	}
	return claims, true
}

// Watch 观看端画面通道：接入即下发屏幕数元信息，
// 之后只推送所请求屏幕的二进制帧。
func (h *ViewerHandler) Watch(c *gin.Context) {
	agentID := c.Param("agentID")

	screen, err := strconv.ParseUint(c.DefaultQuery("screen", "0"), 10, 8)
	if err != nil {
		web.Error(c, http.StatusBadRequest, 400, "invalid screen index")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}

	claims, ok := h.authenticate(c, conn)
	if !ok {
		return
	}

	if _, err := h.svc.AcceptViewer(c.Request.Context(), agentID, claims.Identity, byte(screen), conn); err != nil {
		if errors.Is(err, hub.ErrAgentOffline) {
			_ = conn.CloseWithCode(hub.CloseCodeAgentOffline, hub.ReasonAgentOffline)
			return
		}
		h.logger.Error("accept viewer failed", "agent_id", agentID, "error", err)
		_ = conn.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	// 观看端不发消息，读循环只为感知断开
	conn.ReadLoop(nil)
	h.svc.CloseViewer(agentID, conn)
}

// Annotate 观看侧批注通道，消息原样扇出到设备侧
func (h *ViewerHandler) Annotate(c *gin.Context) {
	agentID := c.Param("agentID")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}

	if _, ok := h.authenticate(c, conn); !ok {
		return
	}

	h.svc.AttachAnnotationViewer(agentID, conn)
	conn.ReadLoop(func(_ *websocket.Connection, msg *websocket.Message) error {
		if msg.Type == websocket.MessageTypeText {
			h.svc.RelayAnnotationToDevice(agentID, msg.Data)
		}
		return nil
	})
	h.svc.DetachAnnotationViewer(agentID, conn)
}

// ScreensResponse 屏幕数查询响应
type ScreensResponse struct {
	Screens int `json:"screens"`
}

// Screens 屏幕数查询，与连接是否在线无关
func (h *ViewerHandler) Screens(c *gin.Context) {
	agentID := c.Param("agentID")
	web.Success(c, ScreensResponse{
		Screens: h.svc.Screens(c.Request.Context(), agentID),
	})
}
