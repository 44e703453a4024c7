package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/watchdesk/watchdesk/app/relay/internal/hub"
	"github.com/watchdesk/watchdesk/app/relay/internal/service"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/web"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// AgentHandler 采集端接入处理器
type AgentHandler struct {
	svc      *service.RelayService
	upgrader *websocket.Upgrader
	logger   logger.Logger
}

// NewAgentHandler 创建采集端处理器
func NewAgentHandler(svc *service.RelayService, up *websocket.Upgrader, l logger.Logger) *AgentHandler {
	return &AgentHandler{
		svc:      svc,
		upgrader: up,
		logger:   l.Named("handler.agent"),
	}
}

// Register 注册路由
func (h *AgentHandler) Register(r *gin.Engine) {
	r.POST("/api/agents/register", h.RegisterAgent)
	r.GET("/ws/agent/:agentID", h.Publish)
	r.GET("/ws/agent/:agentID/annotate", h.Annotate)
}

// RegisterAgentRequest 设备注册请求
type RegisterAgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Name    string `json:"name"`
}

// RegisterAgentResponse 设备注册响应
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// RegisterAgent 设备注册接口。采集端启动时反复调用直到成功，
// 之后才允许打开画面通道。
func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid register request", "error", err)
		web.Error(c, http.StatusBadRequest, 400, "invalid request: "+err.Error())
		return
	}

	device, err := h.svc.RegisterAgent(c.Request.Context(), req.AgentID, req.Name)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAgentID) {
			web.Error(c, http.StatusBadRequest, 400, "invalid agent id")
			return
		}
		h.logger.Error("register agent failed", "agent_id", req.AgentID, "error", err)
		web.Error(c, http.StatusInternalServerError, 500, "register failed")
		return
	}

	web.Success(c, RegisterAgentResponse{
		AgentID: device.AgentID,
		Name:    device.Name,
	})
}

// Publish 采集端画面通道。二进制帧为
// [1 字节屏幕索引][编码后画面]，文本帧为屏幕数元信息。
func (h *AgentHandler) Publish(c *gin.Context) {
	agentID := c.Param("agentID")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}

	if err := h.svc.AcceptPublisher(c.Request.Context(), agentID, conn); err != nil {
		if errors.Is(err, service.ErrUnknownDevice) {
			h.logger.Warn("publisher rejected: unknown device",
				"agent_id", agentID,
				"remote_addr", conn.RemoteAddr(),
			)
			_ = conn.CloseWithCode(hub.CloseCodeUnregistered, hub.ReasonUnregistered)
			return
		}
		h.logger.Error("accept publisher failed", "agent_id", agentID, "error", err)
		_ = conn.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	conn.ReadLoop(func(wc *websocket.Connection, msg *websocket.Message) error {
		switch msg.Type {
		case websocket.MessageTypeBinary:
			return h.svc.HandleBinaryFrame(agentID, wc, msg.Data)
		case websocket.MessageTypeText:
			return h.svc.HandleMetaMessage(agentID, wc, msg.Data)
		}
		return nil
	})

	h.svc.ClosePublisher(agentID, conn)
}

// Annotate 设备侧批注通道，消息原样扇出到观看侧
func (h *AgentHandler) Annotate(c *gin.Context) {
	agentID := c.Param("agentID")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		return
	}

	h.svc.AttachAnnotationDevice(agentID, conn)
	conn.ReadLoop(func(_ *websocket.Connection, msg *websocket.Message) error {
		if msg.Type == websocket.MessageTypeText {
			h.svc.RelayAnnotationToViewers(agentID, msg.Data)
		}
		return nil
	})
	h.svc.DetachAnnotationDevice(agentID, conn)
}
