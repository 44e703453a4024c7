package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchdesk/watchdesk/app/relay/internal/dao"
	"github.com/watchdesk/watchdesk/app/relay/internal/hub"
	"github.com/watchdesk/watchdesk/app/relay/internal/metrics"
	"github.com/watchdesk/watchdesk/app/relay/internal/model"
	"github.com/watchdesk/watchdesk/app/relay/internal/service"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/security"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// memDeviceStore 内存设备存储
type memDeviceStore struct {
	mu      sync.Mutex
	nextID  int64
	devices map[string]*model.Device
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]*model.Device)}
}

func (s *memDeviceStore) GetByAgentID(_ context.Context, agentID string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[agentID]
	if !ok {
		return nil, dao.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memDeviceStore) Upsert(_ context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.devices[device.AgentID]; ok {
		device.ID = existing.ID
		return nil
	}
	s.nextID++
	device.ID = s.nextID
	cp := *device
	s.devices[device.AgentID] = &cp
	return nil
}

func (s *memDeviceStore) UpdateScreens(_ context.Context, agentID string, screens int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[agentID]; ok {
		d.Screens = screens
	}
	return nil
}

func (s *memDeviceStore) UpdateLastSeen(context.Context, string) error { return nil }
func (s *memDeviceStore) ClearLastSeen(context.Context, string) error  { return nil }

// memSessionStore 内存会话存储
type memSessionStore struct {
	mu     sync.Mutex
	nextID int64
	open   map[int64]bool
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{open: make(map[int64]bool)}
}

func (s *memSessionStore) allocate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.open[s.nextID] = true
	return s.nextID
}

func (s *memSessionStore) Close(_ context.Context, sessionID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, sessionID)
	return nil
}

func (s *memSessionStore) CloseAllOpen(context.Context, string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.open))
	s.open = make(map[int64]bool)
	return n, nil
}

type memConnSessionStore struct{ memSessionStore }

func (s *memConnSessionStore) Open(_ context.Context, session *model.ConnectivitySession) error {
	session.ID = s.allocate()
	return nil
}

type memViewerSessionStore struct{ memSessionStore }

func (s *memViewerSessionStore) Open(_ context.Context, session *model.ViewerSession) error {
	session.ID = s.allocate()
	return nil
}

type testServer struct {
	url    string
	jwtMgr *security.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := metrics.New(nil)
	require.NoError(t, err)
	svc, err := service.New(nil, newMemDeviceStore(), &memConnSessionStore{*newMemSessionStore()}, &memViewerSessionStore{*newMemSessionStore()}, logger.Nop(), m)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	jwtMgr, err := security.NewJWTManager(&security.JWTConfig{SecretKey: "test-secret"})
	require.NoError(t, err)
	upgrader := websocket.NewUpgrader(nil, logger.Nop())

	engine := gin.New()
	NewAgentHandler(svc, upgrader, logger.Nop()).Register(engine)
	NewViewerHandler(svc, upgrader, jwtMgr, logger.Nop()).Register(engine)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		jwtMgr: jwtMgr,
	}
}

func (ts *testServer) httpURL() string {
	return "http" + strings.TrimPrefix(ts.url, "ws")
}

func (ts *testServer) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := ts.jwtMgr.GenerateToken(identity, []string{"supervisor"})
	require.NoError(t, err)
	return token
}

// register 通过 HTTP 接口注册设备
func (ts *testServer) register(t *testing.T, agentID string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"agent_id": agentID, "name": "workstation"})
	resp, err := http.Post(ts.httpURL()+"/api/agents/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// dial 建立 WebSocket 连接
func dial(t *testing.T, url string) *gws.Conn {
	t.Helper()
	conn, resp, err := gws.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readCloseCode 读取直到对端关闭，返回关闭码
func readCloseCode(t *testing.T, conn *gws.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*gws.CloseError); ok {
				return ce.Code
			}
			t.Fatalf("expected close error, got %v", err)
		}
	}
}

// readMessage 读一条消息
func readMessage(t *testing.T, conn *gws.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return msgType, data
}

func TestPublisherRejectedWhenUnregistered(t *testing.T) {
	ts := newTestServer(t)

	conn := dial(t, ts.url+"/ws/agent/ghost")
	assert.Equal(t, hub.CloseCodeUnregistered, readCloseCode(t, conn))
}

func TestViewerRejectedWithInvalidCredential(t *testing.T) {
	ts := newTestServer(t)

	conn := dial(t, ts.url+"/ws/view/dev-1?token=garbage")
	assert.Equal(t, hub.CloseCodeInvalidCredential, readCloseCode(t, conn))
}

func TestViewerRejectedWhenAgentOffline(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	conn := dial(t, ts.url+"/ws/view/dev-1?token="+ts.token(t, "alice"))
	assert.Equal(t, hub.CloseCodeAgentOffline, readCloseCode(t, conn))
}

func TestFrameRelayEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	// 采集端接入并上报两块屏幕
	pub := dial(t, ts.url+"/ws/agent/dev-1")
	require.NoError(t, pub.WriteMessage(gws.TextMessage, []byte(`{"type":"meta","screens":2}`)))

	// 两个观看端分别请求屏幕 0 和 1，接入先收到元信息
	viewerA := dial(t, ts.url+"/ws/view/dev-1?screen=0&token="+ts.token(t, "alice"))
	msgType, data := readMessage(t, viewerA)
	require.Equal(t, gws.TextMessage, msgType)

	var meta hub.MetaMessage
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "meta", meta.Type)

	viewerB := dial(t, ts.url+"/ws/view/dev-1?screen=1&token="+ts.token(t, "bob"))
	_, _ = readMessage(t, viewerB) // 元信息

	// 发布两块屏幕的帧
	jpegA := []byte("jpeg_A")
	jpegB := []byte("jpeg_B")
	require.NoError(t, pub.WriteMessage(gws.BinaryMessage, append([]byte{0x00}, jpegA...)))
	require.NoError(t, pub.WriteMessage(gws.BinaryMessage, append([]byte{0x01}, jpegB...)))

	// 每个观看端只收到自己请求的屏幕，且不带索引前缀
	msgType, data = readMessage(t, viewerA)
	assert.Equal(t, gws.BinaryMessage, msgType)
	assert.Equal(t, jpegA, data)

	msgType, data = readMessage(t, viewerB)
	assert.Equal(t, gws.BinaryMessage, msgType)
	assert.Equal(t, jpegB, data)
}

func TestViewerClosedWhenPublisherLeaves(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	pub := dial(t, ts.url+"/ws/agent/dev-1")
	viewer := dial(t, ts.url+"/ws/view/dev-1?token="+ts.token(t, "alice"))
	_, _ = readMessage(t, viewer) // 元信息

	require.NoError(t, pub.Close())

	assert.Equal(t, hub.CloseCodeAgentDisconnected, readCloseCode(t, viewer))
}

func TestSecondPublisherEvictsFirst(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	first := dial(t, ts.url+"/ws/agent/dev-1")
	_ = dial(t, ts.url+"/ws/agent/dev-1")

	assert.Equal(t, hub.CloseCodeAgentDisconnected, readCloseCode(t, first))
}

func TestScreensQuery(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	pub := dial(t, ts.url+"/ws/agent/dev-1")
	require.NoError(t, pub.WriteMessage(gws.TextMessage, []byte(`{"type":"meta","screens":3}`)))

	req, err := http.NewRequest(http.MethodGet, ts.httpURL()+"/api/devices/dev-1/screens", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "alice"))

	// 元信息异步生效，轮询直到屏幕数可见
	require.Eventually(t, func() bool {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var body struct {
			Data ScreensResponse `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Data.Screens == 3
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScreensQueryRequiresCredential(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.httpURL() + "/api/devices/dev-1/screens")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnnotationRelayEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	devAnnot := dial(t, ts.url+"/ws/agent/dev-1/annotate")
	viewerAnnot := dial(t, ts.url+"/ws/view/dev-1/annotate?token="+ts.token(t, "alice"))

	// 通道接入是异步的，重发直到对端开始收到
	payload := []byte(`{"op":"stroke_add","x":0.5,"y":0.25,"ts":1}`)
	received := make(chan []byte, 1)
	go func() {
		_ = viewerAnnot.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := viewerAnnot.ReadMessage()
		if err == nil {
			received <- data
		}
	}()

	var got []byte
	require.Eventually(t, func() bool {
		_ = devAnnot.WriteMessage(gws.TextMessage, payload)
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, payload, got)
}

func TestManyViewersFanOut(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "dev-1")

	pub := dial(t, ts.url+"/ws/agent/dev-1")

	const viewers = 5
	conns := make([]*gws.Conn, viewers)
	for i := range conns {
		conns[i] = dial(t, fmt.Sprintf("%s/ws/view/dev-1?screen=0&token=%s", ts.url, ts.token(t, fmt.Sprintf("viewer-%d", i))))
		_, _ = readMessage(t, conns[i]) // 元信息
	}

	frame := []byte("broadcast")
	require.NoError(t, pub.WriteMessage(gws.BinaryMessage, append([]byte{0x00}, frame...)))

	for _, c := range conns {
		_, data := readMessage(t, c)
		assert.Equal(t, frame, data)
	}
}
