package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchdesk/watchdesk/pkg/logger"
	"github.com/watchdesk/watchdesk/pkg/websocket"
)

// fakeSource 固定两块屏幕的画面来源
type fakeSource struct{}

func (fakeSource) Screens() int { return 2 }

func (fakeSource) Capture(_ context.Context, screen int) ([]byte, error) {
	return []byte{0xff, 0xd8, byte(screen)}, nil
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(&Config{
		ServerURL:        "ws://127.0.0.1:1",
		AgentID:          "dev-1",
		Name:             "workstation",
		RegisterInterval: 10 * time.Millisecond,
		ReconnectDelay:   10 * time.Millisecond,
		FrameInterval:    20 * time.Millisecond,
	}, fakeSource{}, logger.Nop())
	require.NoError(t, err)
	return m
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{AgentID: "dev-1"}, fakeSource{}, logger.Nop())
	assert.Error(t, err)

	_, err = New(&Config{ServerURL: "ws://x", AgentID: "dev-1"}, nil, logger.Nop())
	assert.Error(t, err)
}

func TestRegistrationRetriesUntilSuccess(t *testing.T) {
	m := newTestMachine(t)

	var attempts atomic.Int32
	m.registerFn = func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("relay unreachable")
		}
		return nil
	}

	registered := make(chan struct{})
	m.dialFn = func(context.Context) (*websocket.Connection, error) {
		select {
		case <-registered:
		default:
			close(registered)
		}
		return nil, errors.New("dial refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	// 注册固定间隔重试，第三次成功后进入连接阶段
	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("machine never reached connecting state")
	}
	assert.EqualValues(t, 3, attempts.Load())

	cancel()
	<-done
	assert.Equal(t, StateStopped, m.State())
}

// captureServer 记录采集端消息的测试中继
type captureServer struct {
	url string

	mu     sync.Mutex
	metas  []int
	frames [][]byte
	conns  []*websocket.Connection
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}

	up := websocket.NewUpgrader(nil, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()

		conn.ReadLoop(func(_ *websocket.Connection, msg *websocket.Message) error {
			cs.mu.Lock()
			defer cs.mu.Unlock()
			if msg.Type == websocket.MessageTypeText {
				var meta struct {
					Screens int `json:"screens"`
				}
				if err := json.Unmarshal(msg.Data, &meta); err == nil {
					cs.metas = append(cs.metas, meta.Screens)
				}
			} else {
				cs.frames = append(cs.frames, msg.Data)
			}
			return nil
		})
	}))
	t.Cleanup(srv.Close)

	cs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return cs
}

func (cs *captureServer) frameCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.frames)
}

func (cs *captureServer) connCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

func (cs *captureServer) closeAll(code int, reason string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, c := range cs.conns {
		_ = c.CloseWithCode(code, reason)
	}
}

func TestStreamingSendsMetaAndFrames(t *testing.T) {
	cs := newCaptureServer(t)

	m, err := New(&Config{
		ServerURL:        cs.url,
		AgentID:          "dev-1",
		RegisterInterval: 10 * time.Millisecond,
		ReconnectDelay:   10 * time.Millisecond,
		FrameInterval:    20 * time.Millisecond,
	}, fakeSource{}, logger.Nop())
	require.NoError(t, err)
	m.registerFn = func(context.Context) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	// 先到元信息，随后按间隔推帧
	require.Eventually(t, func() bool {
		return cs.frameCount() >= 4
	}, 3*time.Second, 10*time.Millisecond)

	cs.mu.Lock()
	require.Equal(t, []int{2}, cs.metas)
	// 帧带 1 字节屏幕索引前缀，两块屏幕轮流
	assert.Equal(t, byte(0), cs.frames[0][0])
	assert.Equal(t, byte(1), cs.frames[1][0])
	assert.Equal(t, []byte{0xff, 0xd8, 0x00}, cs.frames[0][1:])
	cs.mu.Unlock()

	cancel()
	<-done
}

func TestReconnectAfterRelayCloses(t *testing.T) {
	cs := newCaptureServer(t)

	m, err := New(&Config{
		ServerURL:        cs.url,
		AgentID:          "dev-1",
		RegisterInterval: 10 * time.Millisecond,
		ReconnectDelay:   20 * time.Millisecond,
		FrameInterval:    20 * time.Millisecond,
	}, fakeSource{}, logger.Nop())
	require.NoError(t, err)
	m.registerFn = func(context.Context) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cs.connCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// 中继关闭连接（如被新连接顶替），固定延迟后重连
	cs.closeAll(4003, "agent disconnected")

	require.Eventually(t, func() bool { return cs.connCount() >= 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, StateStopped, m.State())
}
