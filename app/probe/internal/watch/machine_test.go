package watch

import (
	"context"
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

// recordHandler 记录回调的 Handler 实现
type recordHandler struct {
	mu      sync.Mutex
	screens []int
	frames  [][]byte
}

func (h *recordHandler) OnMeta(screens int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.screens = append(h.screens, screens)
}

func (h *recordHandler) OnFrame(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, data)
}

func (h *recordHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// fakeRelay 行为可定制的测试中继
type fakeRelay struct {
	url   string
	dials atomic.Int32
}

func newFakeRelay(t *testing.T, behave func(conn *websocket.Connection)) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}

	up := websocket.NewUpgrader(nil, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		fr.dials.Add(1)
		behave(conn)
		conn.ReadLoop(nil)
	}))
	t.Cleanup(srv.Close)

	fr.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fr
}

func newTestMachine(t *testing.T, serverURL string, handler Handler, cfg *Config) *Machine {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ServerURL = serverURL
	cfg.AgentID = "dev-1"
	if cfg.FastRetries == 0 {
		cfg.FastRetries = 2
	}
	if cfg.FastRetryDelay == 0 {
		cfg.FastRetryDelay = 10 * time.Millisecond
	}
	if cfg.SlowRetryDelay == 0 {
		cfg.SlowRetryDelay = time.Hour
	}
	if cfg.FirstFrameTimeout == 0 {
		cfg.FirstFrameTimeout = 3 * time.Second
	}

	m, err := New(cfg, handler, logger.Nop())
	require.NoError(t, err)
	return m
}

func runMachine(t *testing.T, m *Machine) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	return func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("machine did not stop")
		}
	}
}

func TestGoesLiveOnFirstFrame(t *testing.T) {
	handler := &recordHandler{}
	relay := newFakeRelay(t, func(conn *websocket.Connection) {
		_ = conn.SendAsync(websocket.NewTextMessageString(`{"type":"meta","screens":2}`))
		_ = conn.SendAsync(websocket.NewBinaryMessage([]byte("jpeg_A")))
	})

	m := newTestMachine(t, relay.url, handler, nil)
	stop := runMachine(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return m.State() == StateLive && handler.frameCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	assert.Equal(t, []int{2}, handler.screens)
	assert.Equal(t, []byte("jpeg_A"), handler.frames[0])
	handler.mu.Unlock()
}

func TestFastRetriesThenOff(t *testing.T) {
	// 中继始终以 agent offline 拒绝
	relay := newFakeRelay(t, func(conn *websocket.Connection) {
		_ = conn.CloseWithCode(closeCodeAgentOffline, "agent offline")
	})

	m := newTestMachine(t, relay.url, nil, &Config{FastRetries: 2})
	stop := runMachine(t, m)
	defer stop()

	// 首次 + 两次快速重试后转入慢速档
	require.Eventually(t, func() bool {
		return m.State() == StateOff
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, relay.dials.Load())
}

func TestAgentDisconnectTriggersFastRetry(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Connection) {
		_ = conn.SendAsync(websocket.NewBinaryMessage([]byte("frame")))
		time.Sleep(20 * time.Millisecond)
		_ = conn.CloseWithCode(closeCodeAgentDisconnected, "agent disconnected")
	})

	m := newTestMachine(t, relay.url, &recordHandler{}, nil)
	stop := runMachine(t, m)
	defer stop()

	// 断开后快速重连
	require.Eventually(t, func() bool {
		return relay.dials.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFirstFrameTimeoutForcesReconnect(t *testing.T) {
	// 接入成功但一直不给帧
	relay := newFakeRelay(t, func(*websocket.Connection) {})

	m := newTestMachine(t, relay.url, nil, &Config{FirstFrameTimeout: 50 * time.Millisecond})
	stop := runMachine(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return relay.dials.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDialFailureGoesSlow(t *testing.T) {
	m := newTestMachine(t, "ws://127.0.0.1:1", nil, nil)

	var dials atomic.Int32
	m.dialFn = func(context.Context) (*websocket.Connection, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	stop := runMachine(t, m)
	defer stop()

	// 网络拒绝不是瞬时故障，直接转入慢速档
	require.Eventually(t, func() bool {
		return m.State() == StateOff
	}, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, dials.Load())
}

func TestStopsOnCancel(t *testing.T) {
	relay := newFakeRelay(t, func(conn *websocket.Connection) {
		_ = conn.SendAsync(websocket.NewBinaryMessage([]byte("frame")))
	})

	m := newTestMachine(t, relay.url, &recordHandler{}, nil)
	stop := runMachine(t, m)
	stop()

	assert.Equal(t, StateStopped, m.State())
}
