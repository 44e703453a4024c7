package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

// startEchoServer 启动回显服务，返回 ws:// 地址
func startEchoServer(t *testing.T) string {
	t.Helper()

	up := NewUpgrader(nil, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		conn.ReadLoop(func(c *Connection, msg *Message) error {
			return c.SendAsync(msg)
		})
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialAndEcho(t *testing.T) {
	url := startEchoServer(t)

	client := NewClient(nil, logger.Nop())
	conn, err := client.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan *Message, 1)
	go conn.ReadLoop(func(c *Connection, msg *Message) error {
		received <- msg
		return nil
	})

	require.NoError(t, conn.SendAsync(NewBinaryMessage([]byte{0x01, 0xab})))

	select {
	case msg := <-received:
		assert.Equal(t, MessageTypeBinary, msg.Type)
		assert.Equal(t, []byte{0x01, 0xab}, msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}
}

func TestDialInvalidURL(t *testing.T) {
	client := NewClient(nil, logger.Nop())
	_, err := client.Dial(context.Background(), "http://example.com", nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestCloseCodePropagation(t *testing.T) {
	const testCode = 4003

	up := NewUpgrader(nil, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		// 直接用业务关闭码关闭
		_ = conn.CloseWithCode(testCode, "agent disconnected")
		assert.Equal(t, testCode, conn.CloseCode())
	}))
	defer srv.Close()

	client := NewClient(nil, logger.Nop())
	conn, err := client.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		conn.ReadLoop(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit on close")
	}

	assert.Equal(t, testCode, conn.CloseCode())
	assert.True(t, conn.IsClosed())
}

func TestSendAsyncQueueFull(t *testing.T) {
	url := startEchoServer(t)

	client := NewClient(&ClientConfig{
		DialTimeout:   5 * time.Second,
		SendQueueSize: 1,
		WriteTimeout:  5 * time.Second,
	}, logger.Nop())
	conn, err := client.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 队列长度为 1：灌满后必然出现 ErrSendQueueFull
	var sawFull bool
	for i := 0; i < 1024; i++ {
		if err := conn.SendAsync(NewBinaryMessage(make([]byte, 1))); err != nil {
			assert.ErrorIs(t, err, ErrSendQueueFull)
			sawFull = true
			break
		}
	}
	assert.True(t, sawFull)
}

func TestSendAfterClose(t *testing.T) {
	url := startEchoServer(t)

	client := NewClient(nil, logger.Nop())
	conn, err := client.Dial(context.Background(), url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.SendAsync(NewTextMessageString("x")), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Send(context.Background(), NewTextMessageString("x")), ErrConnectionClosed)
}
