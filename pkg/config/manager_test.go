package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayTestConfig 测试配置结构
type relayTestConfig struct {
	Web struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"web"`
	Relay struct {
		InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	} `mapstructure:"relay"`
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestManagerLoadFile(t *testing.T) {
	path := writeTestConfig(t, `
web:
  port: 8080
  mode: release
relay:
  inactivity_timeout: 60s
`)

	mgr := NewManager()
	require.NoError(t, mgr.LoadFile(path))

	var cfg relayTestConfig
	require.NoError(t, mgr.Unmarshal(&cfg))

	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "release", cfg.Web.Mode)
	assert.Equal(t, 60*time.Second, cfg.Relay.InactivityTimeout)
}

func TestManagerLoadFileMissing(t *testing.T) {
	mgr := NewManager()
	assert.Error(t, mgr.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestManagerUnmarshalKey(t *testing.T) {
	path := writeTestConfig(t, `
web:
  port: 9090
`)

	mgr := NewManager()
	require.NoError(t, mgr.LoadFile(path))

	var port int
	require.NoError(t, mgr.UnmarshalKey("web.port", &port))
	assert.Equal(t, 9090, port)
	assert.True(t, mgr.IsSet("web.port"))
	assert.False(t, mgr.IsSet("web.tls"))
}

func TestManagerDefaults(t *testing.T) {
	path := writeTestConfig(t, `web: {port: 1}`)

	mgr := NewManager(WithDefaults(map[string]any{
		"relay.inactivity_timeout": "60s",
	}))
	require.NoError(t, mgr.LoadFile(path))

	var cfg relayTestConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, 60*time.Second, cfg.Relay.InactivityTimeout)
}

func TestMergeConfig(t *testing.T) {
	type inner struct {
		A int
		B string
	}
	type outer struct {
		Name  string
		Limit int
		Sub   inner
		Tags  []string
	}

	dst := &outer{Name: "default", Limit: 10, Sub: inner{A: 1, B: "x"}}
	src := &outer{Limit: 20, Sub: inner{B: "y"}, Tags: []string{"t"}}

	merged, err := MergeConfig(dst, src)
	require.NoError(t, err)

	assert.Equal(t, "default", merged.Name) // src 为零值，保留默认
	assert.Equal(t, 20, merged.Limit)
	assert.Equal(t, 1, merged.Sub.A)
	assert.Equal(t, "y", merged.Sub.B)
	assert.Equal(t, []string{"t"}, merged.Tags)
}

func TestMergeConfigNil(t *testing.T) {
	type cfg struct{ A int }

	_, err := MergeConfig[cfg](nil, nil)
	assert.Error(t, err)

	c := &cfg{A: 5}
	got, err := MergeConfig(nil, c)
	require.NoError(t, err)
	assert.Same(t, c, got)

	got, err = MergeConfig(c, nil)
	require.NoError(t, err)
	assert.Same(t, c, got)
}
