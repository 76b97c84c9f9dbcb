package utils_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/mocks"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/file"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
upstream:
  hostname: tunnel.test
tunnel_config: tunnels.json
`)
	cfg, err := utils.LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultUpstreamPort, cfg.Upstream.Port)
	assert.Equal(t, "tls", cfg.Upstream.Transport)
	assert.Equal(t, constants.DefaultDialTimeout, cfg.Upstream.DialTimeout)
	assert.Equal(t, constants.DefaultMinBackoff, cfg.Reconnect.MinBackoff)
	assert.Equal(t, constants.DefaultMaxBackoff, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, constants.DefaultPairRetryDelay, cfg.Pairing.RetryDelay)
	assert.Equal(t, constants.DefaultListenAddress, cfg.Forwarding.ListenAddress)
	assert.Equal(t, constants.DefaultKeepaliveLimit, cfg.Keepalive.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Status.Interval)
}

func TestLoadConfig_Durations(t *testing.T) {
	path := writeFile(t, "config.yaml", `
upstream:
  hostname: tunnel.test
  port: 9000
  dial_timeout: 2s
tunnel_config: tunnels.json
reconnect:
  min_backoff: 500ms
  max_backoff: 30s
keepalive:
  interval: 10s
  timeout: 25s
status:
  enabled: true
  broker: tcp://localhost:1883
  topic: devices/gw
  metrics:
    tunnels: true
`)
	cfg, err := utils.LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Upstream.Port)
	assert.Equal(t, 2*time.Second, cfg.Upstream.DialTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.MinBackoff)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, 25*time.Second, cfg.Keepalive.Timeout)
	assert.True(t, cfg.Status.Metrics.MonitorTunnels)
	assert.False(t, cfg.Status.Metrics.MonitorProcess)
}

func TestLoadConfig_UnknownField(t *testing.T) {
	path := writeFile(t, "config.yaml", `
upstream:
  hostname: tunnel.test
  hostnmae: typo
tunnel_config: tunnels.json
`)
	_, err := utils.LoadConfig(path, file.NewFileService())
	assert.Error(t, err)
}

func TestLoadConfig_ReadError(t *testing.T) {
	files := new(mocks.MockFileOperations)
	files.On("ReadYamlFile", "missing.yaml", mock.Anything).Return(errors.New("no such file"))

	_, err := utils.LoadConfig("missing.yaml", files)
	assert.EqualError(t, err, "no such file")
	files.AssertExpectations(t)
}

func validConfig() *utils.Config {
	cfg := &utils.Config{}
	cfg.Upstream.Hostname = "tunnel.test"
	cfg.Upstream.Port = 17040
	cfg.Upstream.Transport = "tls"
	cfg.TunnelConfig = "tunnels.json"
	cfg.Reconnect.MinBackoff = time.Second
	cfg.Reconnect.MaxBackoff = time.Minute
	cfg.Keepalive.Interval = 30 * time.Second
	cfg.Keepalive.Timeout = 90 * time.Second
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*utils.Config)
		wantErr string
	}{
		{"valid", func(*utils.Config) {}, ""},
		{"missing hostname", func(c *utils.Config) { c.Upstream.Hostname = "" }, "upstream.hostname is required"},
		{"port out of range", func(c *utils.Config) { c.Upstream.Port = 70000 }, "out of range"},
		{"unknown transport", func(c *utils.Config) { c.Upstream.Transport = "quic" }, "unknown upstream.transport"},
		{"ssh without key", func(c *utils.Config) { c.Upstream.Transport = "ssh" }, "private_key_path"},
		{"missing tunnel config", func(c *utils.Config) { c.TunnelConfig = "" }, "tunnel_config is required"},
		{"inverted backoff", func(c *utils.Config) { c.Reconnect.MinBackoff = time.Hour }, "exceeds max_backoff"},
		{"keepalive timeout too short", func(c *utils.Config) { c.Keepalive.Timeout = time.Second }, "keepalive.timeout"},
		{"status without broker", func(c *utils.Config) { c.Status.Enabled = true }, "status.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTunnelFile(t *testing.T) {
	path := writeFile(t, "tunnels.json", `{
  "username": "acme",
  "password": "secret",
  "device": "gw",
  "type": "client",
  "tunnels": [{"cloud": "acme", "device": "plc", "port": 502, "port_local": 15020}],
  "allow": [22, 80]
}`)
	tf, err := utils.LoadTunnelFile(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, models.Credentials{Username: "acme", Password: "secret", Device: "gw"}, tf.Credentials())
	assert.Equal(t, "client", tf.Type)
	require.Len(t, tf.Tunnels, 1)
	assert.Equal(t, "acme/plc:502", tf.Tunnels[0].Key())
	assert.Equal(t, []int{22, 80}, tf.Allow)
}

func TestLoadTunnelFile_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing device":    `{"username": "acme"}`,
		"duplicate allow":   `{"username": "acme", "device": "gw", "allow": [22, 22]}`,
		"trailing document": `{"username": "acme", "device": "gw"} {}`,
		"not json":          `username: acme`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := utils.LoadTunnelFile(writeFile(t, "tunnels.json", content), file.NewFileService())
			assert.Error(t, err)
		})
	}
}

func TestLoadTunnelFile_ReadError(t *testing.T) {
	files := new(mocks.MockFileOperations)
	files.On("ReadJsonFile", "tunnels.json", mock.Anything).Return(errors.New("permission denied"))

	_, err := utils.LoadTunnelFile("tunnels.json", files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}
