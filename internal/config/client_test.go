package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerHost:        "tunnel.example.com",
		ServerPort:        7000,
		AuthToken:         "secret",
		Tunnels:           []TunnelConfig{{Name: "web", RemotePort: 9000, LocalPort: 8080}},
		ReconnectAttempts: 0,
		ReconnectDelayRaw: 5,
		LogLevel:          "info",
	}
}

func TestClientConfigValidate_Valid(t *testing.T) {
	cfg := validClientConfig()
	assert.NoError(t, cfg.Validate())
}

func TestClientConfigValidate_EmptyServerHost(t *testing.T) {
	cfg := validClientConfig()
	cfg.ServerHost = ""
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_InvalidServerPort(t *testing.T) {
	cfg := validClientConfig()
	cfg.ServerPort = 0
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_NoTunnels(t *testing.T) {
	cfg := validClientConfig()
	cfg.Tunnels = nil
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_InvalidLocalPort(t *testing.T) {
	cfg := validClientConfig()
	cfg.Tunnels = []TunnelConfig{{Name: "web", RemotePort: 9000, LocalPort: 0}}
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_InvalidRemotePort(t *testing.T) {
	cfg := validClientConfig()
	cfg.Tunnels = []TunnelConfig{{Name: "web", RemotePort: 0, LocalPort: 8080}}
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_DuplicateTunnelName(t *testing.T) {
	cfg := validClientConfig()
	cfg.Tunnels = []TunnelConfig{
		{Name: "web", RemotePort: 9000, LocalPort: 8080},
		{Name: "web", RemotePort: 9001, LocalPort: 8081},
	}
	assert.Error(t, cfg.Validate())
}

func TestClientConfigValidate_NegativeReconnectAttempts(t *testing.T) {
	cfg := validClientConfig()
	cfg.ReconnectAttempts = -1
	assert.Error(t, cfg.Validate())
}

func TestTunnelConfigLocalAddress(t *testing.T) {
	tun := TunnelConfig{Name: "web", RemotePort: 9000, LocalPort: 8080}
	assert.Equal(t, "127.0.0.1:8080", tun.LocalAddress())
}

func TestParseTunnels_Single(t *testing.T) {
	tunnels, err := ParseTunnels("9000:8080:web")
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	assert.Equal(t, TunnelConfig{Name: "web", RemotePort: 9000, LocalPort: 8080}, tunnels[0])
}

func TestParseTunnels_Multiple(t *testing.T) {
	tunnels, err := ParseTunnels("9000:8080:web, 2222:22:ssh")
	require.NoError(t, err)
	require.Len(t, tunnels, 2)
	assert.Equal(t, "web", tunnels[0].Name)
	assert.Equal(t, "ssh", tunnels[1].Name)
}

func TestParseTunnels_Empty(t *testing.T) {
	tunnels, err := ParseTunnels("")
	require.NoError(t, err)
	assert.Nil(t, tunnels)
}

func TestParseTunnels_MalformedSpec(t *testing.T) {
	_, err := ParseTunnels("9000:8080")
	assert.Error(t, err)

	_, err = ParseTunnels("abc:8080:web")
	assert.Error(t, err)
}

func TestLoadClientConfig_Defaults(t *testing.T) {
	t.Setenv("SERVER_HOST", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("TUNNELS", "9000:8080:web")

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.ServerHost)
	assert.Equal(t, 7000, cfg.ServerPort)
	assert.Equal(t, 5*1e9, float64(cfg.ReconnectDelay))
	require.Len(t, cfg.Tunnels, 1)
	assert.Equal(t, "web", cfg.Tunnels[0].Name)
}

func TestLoadClientConfig_FromEnv(t *testing.T) {
	t.Setenv("SERVER_HOST", "tunnel.example.com")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("AUTH_TOKEN", "tok")
	t.Setenv("TUNNELS", "9000:8080:web,2222:22:ssh")
	t.Setenv("RECONNECT_ATTEMPTS", "10")
	t.Setenv("RECONNECT_DELAY", "3")

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, "tunnel.example.com", cfg.ServerHost)
	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, "tok", cfg.AuthToken)
	assert.Equal(t, 10, cfg.ReconnectAttempts)
	assert.Equal(t, 3*1e9, float64(cfg.ReconnectDelay))
	require.Len(t, cfg.Tunnels, 2)
}

func TestLoadClientConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/client.yaml"
	content := "server_host: tunnel.example.com\nserver_port: 8001\ntunnels: \"9000:8080:web\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tunnel.example.com", cfg.ServerHost)
	assert.Equal(t, 8001, cfg.ServerPort)
	require.Len(t, cfg.Tunnels, 1)
}
