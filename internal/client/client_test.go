package client

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mephistofox/revtun/internal/config"
	"github.com/mephistofox/revtun/internal/protocol"
)

func newTestClient(cfg *config.ClientConfig) *Client {
	if cfg == nil {
		cfg = &config.ClientConfig{ServerHost: "localhost", ServerPort: 7000, AuthToken: "tok"}
	}
	return New(cfg, zerolog.Nop())
}

func TestClient_ServerAddr(t *testing.T) {
	c := newTestClient(&config.ClientConfig{ServerHost: "example.com", ServerPort: 9000})
	if got := c.serverAddr(); got != "example.com:9000" {
		t.Fatalf("unexpected server addr: %s", got)
	}
}

func TestBackoffWithJitter_Bounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		d := backoffWithJitter(base)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered backoff out of bounds: %v", d)
		}
	}
}

func TestClient_Authenticate_Success(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := newTestClient(nil)
	codec := protocol.NewCodec(a, a)

	serverCodec := protocol.NewCodec(b, b)
	go func() {
		_, _, _ = serverCodec.DecodeRaw() // read the auth message
		_ = serverCodec.Encode(&protocol.AuthSuccessMessage{
			Message:  protocol.NewMessage(protocol.MsgAuthSuccess),
			ClientID: "client-123",
		})
	}()

	if err := c.authenticate(a, codec); err != nil {
		t.Fatalf("expected successful auth, got: %v", err)
	}
	if c.clientID != "client-123" {
		t.Fatalf("expected clientID to be set, got %q", c.clientID)
	}
}

func TestClient_Authenticate_Rejected(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := newTestClient(nil)
	codec := protocol.NewCodec(a, a)

	serverCodec := protocol.NewCodec(b, b)
	go func() {
		_, _, _ = serverCodec.DecodeRaw()
		_ = serverCodec.Encode(&protocol.AuthFailedMessage{
			Message: protocol.NewMessage(protocol.MsgAuthFailed),
			Reason:  "invalid token",
		})
	}()

	err := c.authenticate(a, codec)
	if err == nil {
		t.Fatal("expected authentication error")
	}
}

func TestClient_RegisterTunnels_SendsSpec(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cfg := &config.ClientConfig{
		ServerHost: "localhost",
		ServerPort: 7000,
		Tunnels:    []config.TunnelConfig{{Name: "web", RemotePort: 9000, LocalPort: 8080}},
	}
	c := newTestClient(cfg)
	codec := protocol.NewCodec(a, a)

	recv := make(chan *protocol.RegisterTunnelsMessage, 1)
	go func() {
		var msg protocol.RegisterTunnelsMessage
		_ = protocol.NewCodec(b, b).Decode(&msg)
		recv <- &msg
	}()

	if err := c.registerTunnels(codec); err != nil {
		t.Fatalf("registerTunnels failed: %v", err)
	}

	select {
	case msg := <-recv:
		if len(msg.Tunnels) != 1 || msg.Tunnels[0].Name != "web" {
			t.Fatalf("unexpected tunnel spec: %+v", msg.Tunnels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for register_tunnels message")
	}
}

func TestClient_AcceptNewConnection_SplicesData(t *testing.T) {
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start local listener: %v", err)
	}
	defer localLn.Close()
	localPort := localLn.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := localLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	a, b := net.Pipe()
	defer a.Close()

	c := newTestClient(nil)
	c.controlCodec = protocol.NewCodec(a, a)

	readyCh := make(chan *protocol.ConnectionReadyMessage, 1)
	go func() {
		serverCodec := protocol.NewCodec(b, b)
		var msg protocol.ConnectionReadyMessage
		if err := serverCodec.Decode(&msg); err == nil {
			readyCh <- &msg
		}
	}()

	go c.acceptNewConnection(&protocol.NewConnectionMessage{
		Message:      protocol.NewMessage(protocol.MsgNewConnection),
		ConnectionID: "conn-1",
		LocalPort:    localPort,
	})

	var ready *protocol.ConnectionReadyMessage
	select {
	case ready = <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection_ready")
	}

	dataConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ready.DataPort)))
	if err != nil {
		t.Fatalf("failed to dial client data listener: %v", err)
	}
	defer dataConn.Close()

	if _, err := dataConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 5)
	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := dataConn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected echo of 'hello', got %q", string(buf[:n]))
	}
}
