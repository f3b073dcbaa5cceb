package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mephistofox/revtun/internal/client"
	"github.com/mephistofox/revtun/internal/config"
)

// TestEndToEnd_ClientServerSplice wires a real Client against a real
// Server over loopback sockets: the client registers a tunnel fronting
// a local echo service, and an external dial against the server's
// public port must round-trip through the full control-channel
// rendezvous and data-channel splice.
func TestEndToEnd_ClientServerSplice(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	localPort := echoLn.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := echoLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	controlPort := freePort(t)
	remotePort := freePort(t)

	srvCfg := DefaultConfig()
	srvCfg.Host = "127.0.0.1"
	srvCfg.ControlPort = controlPort
	srvCfg.ClientDataHost = "127.0.0.1"

	srv := New(srvCfg, zerolog.Nop())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	cliCfg := &config.ClientConfig{
		ServerHost:        "127.0.0.1",
		ServerPort:        controlPort,
		Tunnels:           []config.TunnelConfig{{Name: "e2e", RemotePort: remotePort, LocalPort: localPort}},
		ReconnectAttempts: 1,
		ReconnectDelay:    100 * time.Millisecond,
	}
	cli := client.New(cliCfg, zerolog.Nop())
	go cli.Run()
	defer cli.Close()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(remotePort)), 200*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, err, "tunnel never became reachable")
	defer conn.Close()

	_, err = conn.Write([]byte("hello tunnel"))
	require.NoError(t, err)

	buf := make([]byte, len("hello tunnel"))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello tunnel", string(buf))
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

