// Package client implements the NAT'd half of the reverse TCP tunnel: it
// dials the Server's control port, registers tunnels, and answers
// new_connection rendezvous requests by dialing the local service and
// handing the Server a one-shot data socket to splice against.
package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mephistofox/revtun/internal/config"
	"github.com/mephistofox/revtun/internal/protocol"
	"github.com/mephistofox/revtun/internal/transport"
)

const (
	yamuxMaxStreamWindowSize    = 4 * 1024 * 1024
	yamuxKeepAliveInterval      = 10 * time.Second
	yamuxConnectionWriteTimeout = 30 * time.Second

	dialTimeout           = 30 * time.Second
	authResponseTimeout   = 10 * time.Second
	keepaliveInterval     = 30 * time.Second
	pongTimeout           = 3 * keepaliveInterval
	localDialTimeout      = 5 * time.Second
	dataListenerDeadline  = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	maxReconnectBackoff   = 60 * time.Second
)

// Client is the tunnel client: one control channel plus the local data
// acceptors it spawns per rendezvous request.
type Client struct {
	cfg *config.ClientConfig
	log zerolog.Logger

	mu            sync.Mutex // guards conn/session/controlStream/controlCodec/stopCh
	conn          net.Conn
	session       transport.Session
	controlStream transport.Stream
	controlCodec  *protocol.Codec
	stopCh        chan struct{} // closed to unblock the current generation's keepalive

	clientID string

	ctx       context.Context
	cancel    context.CancelFunc
	connWG    sync.WaitGroup // tracks the current generation's handleMessages+keepalive
	wg        sync.WaitGroup // tracks reconnectLoop's lifetime
	lastPong  atomic.Int64
	reconnect atomic.Bool
	closeOnce sync.Once
}

// New constructs a Client. Run must be called to dial the server.
func New(cfg *config.ClientConfig, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "client").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run connects, registers tunnels, and blocks until the client is closed
// or permanently gives up reconnecting.
func (c *Client) Run() error {
	if err := c.connect(); err != nil {
		return err
	}
	<-c.ctx.Done()
	c.connWG.Wait()
	c.wg.Wait()
	return nil
}

func (c *Client) serverAddr() string {
	return fmt.Sprintf("%s:%d", c.cfg.ServerHost, c.cfg.ServerPort)
}

func (c *Client) connect() error {
	addr := c.serverAddr()
	c.log.Info().Str("server", addr).Msg("connecting to server")

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	tuneTCPConn(conn)

	yamuxCfg := transport.YamuxConfig{
		MaxStreamWindowSize:    yamuxMaxStreamWindowSize,
		KeepAliveInterval:      yamuxKeepAliveInterval,
		ConnectionWriteTimeout: yamuxConnectionWriteTimeout,
	}
	session, err := transport.NewYamuxSessionWithConfig(conn, false, yamuxCfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create yamux session: %w", err)
	}

	stream, err := session.OpenStream(c.ctx)
	if err != nil {
		session.Close()
		return fmt.Errorf("open control stream: %w", err)
	}
	codec := protocol.NewCodec(stream, stream)

	if err := c.authenticate(stream, codec); err != nil {
		session.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	if err := c.registerTunnels(codec); err != nil {
		session.Close()
		return fmt.Errorf("register tunnels: %w", err)
	}

	stopCh := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.controlStream = stream
	c.controlCodec = codec
	c.stopCh = stopCh
	c.mu.Unlock()

	c.lastPong.Store(time.Now().UnixNano())
	c.reconnect.Store(false)

	c.connWG.Add(2)
	go c.handleMessages(codec)
	go c.keepalive(stopCh)

	c.log.Info().Str("client_id", c.clientID).Msg("connected to server")
	return nil
}

func (c *Client) authenticate(stream transport.Stream, codec *protocol.Codec) error {
	// transport.Stream exposes no deadline methods, so bound the
	// round-trip with a timer that force-closes the stream instead.
	timer := time.AfterFunc(authResponseTimeout, func() { _ = stream.Close() })
	defer timer.Stop()

	if err := codec.Encode(&protocol.AuthMessage{
		Message: protocol.NewMessage(protocol.MsgAuth),
		Token:   c.cfg.AuthToken,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	raw, base, err := codec.DecodeRaw()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}

	switch base.Type {
	case protocol.MsgAuthSuccess:
		msg, err := protocol.ParseMessage(raw, base.Type)
		if err != nil {
			return fmt.Errorf("parse auth_success: %w", err)
		}
		c.clientID = msg.(*protocol.AuthSuccessMessage).ClientID
		return nil
	case protocol.MsgAuthFailed:
		msg, err := protocol.ParseMessage(raw, base.Type)
		if err != nil {
			return fmt.Errorf("parse auth_failed: %w", err)
		}
		return fmt.Errorf("authentication rejected: %s", msg.(*protocol.AuthFailedMessage).Reason)
	default:
		return fmt.Errorf("unexpected response type: %s", base.Type)
	}
}

func (c *Client) registerTunnels(codec *protocol.Codec) error {
	specs := make([]protocol.TunnelSpec, 0, len(c.cfg.Tunnels))
	for _, t := range c.cfg.Tunnels {
		specs = append(specs, protocol.TunnelSpec{Name: t.Name, RemotePort: t.RemotePort, LocalPort: t.LocalPort})
	}

	if err := codec.Encode(&protocol.RegisterTunnelsMessage{
		Message: protocol.NewMessage(protocol.MsgRegisterTunnels),
		Tunnels: specs,
	}); err != nil {
		return fmt.Errorf("send register_tunnels: %w", err)
	}

	for _, t := range c.cfg.Tunnels {
		ProbeLocalAddress(c.log, "", t.LocalPort)
	}

	return nil
}

// sendControl encodes msg on the current generation's control codec. It
// holds mu for the full Encode call, not just the field read, so that a
// concurrently running keepalive ping and a handleMessages pong reply
// can't interleave their writes on the same underlying stream.
func (c *Client) sendControl(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controlCodec == nil {
		return fmt.Errorf("control channel closed")
	}
	return c.controlCodec.Encode(msg)
}

func (c *Client) handleMessages(codec *protocol.Codec) {
	defer c.connWG.Done()

	for {
		raw, base, err := codec.DecodeRaw()
		if err != nil {
			var synErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &synErr) || errors.As(err, &typeErr) {
				c.log.Warn().Err(err).Msg("dropping malformed control message")
				continue
			}
			c.log.Debug().Err(err).Msg("control channel read ended")
			c.handleDisconnect()
			return
		}

		msg, err := protocol.ParseMessage(raw, base.Type)
		if err != nil {
			c.log.Warn().Err(err).Str("type", string(base.Type)).Msg("dropping malformed control message")
			continue
		}

		switch m := msg.(type) {
		case *protocol.TunnelRegisteredMessage:
			for _, t := range m.Tunnels {
				c.log.Info().Str("name", t.Name).Int("remotePort", t.RemotePort).Msg("tunnel registered")
			}
		case *protocol.TunnelFailedMessage:
			for _, t := range m.Tunnels {
				c.log.Error().Str("name", t.Name).Int("remotePort", t.RemotePort).Str("error", t.Error).Msg("tunnel registration failed")
			}
		case *protocol.NewConnectionMessage:
			go c.acceptNewConnection(m)
		case *protocol.StatusResponseMessage:
			c.log.Debug().Int("tunnels", len(m.Tunnels)).Msg("status response received")
		case *protocol.PingMessage:
			_ = c.sendControl(&protocol.PongMessage{Message: protocol.NewMessage(protocol.MsgPong)})
		case *protocol.PongMessage:
			c.lastPong.Store(time.Now().UnixNano())
		default:
			c.log.Warn().Str("type", string(base.Type)).Msg("unexpected message type")
		}
	}
}

// acceptNewConnection implements the client-side half of the rendezvous
// protocol: dial the local service, open a one-shot loopback listener,
// report it back to the server, accept exactly one connection, then
// splice.
func (c *Client) acceptNewConnection(m *protocol.NewConnectionMessage) {
	log := c.log.With().Str("connectionId", m.ConnectionID).Str("clientAddress", m.ClientAddress).Logger()

	local, err := dialLocalWithFallback(log, "", m.LocalPort, localDialTimeout)
	if err != nil {
		log.Warn().Err(err).Int("localPort", m.LocalPort).Msg("failed to connect to local service")
		_ = c.sendControl(&protocol.ConnectionClosedMessage{
			Message:      protocol.NewMessage(protocol.MsgConnectionClosed),
			ConnectionID: m.ConnectionID,
			Reason:       err.Error(),
		})
		return
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Warn().Err(err).Msg("failed to open data listener")
		local.Close()
		_ = c.sendControl(&protocol.ConnectionClosedMessage{
			Message:      protocol.NewMessage(protocol.MsgConnectionClosed),
			ConnectionID: m.ConnectionID,
			Reason:       err.Error(),
		})
		return
	}

	dataPort := ln.Addr().(*net.TCPAddr).Port

	if err := c.sendControl(&protocol.ConnectionReadyMessage{
		Message:      protocol.NewMessage(protocol.MsgConnectionReady),
		ConnectionID: m.ConnectionID,
		DataPort:     dataPort,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to send connection_ready")
		ln.Close()
		local.Close()
		return
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-acceptCh:
		ln.Close()
		if res.err != nil {
			log.Debug().Err(res.err).Msg("data listener accept failed")
			local.Close()
			return
		}
		splice(local, res.conn, log)
	case <-time.After(dataListenerDeadline):
		ln.Close()
		local.Close()
		log.Warn().Msg("timed out waiting for server data dial")
	case <-c.ctx.Done():
		ln.Close()
		local.Close()
	}
}

func (c *Client) keepalive(stopCh chan struct{}) {
	defer c.connWG.Done()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > pongTimeout {
				c.log.Warn().Msg("pong timeout, server appears unresponsive")
				c.handleDisconnect()
				return
			}
			if err := c.sendControl(&protocol.PingMessage{Message: protocol.NewMessage(protocol.MsgPing)}); err != nil {
				c.log.Debug().Err(err).Msg("failed to send ping")
				c.handleDisconnect()
				return
			}
		}
	}
}

func (c *Client) handleDisconnect() {
	if !c.reconnect.CompareAndSwap(false, true) {
		return
	}
	c.log.Warn().Msg("disconnected from server")
	c.wg.Add(1)
	go c.reconnectLoop()
}

func backoffWithJitter(d time.Duration) time.Duration {
	b := make([]byte, 1)
	_, _ = rand.Read(b)
	jitter := 0.8 + float64(b[0])/255.0*0.4 // [0.8, 1.2]
	return time.Duration(float64(d) * jitter)
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	baseDelay := c.cfg.ReconnectDelay
	if baseDelay <= 0 {
		baseDelay = defaultReconnectDelay
	}
	backoff := baseDelay
	attempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		attempts++
		if c.cfg.ReconnectAttempts > 0 && attempts > c.cfg.ReconnectAttempts {
			c.log.Error().Int("attempts", attempts-1).Msg("max reconnect attempts reached, giving up")
			c.Close()
			return
		}

		c.log.Info().Int("attempt", attempts).Dur("backoff", backoff).Msg("attempting to reconnect")
		c.teardownSession()

		if err := c.connect(); err != nil {
			c.log.Warn().Err(err).Msg("reconnect attempt failed")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoffWithJitter(backoff)):
			}
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}

		c.log.Info().Msg("reconnected to server")
		return
	}
}

// teardownSession tears down the current generation's connection and
// waits for its handleMessages/keepalive goroutines to exit before
// returning, so a subsequent connect() never starts a new generation
// while the previous one is still running.
func (c *Client) teardownSession() {
	c.mu.Lock()
	conn, session, stream, stopCh := c.conn, c.session, c.controlStream, c.stopCh
	c.conn, c.session, c.controlStream, c.controlCodec, c.stopCh = nil, nil, nil, nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if stream != nil {
		_ = stream.Close()
	}
	if session != nil {
		_ = session.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	c.connWG.Wait()
}

// Close shuts the client down: stop reconnecting and tear down the control
// channel. Data acceptors still waiting for the server's data dial close
// their listener and local socket; connections already spliced run until
// either side closes. Safe to call more than once, including concurrently
// from reconnectLoop's give-up path.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.teardownSession()
		c.log.Info().Msg("client closed")
	})
}
