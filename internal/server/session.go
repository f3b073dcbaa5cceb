package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mephistofox/revtun/internal/protocol"
	"github.com/mephistofox/revtun/internal/transport"
)

// sessionState is the control-channel authentication state machine.
type sessionState int32

const (
	stateAwaitAuth sessionState = iota
	stateAuthenticated
	stateClosed
)

// ClientSession is one connected Client's control channel plus the
// tunnels it has registered.
type ClientSession struct {
	id        string
	conn      net.Conn
	muxSess   transport.Session
	stream    transport.Stream
	codec     *protocol.Codec
	server    *Server
	log       zerolog.Logger
	started   time.Time

	state atomic.Int32

	mu      sync.Mutex
	tunnels map[int]*Tunnel // keyed by remotePort

	lastPong atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClientSession(conn net.Conn, muxSess transport.Session, stream transport.Stream, srv *Server, log zerolog.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(srv.ctx)
	cs := &ClientSession{
		id:      uuid.NewString(),
		conn:    conn,
		muxSess: muxSess,
		stream:  stream,
		codec:   protocol.NewCodec(stream, stream),
		server:  srv,
		log:     log,
		started: time.Now(),
		tunnels: make(map[int]*Tunnel),
		ctx:     ctx,
		cancel:  cancel,
	}
	cs.lastPong.Store(time.Now().UnixNano())
	return cs
}

// handle runs the full lifecycle of a control channel: authenticate,
// then read and dispatch messages until the connection fails or is
// closed. It always returns after the session is fully torn down.
func (cs *ClientSession) handle() {
	defer cs.Close()

	if err := cs.authenticate(); err != nil {
		cs.log.Warn().Err(err).Msg("control channel authentication failed")
		return
	}

	go cs.keepalive()

	for {
		raw, base, err := cs.codec.DecodeRaw()
		if err != nil {
			var synErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &synErr) || errors.As(err, &typeErr) {
				cs.log.Warn().Err(err).Msg("dropping malformed control message")
				continue
			}
			cs.log.Debug().Err(err).Msg("control channel read ended")
			return
		}

		msg, err := protocol.ParseMessage(raw, base.Type)
		if err != nil {
			cs.log.Warn().Err(err).Str("type", string(base.Type)).Msg("dropping malformed control message")
			continue
		}

		if err := cs.dispatch(msg); err != nil {
			cs.log.Warn().Err(err).Str("type", string(base.Type)).Msg("error handling control message")
		}
	}
}

func (cs *ClientSession) authenticate() error {
	timer := time.AfterFunc(10*time.Second, func() {
		if sessionState(cs.state.Load()) == stateAwaitAuth {
			cs.log.Warn().Msg("auth timeout, closing control channel")
			cs.Close()
		}
	})
	defer timer.Stop()

	raw, base, err := cs.codec.DecodeRaw()
	if err != nil {
		return fmt.Errorf("read auth message: %w", err)
	}
	if base.Type != protocol.MsgAuth {
		return fmt.Errorf("expected auth message, got %s", base.Type)
	}

	msg, err := protocol.ParseMessage(raw, base.Type)
	if err != nil {
		return fmt.Errorf("parse auth message: %w", err)
	}
	auth := msg.(*protocol.AuthMessage)

	if !cs.server.tokenAllowed(auth.Token) {
		_ = cs.codec.Encode(&protocol.AuthFailedMessage{
			Message: protocol.NewMessage(protocol.MsgAuthFailed),
			Reason:  "invalid token",
		})
		return fmt.Errorf("invalid token")
	}

	if err := cs.codec.Encode(&protocol.AuthSuccessMessage{
		Message:  protocol.NewMessage(protocol.MsgAuthSuccess),
		ClientID: cs.id,
	}); err != nil {
		return fmt.Errorf("send auth_success: %w", err)
	}

	cs.state.Store(int32(stateAuthenticated))
	cs.server.addSession(cs)
	return nil
}

func (cs *ClientSession) dispatch(msg any) error {
	switch m := msg.(type) {
	case *protocol.RegisterTunnelsMessage:
		cs.handleRegisterTunnels(m)
	case *protocol.ConnectionReadyMessage:
		cs.handleConnectionReady(m)
	case *protocol.ConnectionClosedMessage:
		cs.handleConnectionClosed(m)
	case *protocol.StatusRequestMessage:
		cs.handleStatusRequest(m)
	case *protocol.PingMessage:
		cs.lastPong.Store(time.Now().UnixNano())
		_ = cs.codec.Encode(&protocol.PongMessage{Message: protocol.NewMessage(protocol.MsgPong)})
	case *protocol.PongMessage:
		cs.lastPong.Store(time.Now().UnixNano())
	default:
		return fmt.Errorf("unexpected message type after auth")
	}
	return nil
}

func (cs *ClientSession) handleRegisterTunnels(m *protocol.RegisterTunnelsMessage) {
	var ok []protocol.TunnelResult
	var failed []protocol.TunnelResult

	for _, spec := range m.Tunnels {
		tun, err := cs.server.registry.Register(cs.id, spec.Name, spec.RemotePort, spec.LocalPort)
		if err != nil {
			failed = append(failed, protocol.TunnelResult{Name: spec.Name, RemotePort: spec.RemotePort, Error: err.Error()})
			continue
		}

		cs.mu.Lock()
		cs.tunnels[spec.RemotePort] = tun
		cs.mu.Unlock()

		go cs.server.acceptOnTunnel(cs, tun)

		ok = append(ok, protocol.TunnelResult{Name: spec.Name, RemotePort: spec.RemotePort})
	}

	if len(ok) > 0 {
		_ = cs.codec.Encode(&protocol.TunnelRegisteredMessage{
			Message: protocol.NewMessage(protocol.MsgTunnelRegistered),
			Tunnels: ok,
		})
	}
	if len(failed) > 0 {
		_ = cs.codec.Encode(&protocol.TunnelFailedMessage{
			Message: protocol.NewMessage(protocol.MsgTunnelFailed),
			Tunnels: failed,
		})
	}
}

func (cs *ClientSession) handleConnectionReady(m *protocol.ConnectionReadyMessage) {
	pc, ok := cs.server.pending.Resolve(m.ConnectionID)
	if !ok {
		cs.log.Debug().Str("connectionId", m.ConnectionID).Msg("connection_ready for unknown or expired connection")
		return
	}

	dataAddr := fmt.Sprintf("%s:%d", cs.server.cfg.ClientDataHost, m.DataPort)
	dataConn, err := net.DialTimeout("tcp", dataAddr, 5*time.Second)
	if err != nil {
		cs.log.Warn().Err(err).Str("addr", dataAddr).Msg("failed to dial client data channel")
		_ = pc.external.Close()
		return
	}
	go splice(pc.tunnel, m.ConnectionID, pc.external, dataConn, cs.log)
}

func (cs *ClientSession) handleConnectionClosed(m *protocol.ConnectionClosedMessage) {
	if pc, ok := cs.server.pending.Resolve(m.ConnectionID); ok {
		_ = pc.external.Close()
	}
}

func (cs *ClientSession) handleStatusRequest(_ *protocol.StatusRequestMessage) {
	cs.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(cs.tunnels))
	for _, t := range cs.tunnels {
		tunnels = append(tunnels, t)
	}
	cs.mu.Unlock()

	statuses := make([]protocol.TunnelStatus, 0, len(tunnels))
	for _, t := range tunnels {
		sent, received, active := t.stats()
		active += cs.server.pending.CountByTunnel(t)
		statuses = append(statuses, protocol.TunnelStatus{
			Name:          t.Name,
			RemotePort:    t.RemotePort,
			LocalPort:     t.LocalPort,
			ActiveConns:   active,
			BytesSent:     sent,
			BytesReceived: received,
		})
	}

	_ = cs.codec.Encode(&protocol.StatusResponseMessage{
		Message:       protocol.NewMessage(protocol.MsgStatusResponse),
		ClientID:      cs.id,
		UptimeSeconds: int64(time.Since(cs.started).Seconds()),
		Tunnels:       statuses,
	})
}

func (cs *ClientSession) keepalive() {
	ticker := time.NewTicker(cs.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, cs.lastPong.Load())
			if time.Since(last) > cs.server.cfg.PingTimeout {
				cs.log.Warn().Msg("client keepalive timeout, closing session")
				cs.Close()
				return
			}
			if err := cs.codec.Encode(&protocol.PingMessage{Message: protocol.NewMessage(protocol.MsgPing)}); err != nil {
				cs.log.Debug().Err(err).Msg("failed to send ping")
				cs.Close()
				return
			}
		}
	}
}

// Close tears down the session: every owned tunnel, its pending
// connections, the underlying control connection, then removes itself
// from the server's session table. Safe to call more than once.
func (cs *ClientSession) Close() {
	cs.closeOnce.Do(func() {
		cs.state.Store(int32(stateClosed))
		cs.cancel()

		cs.mu.Lock()
		tunnels := make([]*Tunnel, 0, len(cs.tunnels))
		for _, t := range cs.tunnels {
			tunnels = append(tunnels, t)
		}
		cs.tunnels = nil
		cs.mu.Unlock()

		for _, t := range tunnels {
			cs.server.pending.DropAll(t)
			if n := t.closeAllActive(); n > 0 {
				cs.log.Debug().Str("tunnel", t.Name).Int("count", n).Msg("force-closed active connections on teardown")
			}
			cs.server.registry.Unregister(t)
		}

		_ = cs.stream.Close()
		_ = cs.muxSess.Close()
		_ = cs.conn.Close()
		cs.server.removeSession(cs.id)
	})
}
