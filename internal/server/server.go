// Package server implements the publicly reachable half of the reverse
// TCP tunnel: it accepts Client control channels, registers the tunnels
// they request, and rendezvous external connections with the Client's
// data channels.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mephistofox/revtun/internal/protocol"
	"github.com/mephistofox/revtun/internal/transport"
)

// rateLimiterCleanupInterval bounds how long the accept rate limiter's
// per-IP map can grow before stale entries are dropped.
const rateLimiterCleanupInterval = 10 * time.Minute

// Server owns the control-channel listener, the tunnel registry, and
// every live ClientSession.
type Server struct {
	cfg Config
	log zerolog.Logger

	registry *Registry
	pending  *pendingTable
	rate     *acceptRateLimiter

	controlListener *transport.YamuxListener

	mu       sync.Mutex
	sessions map[string]*ClientSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server. Start must be called to begin accepting
// connections.
func New(cfg Config, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(cfg.Host, cfg.AllowedPorts),
		pending:  newPendingTable(log, cfg.ConnectionTimeout),
		rate:     newAcceptRateLimiter(cfg.AcceptRateGlobal, cfg.AcceptRatePerIP),
		sessions: make(map[string]*ClientSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the control listener and begins accepting Client
// connections in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.ControlPort)
	ln, err := transport.NewYamuxListener(addr, nil)
	if err != nil {
		return fmt.Errorf("listen control port: %w", err)
	}
	s.controlListener = ln

	s.wg.Add(1)
	go s.acceptControlSessions()

	s.wg.Add(1)
	go s.cleanupRateLimiters()

	s.log.Info().Str("addr", addr).Msg("control listener started")
	return nil
}

// cleanupRateLimiters periodically drops the accept rate limiter's
// per-IP entries so a long-lived server doesn't accumulate one
// rate.Limiter per distinct source IP it has ever seen.
func (s *Server) cleanupRateLimiters() {
	defer s.wg.Done()

	ticker := time.NewTicker(rateLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.rate.Cleanup()
		}
	}
}

func (s *Server) acceptControlSessions() {
	defer s.wg.Done()

	for {
		muxSess, err := s.controlListener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("accept control session failed")
			continue
		}

		s.wg.Add(1)
		go s.handleMuxSession(muxSess)
	}
}

func (s *Server) handleMuxSession(muxSess transport.Session) {
	defer s.wg.Done()

	stream, err := muxSess.AcceptStream(s.ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to accept control stream")
		_ = muxSess.Close()
		return
	}

	conn, _ := stream.(net.Conn)
	cs := newClientSession(conn, muxSess, stream, s, s.log.With().Logger())
	cs.handle()
}

// acceptOnTunnel runs the accept loop for one registered Tunnel: every
// inbound external socket starts a rendezvous round with the owning
// ClientSession.
func (s *Server) acceptOnTunnel(cs *ClientSession, t *Tunnel) {
	log := s.log.With().Str("tunnel", t.Name).Int("remotePort", t.RemotePort).Logger()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || sessionState(cs.state.Load()) == stateClosed {
				return
			}
			log.Debug().Err(err).Msg("tunnel accept loop ending")
			return
		}

		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr == nil && !s.rate.Allow(host) {
			_ = conn.Close()
			continue
		}

		connID := s.pending.Add(conn, t, func(id string) {
			log.Debug().Str("connectionId", id).Msg("pending connection deadline expired")
		})

		if err := cs.codec.Encode(&protocol.NewConnectionMessage{
			Message:       protocol.NewMessage(protocol.MsgNewConnection),
			ConnectionID:  connID,
			RemotePort:    t.RemotePort,
			LocalPort:     t.LocalPort,
			ClientAddress: conn.RemoteAddr().String(),
		}); err != nil {
			log.Warn().Err(err).Msg("failed to notify client of new connection")
			if pc, ok := s.pending.Resolve(connID); ok {
				_ = pc.external.Close()
			}
		}
	}
}

func (s *Server) tokenAllowed(token string) bool {
	if len(s.cfg.AuthTokens) == 0 {
		return true
	}
	for _, t := range s.cfg.AuthTokens {
		if t == token {
			return true
		}
	}
	return false
}

func (s *Server) addSession(cs *ClientSession) {
	s.mu.Lock()
	s.sessions[cs.id] = cs
	s.mu.Unlock()
	s.rate.Trust(hostOf(cs.conn))
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	cs, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.rate.Untrust(hostOf(cs.conn))
	}
}

func hostOf(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// Stop gracefully shuts the server down: stop accepting control
// sessions, close every live session (tearing down its tunnels), close
// the control listener, and wait for all goroutines to exit.
func (s *Server) Stop() {
	s.cancel()

	if s.controlListener != nil {
		_ = s.controlListener.Close()
	}

	s.mu.Lock()
	sessions := make([]*ClientSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		sessions = append(sessions, cs)
	}
	s.mu.Unlock()

	for _, cs := range sessions {
		cs.Close()
	}

	s.wg.Wait()
}
