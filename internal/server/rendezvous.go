package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pendingConnectionTimeout is the fallback deadline used when a server
// Config leaves ConnectionTimeout unset.
const pendingConnectionTimeout = 10 * time.Second

// pendingConnection tracks one external socket waiting for its matching
// data channel.
type pendingConnection struct {
	id       string
	external net.Conn
	tunnel   *Tunnel
	timer    *time.Timer
	done     bool
}

// pendingTable correlates connectionIds handed out in new_connection
// messages with the external sockets waiting for a data channel.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingConnection
	log     zerolog.Logger
	timeout time.Duration
}

func newPendingTable(log zerolog.Logger, timeout time.Duration) *pendingTable {
	if timeout <= 0 {
		timeout = pendingConnectionTimeout
	}
	return &pendingTable{
		entries: make(map[string]*pendingConnection),
		log:     log,
		timeout: timeout,
	}
}

// Add records a new pending connection and arms its deadline. onTimeout
// is invoked exactly once if the deadline fires before Resolve.
func (p *pendingTable) Add(external net.Conn, tunnel *Tunnel, onTimeout func(id string)) string {
	id := uuid.NewString()
	pc := &pendingConnection{id: id, external: external, tunnel: tunnel}

	p.mu.Lock()
	p.entries[id] = pc
	p.mu.Unlock()

	pc.timer = time.AfterFunc(p.timeout, func() {
		if entry, ok := p.remove(id); ok {
			_ = entry.external.Close()
			onTimeout(id)
		}
	})

	return id
}

// CountByTunnel reports how many pending connections are currently
// waiting on tunnel's data channel.
func (p *pendingTable) CountByTunnel(tunnel *Tunnel) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pc := range p.entries {
		if pc.tunnel == tunnel {
			n++
		}
	}
	return n
}

// Resolve removes and returns the pending connection for id, canceling
// its deadline timer. ok is false if id is unknown or already resolved.
func (p *pendingTable) Resolve(id string) (*pendingConnection, bool) {
	pc, ok := p.remove(id)
	if !ok {
		return nil, false
	}
	pc.timer.Stop()
	return pc, true
}

func (p *pendingTable) remove(id string) (*pendingConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.entries[id]
	if !ok || pc.done {
		return nil, false
	}
	pc.done = true
	delete(p.entries, id)
	return pc, true
}

// DropAll closes and removes every pending connection waiting on tunnel,
// used when a client session tears down its tunnels.
func (p *pendingTable) DropAll(tunnel *Tunnel) {
	p.mu.Lock()
	var dropped []*pendingConnection
	for id, pc := range p.entries {
		if pc.tunnel == tunnel {
			pc.done = true
			dropped = append(dropped, pc)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, pc := range dropped {
		pc.timer.Stop()
		_ = pc.external.Close()
	}
}

// splice copies bytes bidirectionally between the external socket and the
// data socket until both directions have finished, updating tunnel byte
// counters and tearing down both connections once either side closes.
// The pair is registered on the tunnel under connectionId for the
// duration of the splice so tunnel teardown can find and force-close it.
func splice(tunnel *Tunnel, connectionID string, external, data net.Conn, log zerolog.Logger) {
	tuneTCPConn(external)
	tuneTCPConn(data)

	tunnel.registerActive(connectionID, &connectionPair{external: external, data: data})
	defer tunnel.unregisterActive(connectionID)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := proxyBufPool.Get().(*[]byte)
		defer proxyBufPool.Put(buf)
		n, err := io.CopyBuffer(data, external, *buf)
		tunnel.addBytesSent(n)
		if err != nil && !isClosedConnErr(err) {
			log.Debug().Err(err).Str("tunnel", tunnel.Name).Msg("external to data copy ended")
		}
		closeWrite(data)
	}()

	go func() {
		defer wg.Done()
		buf := proxyBufPool.Get().(*[]byte)
		defer proxyBufPool.Put(buf)
		n, err := io.CopyBuffer(external, data, *buf)
		tunnel.addBytesReceived(n)
		if err != nil && !isClosedConnErr(err) {
			log.Debug().Err(err).Str("tunnel", tunnel.Name).Msg("data to external copy ended")
		}
		closeWrite(external)
	}()

	wg.Wait()
	_ = external.Close()
	_ = data.Close()
}

// closeWrite half-closes the write side of conn when possible, letting
// the peer observe EOF without tearing down the whole socket.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
