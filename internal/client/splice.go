package client

import (
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// splice copies bytes bidirectionally between the local service connection
// and the data socket accepted from the server until both directions have
// finished.
func splice(local, data net.Conn, log zerolog.Logger) {
	tuneTCPConn(local)
	tuneTCPConn(data)

	done := make(chan struct{}, 2)

	go func() {
		buf := proxyBufPool.Get().(*[]byte)
		_, err := io.CopyBuffer(data, local, *buf)
		proxyBufPool.Put(buf)
		if err != nil && !isClosedConnErr(err) {
			log.Debug().Err(err).Msg("local to data copy ended")
		}
		closeWrite(data)
		done <- struct{}{}
	}()

	go func() {
		buf := proxyBufPool.Get().(*[]byte)
		_, err := io.CopyBuffer(local, data, *buf)
		proxyBufPool.Put(buf)
		if err != nil && !isClosedConnErr(err) {
			log.Debug().Err(err).Msg("data to local copy ended")
		}
		closeWrite(local)
		done <- struct{}{}
	}()

	<-done
	<-done
	_ = local.Close()
	_ = data.Close()
}

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
