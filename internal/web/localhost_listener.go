package web

import (
	"log/slog"
	"net"
)

// localhostListener wraps a net.Listener and only accepts connections from
// localhost. Even if the listener somehow ends up bound to a non-loopback
// address, external connections are rejected at the socket level before any
// HTTP processing.
type localhostListener struct {
	net.Listener
	logger *slog.Logger
}

func newLocalhostListener(l net.Listener, logger *slog.Logger) *localhostListener {
	return &localhostListener{Listener: l, logger: logger}
}

// Accept returns the next localhost connection; others are closed
// immediately.
func (l *localhostListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !isLocalhostConn(conn) {
			if l.logger != nil {
				l.logger.Warn("rejected non-localhost connection",
					"remote_addr", conn.RemoteAddr().String())
			}
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func isLocalhostConn(conn net.Conn) bool {
	remote := conn.RemoteAddr()
	if remote == nil {
		return false
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
