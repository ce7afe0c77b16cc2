// Package session implements the Session data pump of spec.md §4.3:
// it owns a pair of sockets, drives the handshake.Connector across
// both, and once OPEN forwards frames opaquely with backpressure.
package session

import (
	"crypto/tls"
	"net"
)

// Conn is the common socket trait spec.md §4.3 names: a net.Conn that
// may be upgraded to TLS in place, mirroring the teacher's
// two-socket abstraction collapsed into one conditionally-secure type
// (grounded in amqpprox_maybesecuresocketadaptor.h).
type Conn struct {
	net.Conn
	secure bool
}

// NewConn wraps an established net.Conn.
func NewConn(c net.Conn) *Conn { return &Conn{Conn: c} }

// Secure upgrades the connection to TLS using cfg, performing the
// handshake as a client (egress leg) or server (ingress leg)
// depending on asClient.
func (c *Conn) Secure(cfg *tls.Config, asClient bool) error {
	var tlsConn *tls.Conn
	if asClient {
		tlsConn = tls.Client(c.Conn, cfg)
	} else {
		tlsConn = tls.Server(c.Conn, cfg)
	}
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.Conn = tlsConn
	c.secure = true
	return nil
}

// IsSecure reports whether the socket has completed a TLS upgrade.
func (c *Conn) IsSecure() bool { return c.secure }
