package privatedns

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/markdingo/trustydns-core/internal/tlsutil"
)

// DefaultTLSTransport is the TLSTransport a host process wires into NewController when it has no
// platform-specific DoT implementation of its own: a plain length-prefixed DNS-over-TLS client,
// the same wire shape send_vc/sendTCP use for cleartext TCP, just inside a tls.Conn instead of a
// net.Conn. server.CACert is loaded through tlsutil.PoolFromPEM for certificate verification, and
// server.Name, when non-empty, is required to match the presented certificate (STRICT mode).
// The mark argument of Validate and Query is not applied: its connections carry no socket mark.
type DefaultTLSTransport struct{}

func tlsConfigFor(server Server) (*tls.Config, error) {
	pool, err := tlsutil.PoolFromPEM(server.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, ServerName: tlsServerName(server)}, nil
}

// tlsServerName derives the handshake SNI/verification name: the configured Name in STRICT mode,
// or the bare host otherwise, since a numeric host:port address is not by itself a valid
// certificate name to verify against.
func tlsServerName(server Server) string {
	if server.Name != "" {
		return server.Name
	}
	host, _, err := net.SplitHostPort(server.Addr)
	if err != nil {
		return server.Addr
	}
	return host
}

// Validate attempts a TLS handshake against server and reports whether it succeeded. It never
// exchanges a query - a successful handshake with a verified certificate is all the original's
// DnsTlsTransport probe requires either.
func (DefaultTLSTransport) Validate(server Server, netid uint32, mark uint32) bool {
	cfg, err := tlsConfigFor(server)
	if err != nil {
		return false
	}
	timeout := server.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", server.Addr, cfg)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Query sends msg to the first validated server that accepts a connection, returning its answer.
// Like sendTCP, each query gets a fresh connection: no long-lived session is cached across calls.
func (DefaultTLSTransport) Query(validated []Server, netid uint32, mark uint32, msg []byte, answerBuf []byte) (int, QueryOutcome, error) {
	var lastErr error
	for _, server := range validated {
		n, err := queryOne(server, msg, answerBuf)
		if err == nil {
			return n, QuerySuccess, nil
		}
		lastErr = err
	}
	return 0, QueryNetworkError, lastErr
}

func queryOne(server Server, msg []byte, answerBuf []byte) (int, error) {
	cfg, err := tlsConfigFor(server)
	if err != nil {
		return 0, err
	}
	timeout := server.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", server.Addr, cfg)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(msg)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return 0, err
	}
	if _, err := conn.Write(msg); err != nil {
		return 0, err
	}

	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return 0, err
	}
	resplen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	if resplen > len(answerBuf) {
		resplen = len(answerBuf)
	}
	if _, err := io.ReadFull(conn, answerBuf[:resplen]); err != nil {
		return 0, err
	}
	return resplen, nil
}
