package sendengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"time"
)

// sendTCP sends query to addr over a length-prefixed TCP stream, as send_vc does for truncated
// UDP responses and outsized queries. The connection is opened, used for exactly one
// query/response pair, and closed - its full lifetime is reported through the engine's
// connection tracker under the key "netid@addr" the same way an HTTP server reports its sockets.
func (e *Engine) sendTCP(ctx context.Context, netid uint32, mark uint32, addr *net.UDPAddr, query []byte, answerBuf []byte, timeout time.Duration) (n int, err error) {
	dialCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	key := connKey(netid, addr)
	now := time.Now()
	e.tcpConns.ConnState(key, now, http.StateNew)
	defer e.tcpConns.ConnState(key, time.Now(), http.StateClosed)

	conn, dialErr := dialerFor(e, mark).DialContext(dialCtx, "tcp", addr.String())
	if dialErr != nil {
		return 0, dialErr
	}
	defer conn.Close()
	e.tcpConns.ConnState(key, time.Now(), http.StateActive)

	if deadlineErr := conn.SetDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return 0, deadlineErr
	}

	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(query)))
	if _, werr := conn.Write(lenPrefix[:]); werr != nil {
		return 0, werr
	}
	if _, werr := conn.Write(query); werr != nil {
		return 0, werr
	}

	if _, rerr := readFull(conn, lenPrefix[:]); rerr != nil {
		return 0, rerr
	}
	resplen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	if resplen < 12 {
		return 0, nil // undersized reply, same disposition as EMSGSIZE in the original
	}

	readLen := resplen
	truncated := resplen > len(answerBuf)
	if truncated {
		readLen = len(answerBuf)
	}
	if _, rerr := readFull(conn, answerBuf[:readLen]); rerr != nil {
		return 0, rerr
	}
	if truncated {
		discardRemainder(conn, resplen-readLen)
		answerBuf[2] |= 0x02 // set TC, matching send_vc's truncating-flush-and-mark behavior
	}

	return readLen, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// discardRemainder reads and discards n bytes so the connection stays framed correctly before
// it's closed, matching send_vc's "flush rest of answer" loop. Any read error just means the
// remote end beat us to closing, which is harmless since the connection is about to be closed
// either way.
func discardRemainder(conn net.Conn, n int) {
	buf := make([]byte, 512)
	for n > 0 {
		chunk := len(buf)
		if n < chunk {
			chunk = n
		}
		read, err := conn.Read(buf[:chunk])
		if read <= 0 || err != nil {
			return
		}
		n -= read
	}
}

func connKey(netid uint32, addr *net.UDPAddr) string {
	return fmt.Sprintf("%d@%s", netid, addr.String())
}
