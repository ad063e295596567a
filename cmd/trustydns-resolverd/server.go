package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/markdingo/trustydns-core/internal/concurrencytracker"
	"github.com/markdingo/trustydns-core/internal/connectiontracker"
	"github.com/markdingo/trustydns-core/internal/netregistry"
	"github.com/markdingo/trustydns-core/resolvcore"
)

// defaultNetID is the single network this daemon serves. A full platform integration would
// create/delete networks dynamically via resolvcore.Core's configuration API as interfaces come
// and go; this expansion daemon has exactly one, standing in for whichever network the host
// process is currently attached to.
const defaultNetID = 1

// server is the DNS front door: it accepts inbound UDP and TCP queries on one address and
// forwards each one to resolvcore.Core.Send, writing back the answer when there is one; when Send
// fails or returns no answer, nothing is written back (no SERVFAIL is synthesized). It plays the same role cmd/trustydns-server's HTTPS listener plays for the local
// resolver, just speaking plain DNS instead of DNS-over-HTTPS.
type server struct {
	stdout        io.Writer
	core          *resolvcore.Core
	listenAddress string
	mark          uint32

	udpConn     *net.UDPConn
	tcpListener *net.TCPListener

	connTrk *connectiontracker.Tracker
	ccTrk   concurrencytracker.Counter
}

func (s *server) listenName() string { return s.listenAddress }

// start opens the UDP and TCP sockets and begins serving. It writes to errorChan and returns if
// either socket closes unexpectedly once running.
func (s *server) start(errorChan chan error, wg *sync.WaitGroup) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.listenAddress)
	if err != nil {
		return err
	}
	s.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", s.listenAddress)
	if err != nil {
		s.udpConn.Close()
		return err
	}
	s.tcpListener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.udpConn.Close()
		return err
	}

	s.connTrk = connectiontracker.New(s.listenName())

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.serveUDP()
		errorChan <- nil
	}()
	go func() {
		defer wg.Done()
		s.serveTCP()
		errorChan <- nil
	}()

	return nil
}

func (s *server) stop() {
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
}

func (s *server) serveUDP() {
	for {
		buf := make([]byte, 65535)
		n, from, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			return // Socket closed by stop()
		}
		s.ccTrk.Add()
		go func(query []byte, from *net.UDPAddr) {
			defer s.ccTrk.Done()
			answer := make([]byte, 65535)
			resplen, _, _, err := s.core.Send(context.Background(), defaultNetID, s.mark, query, answer, 0)
			if err != nil || resplen == 0 {
				return
			}
			s.udpConn.WriteToUDP(answer[:resplen], from)
		}(buf[:n], from)
	}
}

func (s *server) serveTCP() {
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			return // Socket closed by stop()
		}
		key := conn.RemoteAddr().String()
		s.connTrk.ConnState(key, time.Now(), http.StateNew)
		go s.handleTCP(conn, key)
	}
}

func (s *server) handleTCP(conn net.Conn, key string) {
	defer conn.Close()
	defer s.connTrk.ConnState(key, time.Now(), http.StateClosed)
	s.connTrk.ConnState(key, time.Now(), http.StateActive)

	var lenPrefix [2]byte
	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return
	}
	qlen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	query := make([]byte, qlen)
	if _, err := io.ReadFull(conn, query); err != nil {
		return
	}

	answer := make([]byte, 65535)
	resplen, _, _, err := s.core.Send(context.Background(), defaultNetID, s.mark, query, answer, netregistry.Flags(0))
	if err != nil || resplen == 0 {
		return
	}

	binary.BigEndian.PutUint16(lenPrefix[:], uint16(resplen))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return
	}
	conn.Write(answer[:resplen])
}

// Name implements the reporter interface.
func (s *server) Name() string { return s.listenName() }

// Report implements the reporter interface.
func (s *server) Report(resetCounters bool) string {
	return s.connTrk.Report(resetCounters) + " inFlightPeak=" + strconv.Itoa(s.ccTrk.Peak(resetCounters))
}
