package stshare

import (
	"fmt"
	"net"
)

// handleTCPListen services a tcp-listen frame from a registered tunnel:
// open a raw public listener on the requested port and announce every
// accepted connection to the agent as a fresh virtual connection.
func (s *Server) handleTCPListen(t *Tunnel, port int) {
	if t.OwnsPort(port) {
		t.SendFrame(&Frame{Type: FrameTCPListening, Port: port, Status: "already"})
		return
	}
	if port < 1024 && port != 80 && port != 443 {
		t.SendFrame(&Frame{Type: FrameTCPError, Port: port, Message: "Privileged port not allowed"})
		return
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.WLogf("TCP listen on port %d for tunnel %q failed: %s", port, t.Name, err)
		t.SendFrame(&Frame{Type: FrameTCPError, Port: port, Message: err.Error()})
		return
	}
	if !t.AddListener(port, l) {
		// lost a race with a concurrent tcp-listen for the same port
		l.Close()
		t.SendFrame(&Frame{Type: FrameTCPListening, Port: port, Status: "already"})
		return
	}
	s.ILogf("Tunnel %q listening on tcp port %d", t.Name, port)
	t.SendFrame(&Frame{Type: FrameTCPListening, Port: port, Status: "ok"})
	go s.acceptTCPLoop(t, port, l)
}

// acceptTCPLoop accepts public connections on an agent-requested port until
// the listener is closed by tunnel teardown
func (s *Server) acceptTCPLoop(t *Tunnel, port int, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.OwnsPort(port) {
				s.WLogf("Accept on tcp port %d failed: %s", port, err)
			}
			return
		}
		go s.handleTCPConn(t, port, conn)
	}
}

// handleTCPConn turns one accepted raw connection into a virtual connection
func (s *Server) handleTCPConn(t *Tunnel, port int, conn net.Conn) {
	id := NewRequestID()
	relay := newRawRelay(conn)
	s.vconns.Insert(&VConn{ID: id, Kind: VConnKindTCP, Tunnel: t, Endpoint: relay})
	t.Stats.AddRequest()

	err := t.SendFrame(&Frame{
		Type:       FrameTCPConnect,
		RequestID:  id,
		Port:       port,
		RemoteAddr: conn.RemoteAddr().String(),
	})
	if err != nil {
		s.vconns.Remove(id)
		conn.Close()
		return
	}
	s.DLogf("TCP connection %s on port %d from %s", id[:8], port, conn.RemoteAddr())
	s.pumpPublicBytes(t, id, conn, nil)
}
