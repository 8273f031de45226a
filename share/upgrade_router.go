package stshare

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
)

// isUpgradeRequest reports whether a public request asks for a protocol
// upgrade (websocket or any other Upgrade token)
func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// serveTunnelUpgrade handles a public upgrade request: the socket is
// hijacked and becomes a raw byte relay over the tunnel's control channel.
// portFallback enables the port-only tie-break used on dynamic-port
// listeners, where a port exists precisely because some tunnel advertised it.
func (s *Server) serveTunnelUpgrade(w http.ResponseWriter, r *http.Request, port int, portFallback bool) {
	label := hostLabel(r.Host)
	t := s.registry.Resolve(label, port, portFallback)
	if t == nil {
		s.DLogf("No tunnel for upgrade %s", describeRequest(r))
		writeOfflinePage(w, label)
		return
	}

	// The upstream server must believe it is being spoken to directly
	headers := flattenHeader(r.Header)
	headers["Host"] = fmt.Sprintf("%s:%d", t.Target, t.TargetPort)

	hj, ok := w.(http.Hijacker)
	if !ok {
		s.ELogf("Public listener does not support hijacking")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		s.ELogf("Hijack failed: %s", err)
		return
	}

	id := NewRequestID()
	relay := newRawRelay(conn)
	s.vconns.Insert(&VConn{ID: id, Kind: VConnKindUpgrade, Tunnel: t, Endpoint: relay})
	t.Stats.AddRequest()
	t.Stats.AddBytesIn(requestWireSize(r))

	err = t.SendFrame(&Frame{
		Type:      FrameHTTPUpgrade,
		RequestID: id,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   headers,
	})
	if err != nil {
		s.vconns.Remove(id)
		conn.Close()
		return
	}

	go s.pumpPublicBytes(t, id, conn, brw.Reader)
}

// pumpPublicBytes moves bytes from a hijacked or raw public socket to the
// agent as data frames until the public side closes or errors. The agent ->
// public direction is driven by the session's frame demux through rawRelay.
func (s *Server) pumpPublicBytes(t *Tunnel, id string, conn net.Conn, r *bufio.Reader) {
	var src io.Reader = conn
	if r != nil {
		src = r
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			t.Stats.AddBytesIn(int64(n))
			sendErr := t.SendFrame(&Frame{
				Type:      FrameData,
				RequestID: id,
				Data:      EncodePayload(buf[:n]),
			})
			if sendErr != nil {
				s.vconns.Remove(id)
				conn.Close()
				return
			}
		}
		if err != nil {
			if vc := s.vconns.Remove(id); vc != nil {
				if err == io.EOF {
					t.SendFrame(&Frame{Type: FrameEnd, RequestID: id})
				} else {
					t.SendFrame(&Frame{Type: FrameError, RequestID: id, Message: err.Error()})
				}
			}
			conn.Close()
			return
		}
	}
}

// rawRelay is the PublicEndpoint for upgrade and tcp virtual connections:
// agent bytes are written to the public socket verbatim
type rawRelay struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func newRawRelay(conn net.Conn) *rawRelay {
	return &rawRelay{conn: conn}
}

// DeliverData writes agent bytes to the public socket
func (rr *rawRelay) DeliverData(p []byte) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.closed {
		return nil
	}
	_, err := rr.conn.Write(p)
	return err
}

func (rr *rawRelay) close() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if !rr.closed {
		rr.closed = true
		rr.conn.Close()
	}
}

// Finish closes the public socket after an agent end frame
func (rr *rawRelay) Finish() { rr.close() }

// Fail closes the public socket after an agent error frame
func (rr *rawRelay) Fail(message string) { rr.close() }

// Discard closes the public socket because the tunnel is going away
func (rr *rawRelay) Discard() { rr.close() }
