package stshare

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// requestTimeout is the hard limit on the time between dispatching a public
// HTTP request to an agent and the first response byte coming back
var requestTimeout = 30 * time.Second

// hostLabel extracts the tunnel name from a Host header: the first DNS
// label, with any port stripped
func hostLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// flattenHeader converts an http.Header to the single-valued map carried in
// frames. Multi-valued headers are joined with ", " per RFC 7230.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[k] = strings.Join(vv, ", ")
	}
	return out
}

// requestWireSize approximates the byte count of a public request's
// request line and headers, for the bytesIn counter
func requestWireSize(r *http.Request) int64 {
	n := int64(len(r.Method) + len(r.URL.RequestURI()) + len(r.Proto) + 4)
	n += int64(len(r.Host) + 8)
	for k, vv := range r.Header {
		for _, v := range vv {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

// serveTunnelHTTP relays one plain public HTTP request over a tunnel's
// control channel and streams the upstream response back
func (s *Server) serveTunnelHTTP(w http.ResponseWriter, r *http.Request, port int) {
	label := hostLabel(r.Host)
	t := s.registry.Resolve(label, port, false)
	if t == nil {
		s.DLogf("No tunnel for host %q on port %d", r.Host, port)
		writeOfflinePage(w, label)
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	headers := flattenHeader(r.Header)
	if _, ok := headers["Host"]; !ok {
		headers["Host"] = r.Host
	}

	id := NewRequestID()
	ex := newHTTPExchange(s.Logger.Fork("req %s", id[:8]), w)
	s.vconns.Insert(&VConn{ID: id, Kind: VConnKindHTTP, Tunnel: t, Endpoint: ex})

	t.Stats.AddRequest()
	t.Stats.AddBytesIn(requestWireSize(r) + int64(len(body)))

	err = t.SendFrame(&Frame{
		Type:      FrameHTTPRequest,
		RequestID: id,
		Method:    r.Method,
		URL:       r.URL.RequestURI(),
		Headers:   headers,
		Data:      EncodePayload(body),
	})
	if err != nil {
		s.vconns.Remove(id)
		writeUpstreamErrorPage(w)
		return
	}

	select {
	case <-ex.firstByte:
	case <-ex.done:
	case <-time.After(requestTimeout):
		// Late frames from the agent find no vconn and are dropped silently
		s.vconns.Remove(id)
		ex.Timeout()
		return
	}
	<-ex.done
	s.vconns.Remove(id)
}

// httpExchange is the PublicEndpoint for a plain HTTP virtual connection.
// The serving goroutine blocks until done is closed while the agent session
// goroutine delivers response bytes; the mutex and closed flag keep a late
// frame from touching the ResponseWriter after the handler has returned.
type httpExchange struct {
	logger Logger
	w      http.ResponseWriter

	mu         sync.Mutex
	closed     bool
	headerSent bool
	parser     *responseParser

	firstByte     chan struct{}
	firstByteOnce sync.Once
	done          chan struct{}
	doneOnce      sync.Once
}

func newHTTPExchange(logger Logger, w http.ResponseWriter) *httpExchange {
	return &httpExchange{
		logger:    logger,
		w:         w,
		parser:    newResponseParser(),
		firstByte: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (ex *httpExchange) signalFirstByte() {
	ex.firstByteOnce.Do(func() { close(ex.firstByte) })
}

func (ex *httpExchange) signalDone() {
	ex.doneOnce.Do(func() { close(ex.done) })
}

// DeliverData feeds upstream response bytes through the streaming parser,
// writing status and headers on the public response once they are complete
// and streaming everything after as body
func (ex *httpExchange) DeliverData(p []byte) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.signalFirstByte()
	if ex.closed {
		return nil
	}
	if !ex.headerSent {
		headerReady, body, err := ex.parser.Feed(p)
		if err != nil {
			ex.logger.WLogf("Unparseable upstream response: %s", err)
			writeUpstreamErrorPage(ex.w)
			ex.closed = true
			ex.signalDone()
			return err
		}
		if !headerReady {
			return nil
		}
		dst := ex.w.Header()
		for k, vv := range ex.parser.Header() {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
		ex.w.WriteHeader(ex.parser.StatusCode())
		ex.headerSent = true
		p = body
	}
	if len(p) > 0 {
		if _, err := ex.w.Write(p); err != nil {
			// public client went away; terminal frames will clean up
			ex.closed = true
			ex.signalDone()
			return err
		}
		if f, ok := ex.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}

// Finish completes the public response normally
func (ex *httpExchange) Finish() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.closed && !ex.headerSent {
		// end with no data at all; nothing better to say than 502
		writeUpstreamErrorPage(ex.w)
	}
	ex.closed = true
	ex.signalFirstByte()
	ex.signalDone()
}

// Fail terminates the exchange on an agent-reported error: 502 if no
// headers have been sent yet, a truncated close otherwise
func (ex *httpExchange) Fail(message string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.closed {
		ex.logger.DLogf("Upstream error: %s", message)
		if !ex.headerSent {
			writeUpstreamErrorPage(ex.w)
		}
	}
	ex.closed = true
	ex.signalFirstByte()
	ex.signalDone()
}

// Discard terminates the exchange because its tunnel is going away
func (ex *httpExchange) Discard() {
	ex.Fail("tunnel closed")
}

// Timeout ends the exchange after the first-byte timeout expired; called
// only from the serving goroutine
func (ex *httpExchange) Timeout() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.closed && !ex.headerSent {
		writeTimeoutPage(ex.w)
	}
	ex.closed = true
	ex.signalFirstByte()
	ex.signalDone()
}

// describeRequest is used in debug logs for public traffic
func describeRequest(r *http.Request) string {
	return fmt.Sprintf("%s %s host=%s", r.Method, r.URL.RequestURI(), r.Host)
}
