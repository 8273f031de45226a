package stshare

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ClientConfig represents an agent configuration
type ClientConfig struct {
	// Server is the tunnel server URL (http/https or ws/wss)
	Server string

	// Token is the shared auth secret; empty when the server runs open
	Token string

	// Name is the tunnel name to register
	Name string

	// Target and TargetPort identify the local service being exposed
	Target     string
	TargetPort int

	// TunnelType is "web" or "tcp"
	TunnelType string

	// Protocol is an opaque hint forwarded to the server (http, ssh, ...)
	Protocol string

	// DeviceInfo is opaque metadata recorded on the tunnel
	DeviceInfo map[string]string

	// MaxRetryCount bounds reconnect attempts; < 0 retries forever
	MaxRetryCount int

	// MaxRetryInterval caps the reconnect backoff
	MaxRetryInterval time.Duration

	Debug bool
}

// Client is an agent: it maintains the control channel to the server,
// registers its tunnel, and services the virtual connections the server
// multiplexes over the channel
type Client struct {
	ShutdownHelper
	config *ClientConfig
	server string

	writeMu sync.Mutex
	ws      *websocket.Conn

	connMu sync.Mutex
	conns  map[string]net.Conn

	registeredc chan struct{}
	regOnce     sync.Once
	accessURL   string
}

var hasPortRe = regexp.MustCompile(`:\d+$`)

// NewClient creates a new agent instance
func NewClient(config *ClientConfig) (*Client, error) {
	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("agent", logLevel)

	if config.Name == "" {
		return nil, fmt.Errorf("%s: tunnel name is required", logger.Prefix())
	}
	if config.TunnelType == "" {
		config.TunnelType = TunnelTypeWeb
	}
	if config.Target == "" {
		config.Target = "127.0.0.1"
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}

	srv := config.Server
	if !strings.HasPrefix(srv, "http") && !strings.HasPrefix(srv, "ws") {
		srv = "http://" + srv
	}
	u, err := url.Parse(srv)
	if err != nil {
		return nil, err
	}
	if !hasPortRe.MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	c := &Client{
		config:      config,
		server:      u.String(),
		conns:       make(map[string]net.Conn),
		registeredc: make(chan struct{}),
	}
	c.InitShutdownHelper(logger, c)
	return c, nil
}

// Run starts the agent and blocks until it shuts down
func (c *Client) Run(ctx context.Context) error {
	err := c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			c.ILogf("Connecting to %s", c.server)
			go c.connectionLoop()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return c.WaitShutdown()
}

// AccessURL returns the public URL assigned at registration; blocks until
// the first successful registration or client shutdown
func (c *Client) AccessURL() string {
	select {
	case <-c.registeredc:
	case <-c.ShutdownStartedChan():
	}
	return c.accessURL
}

func (c *Client) connectionLoop() {
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for !c.IsStartedShutdown() {
		err := c.connectOnce(b)
		if c.IsStartedShutdown() {
			return
		}
		attempt := int(b.Attempt())
		if c.config.MaxRetryCount >= 0 && attempt >= c.config.MaxRetryCount {
			c.Shutdown(err)
			return
		}
		d := b.Duration()
		if err != nil {
			c.DLogf("Connection error: %s", err)
		}
		c.ILogf("Retrying in %s...", d)
		select {
		case <-time.After(d):
		case <-c.ShutdownStartedChan():
			return
		}
	}
}

// connectOnce dials, authenticates, registers, then services frames until
// the channel drops. A successful registration resets the backoff.
func (c *Client) connectOnce(b *backoff.Backoff) error {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
	}
	ws, _, err := d.Dial(c.server, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(MaxFrameSize)

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	if c.config.Token != "" {
		if err := c.SendFrame(&Frame{Type: FrameAuth, Token: c.config.Token}); err != nil {
			return err
		}
		reply, err := c.readFrame(ws)
		if err != nil {
			return err
		}
		if reply.Type != FrameAuthSuccess {
			err := c.Errorf("Authentication failed: %s", reply.Message)
			c.ILogf("%s", err)
			c.Shutdown(err)
			return err
		}
	}

	err = c.SendFrame(&Frame{
		Type:       FrameRegister,
		Name:       c.config.Name,
		Target:     c.config.Target,
		TargetPort: c.config.TargetPort,
		TunnelType: c.config.TunnelType,
		Protocol:   c.config.Protocol,
		DeviceInfo: c.config.DeviceInfo,
	})
	if err != nil {
		return err
	}
	reply, err := c.readFrame(ws)
	if err != nil {
		return err
	}
	if reply.Type != FrameRegistered {
		err := c.Errorf("Registration failed: %s", reply.Message)
		c.ILogf("%s", err)
		c.Shutdown(err)
		return err
	}
	c.accessURL = reply.AccessURL
	c.regOnce.Do(func() { close(c.registeredc) })
	c.ILogf("Tunnel %q registered at %s", c.config.Name, reply.AccessURL)
	b.Reset()

	err = c.frameLoop(ws)
	c.closeLocalConns()
	return err
}

// readFrame reads exactly one frame, skipping unparseable records
func (c *Client) readFrame(ws *websocket.Conn) (*Frame, error) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		f, err := ParseFrame(raw)
		if err != nil {
			c.WLogf("%s", err)
			continue
		}
		return f, nil
	}
}

// frameLoop services server frames until the channel drops or a stop
// command arrives
func (c *Client) frameLoop(ws *websocket.Conn) error {
	for {
		f, err := c.readFrame(ws)
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameHTTPRequest:
			go c.handleHTTPRequest(f)
		case FrameHTTPUpgrade:
			go c.handleUpgrade(f)
		case FrameTCPConnect:
			// dialed inline so the local conn is registered before the
			// next frame, which may already carry data for it, is read
			c.handleTCPConnect(f)
		case FrameData:
			c.deliverLocal(f)
		case FrameEnd:
			c.endLocal(f.RequestID)
		case FrameError:
			c.failLocal(f.RequestID)
		case FrameTCPListening:
			c.ILogf("Server listening on tcp port %d (%s)", f.Port, f.Status)
		case FrameTCPError:
			c.WLogf("Server tcp listen on port %d failed: %s", f.Port, f.Message)
		case FrameCommand:
			if f.Action == CommandStop {
				c.ILogf("Server requested stop: %s", f.Reason)
				c.Shutdown(nil)
				return nil
			}
			c.ILogf("Server requested restart: %s", f.Reason)
			return c.Errorf("Restart requested")
		default:
			c.DLogf("Dropping frame of unknown type %q", f.Type)
		}
	}
}

// SendFrame serializes and transmits one frame to the server
func (c *Client) SendFrame(f *Frame) error {
	raw, err := f.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return c.Errorf("Control channel is not connected")
	}
	c.ws.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) targetAddr() string {
	return fmt.Sprintf("%s:%d", c.config.Target, c.config.TargetPort)
}

// handleHTTPRequest replays one buffered public request against the local
// target and streams the raw response back as data frames
func (c *Client) handleHTTPRequest(f *Frame) {
	body, err := f.Payload()
	if err != nil {
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	conn, err := net.DialTimeout("tcp", c.targetAddr(), 10*time.Second)
	if err != nil {
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	defer conn.Close()

	if err := writeRawRequest(conn, f, c.targetAddr(), body, true); err != nil {
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	c.streamToServer(f.RequestID, conn)
}

// handleUpgrade replays the upgrade handshake against the local target and
// enters a raw bidirectional relay
func (c *Client) handleUpgrade(f *Frame) {
	conn, err := net.DialTimeout("tcp", c.targetAddr(), 10*time.Second)
	if err != nil {
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	if err := writeRawRequest(conn, f, c.targetAddr(), nil, false); err != nil {
		conn.Close()
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	c.addLocalConn(f.RequestID, conn)
	c.streamToServer(f.RequestID, conn)
}

// handleTCPConnect opens the local side of one raw tcp virtual connection
func (c *Client) handleTCPConnect(f *Frame) {
	conn, err := net.DialTimeout("tcp", c.targetAddr(), 10*time.Second)
	if err != nil {
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
		return
	}
	c.addLocalConn(f.RequestID, conn)
	go c.streamToServer(f.RequestID, conn)
}

// streamToServer pumps local-target bytes to the server until EOF or error,
// then sends the matching terminal frame
func (c *Client) streamToServer(id string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sendErr := c.SendFrame(&Frame{
				Type:      FrameData,
				RequestID: id,
				Data:      EncodePayload(buf[:n]),
			})
			if sendErr != nil {
				c.removeLocalConn(id)
				conn.Close()
				return
			}
		}
		if err != nil {
			c.removeLocalConn(id)
			if err == io.EOF {
				c.SendFrame(&Frame{Type: FrameEnd, RequestID: id})
			} else {
				c.SendFrame(&Frame{Type: FrameError, RequestID: id, Message: err.Error()})
			}
			conn.Close()
			return
		}
	}
}

func (c *Client) addLocalConn(id string, conn net.Conn) {
	c.connMu.Lock()
	c.conns[id] = conn
	c.connMu.Unlock()
}

func (c *Client) removeLocalConn(id string) net.Conn {
	c.connMu.Lock()
	conn := c.conns[id]
	delete(c.conns, id)
	c.connMu.Unlock()
	return conn
}

func (c *Client) lookupLocalConn(id string) net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conns[id]
}

// deliverLocal writes server-relayed public bytes to the local connection
func (c *Client) deliverLocal(f *Frame) {
	conn := c.lookupLocalConn(f.RequestID)
	if conn == nil {
		c.DLogf("Dropping data frame for unknown request %s", f.RequestID)
		return
	}
	payload, err := f.Payload()
	if err != nil {
		c.WLogf("Bad data frame payload: %s", err)
		return
	}
	if _, err := conn.Write(payload); err != nil {
		c.removeLocalConn(f.RequestID)
		conn.Close()
		c.SendFrame(&Frame{Type: FrameError, RequestID: f.RequestID, Message: err.Error()})
	}
}

// endLocal half-closes the local connection after the public side finished
// sending; the local service may still be producing response bytes
func (c *Client) endLocal(id string) {
	conn := c.lookupLocalConn(id)
	if conn == nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	} else {
		c.removeLocalConn(id)
		conn.Close()
	}
}

func (c *Client) failLocal(id string) {
	if conn := c.removeLocalConn(id); conn != nil {
		conn.Close()
	}
}

func (c *Client) closeLocalConns() {
	c.connMu.Lock()
	conns := c.conns
	c.conns = make(map[string]net.Conn)
	c.connMu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.writeMu.Lock()
	ws := c.ws
	c.writeMu.Unlock()
	if ws != nil {
		ws.Close()
	}
	c.closeLocalConns()
	return completionErr
}

// writeRawRequest reconstructs a wire-format HTTP request from a frame and
// writes it to the local connection. The Host header is forced to the local
// target; for plain requests Connection: close delimits the response by EOF.
func writeRawRequest(conn net.Conn, f *Frame, hostAddr string, body []byte, closeConn bool) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", f.Method, f.URL)
	names := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	wroteHost := false
	for _, k := range names {
		switch strings.ToLower(k) {
		case "host":
			fmt.Fprintf(&sb, "Host: %s\r\n", hostAddr)
			wroteHost = true
		case "connection", "keep-alive", "transfer-encoding", "content-length":
			// replaced below; the relay supplies its own transport semantics
		default:
			fmt.Fprintf(&sb, "%s: %s\r\n", k, f.Headers[k])
		}
	}
	if !wroteHost {
		fmt.Fprintf(&sb, "Host: %s\r\n", hostAddr)
	}
	if closeConn {
		sb.WriteString("Connection: close\r\n")
	} else if upgradeHdr := headerValue(f.Headers, "Upgrade"); upgradeHdr != "" {
		fmt.Fprintf(&sb, "Connection: Upgrade\r\n")
	}
	if len(body) > 0 {
		fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	}
	sb.WriteString("\r\n")
	if _, err := io.WriteString(conn, sb.String()); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// headerValue does a case-insensitive lookup in a flattened header map
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
