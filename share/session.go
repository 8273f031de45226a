package stshare

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// keepAliveInterval is the server ping cadence; a pong must arrive
	// before the next tick or the channel is terminated
	keepAliveInterval = 30 * time.Second

	// keepAliveGrace pads the websocket read deadline past the ping
	// cadence so a pong in flight at the tick is not misread as a death
	keepAliveGrace = 10 * time.Second

	// sessionWriteTimeout bounds every control-channel write. An agent that
	// cannot drain its inbound frames within this window is terminated
	// rather than allowed to buffer without bound.
	sessionWriteTimeout = 30 * time.Second
)

type sessionState int

const (
	sessionConnected sessionState = iota
	sessionAuthenticated
	sessionRegistered
)

// Session is one connected agent's control channel: authentication,
// registration, keepalive, and the demux of inbound frames to the
// virtual-connection table.
type Session struct {
	ShutdownHelper
	server *Server
	ws     *websocket.Conn

	// writeMu serializes frame writes from public handlers, TCP accept
	// loops, and the management API
	writeMu sync.Mutex

	state  sessionState
	tunnel *Tunnel

	// violations throttles malformed frames: each one is logged and
	// dropped, but a sustained burst closes the channel
	violations *rate.Limiter

	pongs chan struct{}
}

// NewSession wraps a freshly upgraded agent websocket
func NewSession(server *Server, ws *websocket.Conn, id int32) *Session {
	s := &Session{
		server:     server,
		ws:         ws,
		state:      sessionConnected,
		violations: rate.NewLimiter(rate.Every(time.Second), 10),
		pongs:      make(chan struct{}, 1),
	}
	s.InitShutdownHelper(server.Logger.Fork("session#%d", id), s)
	return s
}

// Run services the control channel until it closes; it blocks until the
// session is completely shut down
func (s *Session) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.ws.SetReadLimit(MaxFrameSize)
			s.ws.SetReadDeadline(time.Now().Add(keepAliveInterval + keepAliveGrace))
			s.ws.SetPongHandler(func(string) error {
				s.ws.SetReadDeadline(time.Now().Add(keepAliveInterval + keepAliveGrace))
				select {
				case s.pongs <- struct{}{}:
				default:
				}
				return nil
			})
			go s.keepAliveLoop()
			go s.readLoop()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return s.WaitShutdown()
}

// SendFrame serializes and transmits one frame to the agent. Writes are
// bounded by sessionWriteTimeout; a write failure terminates the session.
func (s *Session) SendFrame(f *Frame) error {
	raw, err := f.Marshal()
	if err != nil {
		return s.Errorf("Frame marshal failed: %s", err)
	}
	s.writeMu.Lock()
	s.ws.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	err = s.ws.WriteMessage(websocket.TextMessage, raw)
	s.writeMu.Unlock()
	if err != nil {
		err = s.Errorf("Control-channel write failed: %s", err)
		s.StartShutdown(err)
	}
	return err
}

// keepAliveLoop pings the agent every keepAliveInterval and terminates the
// session if the previous ping was never answered
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	awaitingPong := false
	for {
		select {
		case <-s.ShutdownStartedChan():
			return
		case <-ticker.C:
			if awaitingPong {
				select {
				case <-s.pongs:
				default:
					s.StartShutdown(s.Errorf("Keepalive missed"))
					return
				}
			}
			// drain any stale pong before arming the next round
			select {
			case <-s.pongs:
			default:
			}
			s.writeMu.Lock()
			err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(sessionWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.StartShutdown(s.Errorf("Keepalive ping failed: %s", err))
				return
			}
			awaitingPong = true
		}
	}
}

// readLoop consumes frames until the channel dies, then starts shutdown
func (s *Session) readLoop() {
	for {
		msgType, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.StartShutdown(s.DLogErrorf("Control channel closed: %s", err))
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(keepAliveInterval + keepAliveGrace))
		if msgType != websocket.TextMessage {
			s.protocolViolation("Binary message on control channel")
			continue
		}
		f, err := ParseFrame(raw)
		if err != nil {
			s.protocolViolation("%s", err)
			continue
		}
		s.handleFrame(f)
		if s.IsStartedShutdown() {
			return
		}
	}
}

// protocolViolation logs and drops a malformed frame; persistent violations
// close the channel
func (s *Session) protocolViolation(f string, args ...interface{}) {
	s.WLogf(f, args...)
	if !s.violations.Allow() {
		s.StartShutdown(s.Errorf("Too many protocol violations"))
	}
}

// handleFrame advances the per-session state machine
func (s *Session) handleFrame(f *Frame) {
	switch s.state {
	case sessionConnected:
		s.handleConnected(f)
	case sessionAuthenticated:
		s.handleAuthenticated(f)
	case sessionRegistered:
		s.handleRegistered(f)
	}
}

// handleConnected waits for auth when a token is configured; with no token
// configured the first non-auth frame is carried into the authenticated state
func (s *Session) handleConnected(f *Frame) {
	token := s.server.AuthToken()
	if f.Type == FrameAuth {
		if token != "" && f.Token != token {
			s.ILogf("Authentication failed")
			s.SendFrame(&Frame{Type: FrameAuthFailed, Message: "Invalid auth token"})
			s.StartShutdown(s.Errorf("Invalid auth token"))
			return
		}
		s.state = sessionAuthenticated
		s.SendFrame(&Frame{
			Type:   FrameAuthSuccess,
			Domain: s.server.config.Domain,
			WSPort: s.server.config.WSPort,
		})
		return
	}
	if token != "" {
		s.SendFrame(&Frame{Type: FrameAuthFailed, Message: "Authentication required"})
		s.StartShutdown(s.Errorf("Frame %q before auth", f.Type))
		return
	}
	s.state = sessionAuthenticated
	s.handleAuthenticated(f)
}

// handleAuthenticated accepts exactly one register frame
func (s *Session) handleAuthenticated(f *Frame) {
	switch f.Type {
	case FrameRegister:
		s.register(f)
	case FrameAuth:
		// repeated auth does not elevate privilege; only the first is honored
		s.DLogf("Dropping repeated auth frame")
	default:
		s.SendFrame(&Frame{Type: FrameError, Message: "Expected register frame"})
		s.StartShutdown(s.Errorf("Frame %q before register", f.Type))
	}
}

// register creates and publishes the session's tunnel
func (s *Session) register(f *Frame) {
	t := NewTunnel(f, s)
	if err := s.server.registry.Register(t); err != nil {
		s.ILogf("Rejecting tunnel %q: %s", f.Name, err)
		s.SendFrame(&Frame{Type: FrameError, Message: ErrNameInUse.Error()})
		s.StartShutdown(err)
		return
	}
	s.tunnel = t
	s.state = sessionRegistered
	accessURL := t.AccessURL(s.server.config.Domain)
	err := s.SendFrame(&Frame{
		Type:       FrameRegistered,
		Name:       t.Name,
		TunnelType: t.TunnelType,
		Protocol:   t.Protocol,
		AccessURL:  accessURL,
		Message:    "Tunnel registered",
	})
	if err != nil {
		return
	}
	// no public request is dispatched before the registered frame is out
	t.SetReady()
	s.server.dynports.Acquire(t.TargetPort)
	s.ILogf("Registered tunnel %q (%s %s -> %s:%d) at %s",
		t.Name, t.TunnelType, t.Protocol, t.Target, t.TargetPort, accessURL)
}

// handleRegistered demultiplexes traffic frames to their virtual connections
func (s *Session) handleRegistered(f *Frame) {
	switch f.Type {
	case FrameTCPListen:
		s.server.handleTCPListen(s.tunnel, f.Port)
	case FrameData:
		s.forwardData(f)
	case FrameEnd:
		if vc := s.server.vconns.Lookup(f.RequestID); vc != nil && vc.Tunnel == s.tunnel {
			if removed := s.server.vconns.Remove(f.RequestID); removed != nil {
				removed.Endpoint.Finish()
			}
		}
	case FrameError:
		if vc := s.server.vconns.Lookup(f.RequestID); vc != nil && vc.Tunnel == s.tunnel {
			if removed := s.server.vconns.Remove(f.RequestID); removed != nil {
				removed.Endpoint.Fail(f.Message)
			}
		}
	case FrameAuth:
		s.DLogf("Dropping repeated auth frame")
	case FrameRegister:
		s.SendFrame(&Frame{Type: FrameError, Message: "Session already registered"})
		s.StartShutdown(s.Errorf("Duplicate register frame"))
	default:
		s.DLogf("Dropping frame of unknown type %q", f.Type)
	}
}

// forwardData decodes a data frame once and delivers it to the public side
func (s *Session) forwardData(f *Frame) {
	vc := s.server.vconns.Lookup(f.RequestID)
	if vc == nil || vc.Tunnel != s.tunnel {
		s.DLogf("Dropping data frame for unknown request %s", f.RequestID)
		return
	}
	payload, err := f.Payload()
	if err != nil {
		s.protocolViolation("Bad data frame payload: %s", err)
		return
	}
	s.tunnel.Stats.AddBytesOut(int64(len(payload)))
	if err := vc.Endpoint.DeliverData(payload); err != nil {
		// public side failed; drop the vconn, late frames are discarded
		if removed := s.server.vconns.Remove(f.RequestID); removed != nil {
			removed.Endpoint.Discard()
		}
	}
}

// HandleOnceShutdown tears down everything the session owns: the tunnel
// registration, its TCP listeners, its in-flight virtual connections, and
// its dynamic-listener reference
func (s *Session) HandleOnceShutdown(completionErr error) error {
	if s.tunnel != nil {
		s.server.teardownTunnel(s.tunnel)
		s.ILogf("Tunnel %q closed %s", s.tunnel.Name, s.tunnel.Stats.String())
	}
	s.ws.Close()
	return completionErr
}
