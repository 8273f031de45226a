package stshare

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerConfig is the configuration for the subtunnel service
type ServerConfig struct {
	// Config is the recognized file/env configuration
	*Config

	// ConfigPath, when non-empty, is watched for auth-token changes
	ConfigPath string

	// Debug raises the log level and enables public request logging
	Debug bool
}

// Server is the reverse tunneling service: it owns the tunnel registry, the
// virtual-connection table, the dynamic-port manager, and the three service
// listeners
type Server struct {
	ShutdownHelper
	config     *Config
	configPath string
	debug      bool

	authToken atomic.Value // string

	registry *Registry
	vconns   *VConnTable
	dynports *DynPortManager

	httpServer *HTTPServer
	wsServer   *HTTPServer
	apiServer  *HTTPServer

	startedAt  time.Time
	sessionSeq int32

	// counters for tunnels that have already closed, so aggregate stats
	// stay monotonic across teardown
	retiredRequests int64
	retiredBytesIn  int64
	retiredBytesOut int64

	stopConfigWatch func()
}

// NewServer creates and returns a new subtunnel server
func NewServer(config *ServerConfig) (*Server, error) {
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	if config.Domain == "" {
		return nil, fmt.Errorf("server: domain must be configured")
	}
	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("server", logLevel)

	s := &Server{
		config:     config.Config,
		configPath: config.ConfigPath,
		debug:      config.Debug,
		registry:   NewRegistry(),
		vconns:     NewVConnTable(),
		startedAt:  time.Now(),
	}
	s.InitShutdownHelper(logger, s)
	s.authToken.Store(config.AuthToken)
	s.dynports = NewDynPortManager(s, logger, config.HTTPPort, config.WSPort, config.APIPort)
	s.httpServer = NewHTTPServer(logger.Fork("http:%d", config.HTTPPort))
	s.wsServer = NewHTTPServer(logger.Fork("ws:%d", config.WSPort))
	s.apiServer = NewHTTPServer(logger.Fork("api:%d", config.APIPort))
	s.AddShutdownChild(s.httpServer)
	s.AddShutdownChild(s.wsServer)
	s.AddShutdownChild(s.apiServer)
	return s, nil
}

// AuthToken returns the currently effective shared agent secret; empty
// means authentication is disabled
func (s *Server) AuthToken() string {
	return s.authToken.Load().(string)
}

// Run starts the three service listeners and blocks until the context is
// cancelled or a listener fails
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.ILogf("Serving tunnels for *.%s", s.config.Domain)
			if s.AuthToken() != "" {
				s.ILogf("Agent authentication enabled")
			}
			if s.configPath != "" {
				stop, err := WatchConfig(s.Logger, s.configPath, func(c *Config) {
					s.authToken.Store(c.AuthToken)
				})
				if err != nil {
					s.WLogf("Config watch disabled: %s", err)
				} else {
					s.stopConfigWatch = stop
				}
			}
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.httpServer.ListenAndServe(gctx,
			fmt.Sprintf(":%d", s.config.HTTPPort), s.wrapDebugLog(s.publicHandler(s.config.HTTPPort)))
	})
	g.Go(func() error {
		return s.wsServer.ListenAndServe(gctx,
			fmt.Sprintf(":%d", s.config.WSPort), s.agentHandler())
	})
	g.Go(func() error {
		return s.apiServer.ListenAndServe(gctx,
			fmt.Sprintf(":%d", s.config.APIPort), s.apiHandler())
	})
	err = g.Wait()
	return s.Shutdown(err)
}

// wrapDebugLog wraps a public handler with request logging at debug level
func (s *Server) wrapDebugLog(h http.Handler) http.Handler {
	if s.GetLogLevel() >= LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// publicHandler serves the default public port: tunnel HTTP traffic routed
// by Host label, upgrade relays, and the agent control-channel endpoint at
// /ws* on the base domain
func (s *Server) publicHandler(port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgradeRequest(r) {
			if s.isAgentEndpoint(r) {
				s.handleAgentWS(w, r)
				return
			}
			s.DLogf("Public upgrade: %s", describeRequest(r))
			s.serveTunnelUpgrade(w, r, port, false)
			return
		}
		s.serveTunnelHTTP(w, r, port)
	})
}

// dynamicHandler serves a dynamic-port listener: same resolution rules as
// the default port, plus the port-only tie-break for upgrade traffic, since
// a dynamic port exists precisely because some tunnel advertised it
func (s *Server) dynamicHandler(port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgradeRequest(r) {
			s.serveTunnelUpgrade(w, r, port, true)
			return
		}
		s.serveTunnelHTTP(w, r, port)
	})
}

// agentHandler serves the legacy dedicated control-channel port; any
// upgrade on it is an agent connection
func (s *Server) agentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgradeRequest(r) {
			s.handleAgentWS(w, r)
			return
		}
		http.Error(w, "Not Found", http.StatusNotFound)
	})
}

// isAgentEndpoint reports whether an upgrade request on the default public
// port is an agent connecting (path /ws* on the base domain) rather than
// public traffic for a tunnel
func (s *Server) isAgentEndpoint(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == s.config.Domain && strings.HasPrefix(r.URL.Path, "/ws")
}

// handleAgentWS upgrades an agent connection and services its session
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Agent websocket upgrade failed: %s", err)
		return
	}
	session := NewSession(s, wsConn, atomic.AddInt32(&s.sessionSeq, 1))
	s.AddShutdownChild(session)
	go session.Run(context.Background())
}

// teardownTunnel runs the full cleanup cascade for a dying tunnel: close its
// TCP listeners and registry entry first so nothing new binds to it, then
// terminate every in-flight virtual connection, then release its
// dynamic-listener reference
func (s *Server) teardownTunnel(t *Tunnel) {
	if removed := s.registry.Unregister(t.Name); removed == nil {
		return
	}
	for _, vc := range s.vconns.RemoveAll(func(vc *VConn) bool { return vc.Tunnel == t }) {
		vc.Endpoint.Discard()
	}
	s.dynports.Release(t.TargetPort)

	requests, bytesIn, bytesOut := t.Stats.Snapshot()
	atomic.AddInt64(&s.retiredRequests, requests)
	atomic.AddInt64(&s.retiredBytesIn, bytesIn)
	atomic.AddInt64(&s.retiredBytesOut, bytesOut)
}

// aggregateStats sums counters across live tunnels and everything already
// retired
func (s *Server) aggregateStats() (requests, bytesIn, bytesOut int64) {
	requests = atomic.LoadInt64(&s.retiredRequests)
	bytesIn = atomic.LoadInt64(&s.retiredBytesIn)
	bytesOut = atomic.LoadInt64(&s.retiredBytesOut)
	for _, t := range s.registry.List() {
		r, in, out := t.Stats.Snapshot()
		requests += r
		bytesIn += in
		bytesOut += out
	}
	return requests, bytesIn, bytesOut
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionError as an advisory completion value, actually
// shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if s.stopConfigWatch != nil {
		s.stopConfigWatch()
	}
	s.dynports.CloseAll()
	for _, vc := range s.vconns.RemoveAll(func(*VConn) bool { return true }) {
		vc.Endpoint.Discard()
	}
	return completionErr
}
