package stshare

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testEnv is one running server plus the addresses a test needs
type testEnv struct {
	t        *testing.T
	server   *Server
	httpPort int
	wsPort   int
	apiPort  int
}

func startTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	env := &testEnv{
		t:        t,
		httpPort: freePort(t),
		wsPort:   freePort(t),
		apiPort:  freePort(t),
	}
	server, err := NewServer(&ServerConfig{
		Config: &Config{
			Domain:    "tunnel.test",
			HTTPPort:  env.httpPort,
			WSPort:    env.wsPort,
			APIPort:   env.apiPort,
			AuthToken: authToken,
		},
	})
	if err != nil {
		t.Fatalf("NewServer returned error: %s", err)
	}
	env.server = server

	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)
	t.Cleanup(cancel)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", env.apiPort))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return env
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Server never became healthy")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// testAgent speaks the raw wire contract so tests can assert exact frames
type testAgent struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialAgent(env *testEnv) *testAgent {
	env.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", env.wsPort), nil)
	if err != nil {
		env.t.Fatalf("Agent dial failed: %s", err)
	}
	env.t.Cleanup(func() { ws.Close() })
	return &testAgent{t: env.t, ws: ws}
}

func (a *testAgent) send(f *Frame) {
	a.t.Helper()
	raw, err := f.Marshal()
	if err != nil {
		a.t.Fatalf("Marshal failed: %s", err)
	}
	if err := a.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		a.t.Fatalf("Agent write failed: %s", err)
	}
}

func (a *testAgent) recv() *Frame {
	a.t.Helper()
	a.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := a.ws.ReadMessage()
	if err != nil {
		a.t.Fatalf("Agent read failed: %s", err)
	}
	f, err := ParseFrame(raw)
	if err != nil {
		a.t.Fatalf("Agent received malformed frame %s: %s", raw, err)
	}
	return f
}

func (a *testAgent) expect(frameType string) *Frame {
	a.t.Helper()
	f := a.recv()
	if f.Type != frameType {
		a.t.Fatalf("Expected %q frame, got %+v", frameType, f)
	}
	return f
}

// expectClosed asserts the server has closed the control channel
func (a *testAgent) expectClosed() {
	a.t.Helper()
	a.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := a.ws.ReadMessage(); err == nil {
		a.t.Fatal("Control channel still open")
	}
}

// register drives auth + register and returns the registered frame
func (a *testAgent) register(token, name string, targetPort int, tunnelType string) *Frame {
	a.t.Helper()
	if token != "" {
		a.send(&Frame{Type: FrameAuth, Token: token})
		a.expect(FrameAuthSuccess)
	}
	a.send(&Frame{
		Type:       FrameRegister,
		Name:       name,
		Target:     "127.0.0.1",
		TargetPort: targetPort,
		TunnelType: tunnelType,
		Protocol:   "http",
	})
	return a.expect(FrameRegistered)
}

func (env *testEnv) publicGet(host, path string) (*http.Response, string) {
	env.t.Helper()
	req, err := http.NewRequest("GET", fmt.Sprintf("http://127.0.0.1:%d%s", env.httpPort, path), nil)
	if err != nil {
		env.t.Fatalf("NewRequest failed: %s", err)
	}
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("Public request failed: %s", err)
	}
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		env.t.Fatalf("Body read failed: %s", err)
	}
	return resp, string(body)
}

func TestAuthSuccess(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.send(&Frame{Type: FrameAuth, Token: "T"})
	f := a.expect(FrameAuthSuccess)
	if f.Domain != "tunnel.test" {
		t.Errorf("auth-success domain = %q", f.Domain)
	}
	if f.WSPort != env.wsPort {
		t.Errorf("auth-success wsPort = %d, expected %d", f.WSPort, env.wsPort)
	}
}

func TestAuthFailure(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.send(&Frame{Type: FrameAuth, Token: "wrong"})
	f := a.expect(FrameAuthFailed)
	if f.Message == "" {
		t.Error("auth-failed carried no message")
	}
	a.expectClosed()
}

func TestAuthRequiredBeforeOtherFrames(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.send(&Frame{
		Type: FrameRegister, Name: "foo", Target: "127.0.0.1",
		TargetPort: 3000, TunnelType: TunnelTypeWeb,
	})
	a.expect(FrameAuthFailed)
	a.expectClosed()
}

func TestNoTokenSkipsAuth(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	f := a.register("", "open", freePort(t), TunnelTypeWeb)
	if f.Name != "open" {
		t.Errorf("registered name = %q", f.Name)
	}
}

func TestRegisterOpensDynamicListener(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	targetPort := freePort(t)
	f := a.register("T", "foo", targetPort, TunnelTypeWeb)
	if f.AccessURL != "http://foo.tunnel.test" {
		t.Errorf("accessUrl = %q", f.AccessURL)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.server.dynports.Refs(targetPort) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Dynamic listener refs = %d", env.server.dynports.Refs(targetPort))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (a *testAgent) serveOneHTTPRequest(respBytes string) chan *Frame {
	reqc := make(chan *Frame, 1)
	go func() {
		f := a.recv()
		if f.Type != FrameHTTPRequest {
			a.t.Errorf("Expected http-request, got %+v", f)
			close(reqc)
			return
		}
		a.send(&Frame{Type: FrameData, RequestID: f.RequestID, Data: EncodePayload([]byte(respBytes))})
		a.send(&Frame{Type: FrameEnd, RequestID: f.RequestID})
		reqc <- f
	}()
	return reqc
}

func TestPublicHTTPRelay(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.register("T", "foo", freePort(t), TunnelTypeWeb)

	reqc := a.serveOneHTTPRequest("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	resp, body := env.publicGet("foo.tunnel.test", "/x")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if body != "hello" {
		t.Errorf("Body = %q", body)
	}

	f := <-reqc
	if f == nil {
		t.Fatal("Agent never saw the request")
	}
	if f.Method != "GET" || f.URL != "/x" {
		t.Errorf("http-request %s %s", f.Method, f.URL)
	}
	if len(f.RequestID) != 32 {
		t.Errorf("requestId %q is not 128-bit hex", f.RequestID)
	}
	if headerValue(f.Headers, "Host") != "foo.tunnel.test" {
		t.Errorf("Host header = %q", headerValue(f.Headers, "Host"))
	}
}

func TestPublicHTTPStreamedResponse(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	a.register("", "stream", freePort(t), TunnelTypeWeb)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f := a.recv()
		if f.Type != FrameHTTPRequest {
			a.t.Errorf("Expected http-request, got %+v", f)
			return
		}
		// headers split mid-frame, then body in pieces; order must hold
		a.send(&Frame{Type: FrameData, RequestID: f.RequestID, Data: EncodePayload([]byte("HTTP/1.1 200 OK\r\nContent-Le"))})
		a.send(&Frame{Type: FrameData, RequestID: f.RequestID, Data: EncodePayload([]byte("ngth: 6\r\n\r\nab"))})
		a.send(&Frame{Type: FrameData, RequestID: f.RequestID, Data: EncodePayload([]byte("cd"))})
		a.send(&Frame{Type: FrameData, RequestID: f.RequestID, Data: EncodePayload([]byte("ef"))})
		a.send(&Frame{Type: FrameEnd, RequestID: f.RequestID})
	}()

	resp, body := env.publicGet("stream.tunnel.test", "/big")
	<-done
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d", resp.StatusCode)
	}
	if body != "abcdef" {
		t.Errorf("Body = %q, bytes must arrive in agent order", body)
	}
}

func TestUpstreamErrorBeforeHeaders(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	a.register("", "boom", freePort(t), TunnelTypeWeb)

	go func() {
		f := a.recv()
		if f.Type == FrameHTTPRequest {
			a.send(&Frame{Type: FrameError, RequestID: f.RequestID, Message: "connection refused"})
		}
	}()
	resp, body := env.publicGet("boom.tunnel.test", "/")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Status = %d, expected 502", resp.StatusCode)
	}
	if !strings.Contains(body, "Upstream error") {
		t.Errorf("Body = %q", body)
	}
}

func TestOfflinePage(t *testing.T) {
	env := startTestEnv(t, "")
	resp, body := env.publicGet("nobody.tunnel.test", "/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d; offline page keeps 200 for agent compatibility", resp.StatusCode)
	}
	if !strings.Contains(body, "Tunnel offline") {
		t.Errorf("Body = %q", body)
	}
}

func TestFirstByteTimeout(t *testing.T) {
	saved := requestTimeout
	requestTimeout = 300 * time.Millisecond
	defer func() { requestTimeout = saved }()

	env := startTestEnv(t, "")
	a := dialAgent(env)
	a.register("", "slow", freePort(t), TunnelTypeWeb)

	go a.ws.ReadMessage() // swallow the http-request and never answer

	resp, body := env.publicGet("slow.tunnel.test", "/")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("Status = %d, expected 504", resp.StatusCode)
	}
	if !strings.Contains(body, "Tunnel timeout") {
		t.Errorf("Body = %q", body)
	}
	// the vconn is gone; late frames are dropped silently
	deadline := time.Now().Add(2 * time.Second)
	for env.server.vconns.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("VConn table still holds %d entries", env.server.vconns.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDuplicateRegisterNewChannel(t *testing.T) {
	env := startTestEnv(t, "T")
	a1 := dialAgent(env)
	a1.register("T", "foo", freePort(t), TunnelTypeWeb)

	a2 := dialAgent(env)
	a2.send(&Frame{Type: FrameAuth, Token: "T"})
	a2.expect(FrameAuthSuccess)
	a2.send(&Frame{
		Type: FrameRegister, Name: "foo", Target: "127.0.0.1",
		TargetPort: 4000, TunnelType: TunnelTypeWeb,
	})
	f := a2.expect(FrameError)
	if f.Message != "Tunnel name already in use" {
		t.Errorf("error message = %q", f.Message)
	}
	a2.expectClosed()

	// the original tunnel is intact
	if env.server.registry.Get("foo") == nil {
		t.Error("Original tunnel was torn down by the conflicting register")
	}
}

func TestRepeatedAuthIsIgnored(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.register("T", "again", freePort(t), TunnelTypeWeb)

	// repeated auth must not elevate or disturb the session
	a.send(&Frame{Type: FrameAuth, Token: "T"})

	reqc := a.serveOneHTTPRequest("HTTP/1.1 204 No Content\r\n\r\n")
	resp, _ := env.publicGet("again.tunnel.test", "/")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Status = %d after repeated auth", resp.StatusCode)
	}
	<-reqc
}

func TestPrivilegedTCPPortRejected(t *testing.T) {
	env := startTestEnv(t, "T")
	a := dialAgent(env)
	a.register("T", "ssh", freePort(t), TunnelTypeTCP)

	a.send(&Frame{Type: FrameTCPListen, Port: 22})
	f := a.expect(FrameTCPError)
	if f.Port != 22 {
		t.Errorf("tcp-error port = %d", f.Port)
	}
	if f.Message != "Privileged port not allowed" {
		t.Errorf("tcp-error message = %q", f.Message)
	}
}

func TestTCPListenAndRelay(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	a.register("", "raw", freePort(t), TunnelTypeTCP)

	port := freePort(t)
	a.send(&Frame{Type: FrameTCPListen, Port: port})
	f := a.expect(FrameTCPListening)
	if f.Port != port || f.Status != "ok" {
		t.Fatalf("tcp-listening %+v", f)
	}

	// duplicate listen on the same port
	a.send(&Frame{Type: FrameTCPListen, Port: port})
	f = a.expect(FrameTCPListening)
	if f.Status != "already" {
		t.Errorf("Duplicate tcp-listen status = %q", f.Status)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Public dial failed: %s", err)
	}
	defer conn.Close()

	cf := a.expect(FrameTCPConnect)
	if cf.Port != port || cf.RemoteAddr == "" || len(cf.RequestID) != 32 {
		t.Fatalf("tcp-connect %+v", cf)
	}

	// public -> agent
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Public write failed: %s", err)
	}
	df := a.expect(FrameData)
	payload, _ := df.Payload()
	if df.RequestID != cf.RequestID || string(payload) != "ping" {
		t.Fatalf("data frame %+v payload %q", df, payload)
	}

	// agent -> public
	a.send(&Frame{Type: FrameData, RequestID: cf.RequestID, Data: EncodePayload([]byte("pong"))})
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Public read failed: %s", err)
	}
	if string(buf) != "pong" {
		t.Errorf("Public read %q", buf)
	}

	// agent end closes the public socket
	a.send(&Frame{Type: FrameEnd, RequestID: cf.RequestID})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Error("Public socket still open after end frame")
	}
}

func TestUpgradeRelay(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	targetPort := freePort(t)
	a.register("", "hmr", targetPort, TunnelTypeWeb)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", env.httpPort))
	if err != nil {
		t.Fatalf("Public dial failed: %s", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "GET /socket HTTP/1.1\r\nHost: hmr.tunnel.test\r\n"+
		"Connection: Upgrade\r\nUpgrade: websocket\r\n\r\n")

	uf := a.expect(FrameHTTPUpgrade)
	if uf.Method != "GET" || uf.URL != "/socket" {
		t.Fatalf("http-upgrade %+v", uf)
	}
	// Host is rewritten so the upstream believes it is addressed directly
	wantHost := fmt.Sprintf("127.0.0.1:%d", targetPort)
	if got := headerValue(uf.Headers, "Host"); got != wantHost {
		t.Errorf("Rewritten Host = %q, expected %q", got, wantHost)
	}

	// agent replays the upstream 101 handshake raw
	a.send(&Frame{Type: FrameData, RequestID: uf.RequestID,
		Data: EncodePayload([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"))})
	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("Public read failed: %s", err)
	}
	if !strings.HasPrefix(line, "HTTP/1.1 101") {
		t.Fatalf("Handshake line = %q", line)
	}

	// public -> agent raw bytes after the upgrade
	if _, err := conn.Write([]byte("frame-bytes")); err != nil {
		t.Fatalf("Public write failed: %s", err)
	}
	df := a.expect(FrameData)
	payload, _ := df.Payload()
	if string(payload) != "frame-bytes" {
		t.Errorf("Agent saw %q", payload)
	}
}

func TestResourceConservationOnAgentDeath(t *testing.T) {
	env := startTestEnv(t, "")
	a := dialAgent(env)
	targetPort := freePort(t)
	a.register("", "doomed", targetPort, TunnelTypeTCP)

	tcpPort := freePort(t)
	a.send(&Frame{Type: FrameTCPListen, Port: tcpPort})
	a.expect(FrameTCPListening)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	if err != nil {
		t.Fatalf("Public dial failed: %s", err)
	}
	defer conn.Close()
	a.expect(FrameTCPConnect)

	// agent drops abruptly; every owned resource must reach zero
	a.ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if env.server.registry.Count() == 0 &&
			env.server.vconns.Len() == 0 &&
			env.server.dynports.Refs(targetPort) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Leaked resources: tunnels=%d vconns=%d dynrefs=%d",
				env.server.registry.Count(), env.server.vconns.Len(),
				env.server.dynports.Refs(targetPort))
		}
		time.Sleep(20 * time.Millisecond)
	}
	// the tcp listener port must be free again
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", tcpPort))
	if err != nil {
		t.Fatalf("Port %d still held after agent death: %s", tcpPort, err)
	}
	l.Close()
	// the public socket must have been closed
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Public socket still open after tunnel teardown")
	}
}
