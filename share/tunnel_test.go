package stshare

import (
	"net"
	"testing"
)

func newTestTunnel(name string, targetPort int) *Tunnel {
	t := NewTunnel(&Frame{
		Type:       FrameRegister,
		Name:       name,
		Target:     "127.0.0.1",
		TargetPort: targetPort,
		TunnelType: TunnelTypeWeb,
		Protocol:   "http",
	}, nil)
	t.SetReady()
	return t
}

func TestRegistryNameUniqueness(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newTestTunnel("foo", 3000)); err != nil {
		t.Fatalf("Register returned error: %s", err)
	}
	err := reg.Register(newTestTunnel("foo", 4000))
	if err != ErrNameInUse {
		t.Errorf("Duplicate register returned %v, expected ErrNameInUse", err)
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, expected 1", reg.Count())
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	tun := newTestTunnel("foo", 3000)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if !tun.AddListener(port, l) {
		t.Fatal("AddListener refused new port")
	}
	reg.Register(tun)

	if got := reg.Unregister("foo"); got != tun {
		t.Fatalf("Unregister returned %v", got)
	}
	// listener must be closed before the entry is removed
	if _, err := l.Accept(); err == nil {
		t.Error("Owned listener still accepting after unregister")
	}
	if reg.Get("foo") != nil {
		t.Error("Tunnel still present after unregister")
	}
	if len(tun.ListenerPorts()) != 0 {
		t.Errorf("Tunnel still owns ports %v", tun.ListenerPorts())
	}
	if got := reg.Unregister("foo"); got != nil {
		t.Errorf("Second unregister returned %v", got)
	}
}

func TestTunnelListenerOwnership(t *testing.T) {
	tun := newTestTunnel("foo", 3000)
	l1, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l1.Close()
	port := l1.Addr().(*net.TCPAddr).Port
	if !tun.AddListener(port, l1) {
		t.Fatal("AddListener refused new port")
	}
	if tun.AddListener(port, l1) {
		t.Error("AddListener accepted duplicate port")
	}
	if !tun.OwnsPort(port) {
		t.Error("OwnsPort false for owned port")
	}
}

func TestRegistryResolvePrecedence(t *testing.T) {
	reg := NewRegistry()
	exact := newTestTunnel("foo", 5173)
	nameOnly := newTestTunnel("bar", 9999)
	portOnly := newTestTunnel("baz", 5173)
	reg.Register(nameOnly)
	reg.Register(portOnly)
	reg.Register(exact)

	// exact (name, port) beats name-only and port-only
	if got := reg.Resolve("foo", 5173, true); got != exact {
		t.Errorf("Resolve(foo,5173) = %v", got)
	}
	// name-only match
	if got := reg.Resolve("bar", 5173, false); got != nameOnly {
		t.Errorf("Resolve(bar,5173) = %v", got)
	}
	// port-only fallback requires portFallback
	if got := reg.Resolve("nope", 5173, false); got != nil {
		t.Errorf("Resolve without fallback = %v", got)
	}
	// port-only fallback picks first registered for that port
	if got := reg.Resolve("nope", 5173, true); got != portOnly {
		t.Errorf("Resolve with fallback = %v", got)
	}
	if got := reg.Resolve("nope", 1, true); got != nil {
		t.Errorf("Resolve of unknown port = %v", got)
	}
}

func TestRegistryResolveSkipsUnready(t *testing.T) {
	reg := NewRegistry()
	tun := NewTunnel(&Frame{
		Type: FrameRegister, Name: "foo", Target: "127.0.0.1",
		TargetPort: 3000, TunnelType: TunnelTypeWeb,
	}, nil)
	reg.Register(tun)
	if got := reg.Resolve("foo", 80, false); got != nil {
		t.Errorf("Resolve returned tunnel before registered frame was sent")
	}
	tun.SetReady()
	if got := reg.Resolve("foo", 80, false); got != tun {
		t.Errorf("Resolve = %v after SetReady", got)
	}
}

func TestTunnelStatsMonotonic(t *testing.T) {
	var ts TunnelStats
	var lastReq, lastIn, lastOut int64
	for i := 0; i < 100; i++ {
		ts.AddRequest()
		ts.AddBytesIn(int64(i))
		ts.AddBytesOut(int64(i * 2))
		requests, bytesIn, bytesOut := ts.Snapshot()
		if requests < lastReq || bytesIn < lastIn || bytesOut < lastOut {
			t.Fatalf("Counters regressed at step %d", i)
		}
		lastReq, lastIn, lastOut = requests, bytesIn, bytesOut
	}
	if lastReq != 100 {
		t.Errorf("requests = %d, expected 100", lastReq)
	}
}

func TestTunnelAccessURL(t *testing.T) {
	web := newTestTunnel("foo", 3000)
	if got := web.AccessURL("tunnel.example.com"); got != "http://foo.tunnel.example.com" {
		t.Errorf("AccessURL = %q", got)
	}
	tcp := NewTunnel(&Frame{
		Type: FrameRegister, Name: "ssh", Target: "127.0.0.1",
		TargetPort: 22, TunnelType: TunnelTypeTCP, Protocol: "ssh",
	}, nil)
	if got := tcp.AccessURL("tunnel.example.com"); got != "tcp://tunnel.example.com" {
		t.Errorf("AccessURL = %q", got)
	}
}
