package stshare

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
)

// ErrNameInUse is returned by Registry.Register when the tunnel name is
// already taken by a live tunnel
var ErrNameInUse = errors.New("Tunnel name already in use")

// TunnelStats carries the monotonically increasing counters for one tunnel
type TunnelStats struct {
	requests int64
	bytesIn  int64
	bytesOut int64
}

// AddRequest counts one public request or accepted public connection
func (ts *TunnelStats) AddRequest() {
	atomic.AddInt64(&ts.requests, 1)
}

// AddBytesIn counts bytes that flowed public-side -> agent
func (ts *TunnelStats) AddBytesIn(n int64) {
	atomic.AddInt64(&ts.bytesIn, n)
}

// AddBytesOut counts bytes that flowed agent -> public-side
func (ts *TunnelStats) AddBytesOut(n int64) {
	atomic.AddInt64(&ts.bytesOut, n)
}

// Snapshot returns a consistent-enough copy of the counters
func (ts *TunnelStats) Snapshot() (requests, bytesIn, bytesOut int64) {
	return atomic.LoadInt64(&ts.requests),
		atomic.LoadInt64(&ts.bytesIn),
		atomic.LoadInt64(&ts.bytesOut)
}

func (ts *TunnelStats) String() string {
	requests, bytesIn, bytesOut := ts.Snapshot()
	return fmt.Sprintf("[%d reqs, %s in, %s out]",
		requests, sizestr.ToString(bytesIn), sizestr.ToString(bytesOut))
}

// Tunnel is the named routing entry an agent creates. It exclusively owns
// its agent control channel and any raw TCP listeners opened on its behalf.
// Its lifetime is bounded by the control channel's lifetime.
type Tunnel struct {
	Name        string
	TunnelType  string
	Protocol    string
	Target      string
	TargetPort  int
	ConnectedAt time.Time
	ClientInfo  map[string]string
	Stats       TunnelStats

	session *Session

	// ready is set once the registered frame has been sent; no public
	// request is dispatched to the tunnel before that point
	ready int32

	mu        sync.Mutex
	listeners map[int]net.Listener
}

// NewTunnel creates a Tunnel from a validated register frame
func NewTunnel(f *Frame, session *Session) *Tunnel {
	return &Tunnel{
		Name:        f.Name,
		TunnelType:  f.TunnelType,
		Protocol:    f.Protocol,
		Target:      f.Target,
		TargetPort:  f.TargetPort,
		ConnectedAt: time.Now(),
		ClientInfo:  f.DeviceInfo,
		session:     session,
		listeners:   make(map[int]net.Listener),
	}
}

// SendFrame sends one frame down the tunnel's control channel
func (t *Tunnel) SendFrame(f *Frame) error {
	return t.session.SendFrame(f)
}

// SetReady marks the tunnel eligible for public dispatch. Called after the
// registered frame has gone out, which makes registration a point of total
// order on the channel.
func (t *Tunnel) SetReady() {
	atomic.StoreInt32(&t.ready, 1)
}

// Ready reports whether public traffic may be dispatched to this tunnel
func (t *Tunnel) Ready() bool {
	return atomic.LoadInt32(&t.ready) != 0
}

// AccessURL returns the public URL an agent should advertise for this tunnel
func (t *Tunnel) AccessURL(domain string) string {
	if t.TunnelType == TunnelTypeTCP {
		return fmt.Sprintf("tcp://%s", domain)
	}
	return fmt.Sprintf("http://%s.%s", t.Name, domain)
}

// AddListener records an owned TCP listener. Returns false if the tunnel
// already owns a listener on that port, in which case the caller must not
// record the new one.
func (t *Tunnel) AddListener(port int, l net.Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[port]; ok {
		return false
	}
	t.listeners[port] = l
	return true
}

// OwnsPort reports whether the tunnel owns a TCP listener on the port
func (t *Tunnel) OwnsPort(port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.listeners[port]
	return ok
}

// ListenerPorts returns the ports of all owned TCP listeners
func (t *Tunnel) ListenerPorts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ports := make([]int, 0, len(t.listeners))
	for port := range t.listeners {
		ports = append(ports, port)
	}
	return ports
}

// CloseListeners closes and forgets every owned TCP listener
func (t *Tunnel) CloseListeners() {
	t.mu.Lock()
	listeners := t.listeners
	t.listeners = make(map[int]net.Listener)
	t.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
}

// Info renders the tunnel for the management API
func (t *Tunnel) Info(domain string) map[string]interface{} {
	requests, bytesIn, bytesOut := t.Stats.Snapshot()
	return map[string]interface{}{
		"name":        t.Name,
		"tunnelType":  t.TunnelType,
		"protocol":    t.Protocol,
		"target":      t.Target,
		"targetPort":  t.TargetPort,
		"accessUrl":   t.AccessURL(domain),
		"connectedAt": t.ConnectedAt.UTC().Format(time.RFC3339),
		"clientInfo":  t.ClientInfo,
		"tcpPorts":    t.ListenerPorts(),
		"stats": map[string]int64{
			"requests": requests,
			"bytesIn":  bytesIn,
			"bytesOut": bytesOut,
		},
	}
}

// Registry maps tunnel names to live tunnels. Registration order is kept so
// the port-only fallback used by dynamic-port upgrades is deterministic
// (first registered wins).
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel
	order   []*Tunnel
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
	}
}

// Register adds a tunnel under its name. Fails with ErrNameInUse if the
// name is taken.
func (reg *Registry) Register(t *Tunnel) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.tunnels[t.Name]; ok {
		return ErrNameInUse
	}
	reg.tunnels[t.Name] = t
	reg.order = append(reg.order, t)
	return nil
}

// Unregister releases a tunnel's entry. The tunnel's TCP listeners are
// closed before the entry is removed so no new connection binds to a dying
// tunnel. Returns the removed tunnel, or nil if the name was not present.
func (reg *Registry) Unregister(name string) *Tunnel {
	reg.mu.Lock()
	t, ok := reg.tunnels[name]
	reg.mu.Unlock()
	if !ok {
		return nil
	}
	t.CloseListeners()
	reg.mu.Lock()
	delete(reg.tunnels, name)
	for i, o := range reg.order {
		if o == t {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	reg.mu.Unlock()
	return t
}

// Get returns the tunnel registered under name, or nil
func (reg *Registry) Get(name string) *Tunnel {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.tunnels[name]
}

// List returns all live tunnels in registration order
func (reg *Registry) List() []*Tunnel {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Tunnel, len(reg.order))
	copy(out, reg.order)
	return out
}

// Count returns the number of live tunnels
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.tunnels)
}

// Resolve picks the tunnel for a public request. label is the first DNS
// label of the Host header; port is the public port the request arrived on.
// Precedence: exact (name, port) match, then name-only, then -- only when
// portFallback is set, as on dynamic-port upgrade traffic -- port-only.
// Tunnels that have not finished registering are never selected.
func (reg *Registry) Resolve(label string, port int, portFallback bool) *Tunnel {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var nameMatch, portMatch *Tunnel
	for _, t := range reg.order {
		if !t.Ready() {
			continue
		}
		if t.Name == label && t.TargetPort == port {
			return t
		}
		if t.Name == label && nameMatch == nil {
			nameMatch = t
		}
		if t.TargetPort == port && portMatch == nil {
			portMatch = t
		}
	}
	if nameMatch != nil {
		return nameMatch
	}
	if portFallback {
		return portMatch
	}
	return nil
}
