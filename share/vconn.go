package stshare

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// VConnKind distinguishes the public-side shape of a virtual connection
type VConnKind string

// The three kinds of public endpoint a virtual connection can front.
const (
	VConnKindHTTP    VConnKind = "http"
	VConnKindUpgrade VConnKind = "upgrade"
	VConnKindTCP     VConnKind = "tcp"
)

// PublicEndpoint is the public-side half of a virtual connection. Data
// delivery preserves the agent's frame order; all methods tolerate being
// called after the endpoint has reached a terminal state.
type PublicEndpoint interface {
	// DeliverData forwards ordered bytes from the agent to the public side
	DeliverData(p []byte) error

	// Finish ends the public side normally (agent sent an end frame)
	Finish()

	// Fail ends the public side with an agent-reported error
	Fail(message string)

	// Discard tears down the public side because the tunnel is going away;
	// the underlying public socket must be closed
	Discard()
}

// VConn pairs one in-flight public connection or HTTP exchange with the
// control-channel stream that serves it
type VConn struct {
	ID       string
	Kind     VConnKind
	Tunnel   *Tunnel
	Endpoint PublicEndpoint
}

// VConnTable maps requestId to the pending public-side endpoint. All methods
// are safe for concurrent use; mutations never block on I/O.
type VConnTable struct {
	mu    sync.Mutex
	conns map[string]*VConn
}

// NewVConnTable creates an empty VConnTable
func NewVConnTable() *VConnTable {
	return &VConnTable{
		conns: make(map[string]*VConn),
	}
}

// Insert adds a virtual connection to the table
func (vt *VConnTable) Insert(vc *VConn) {
	vt.mu.Lock()
	vt.conns[vc.ID] = vc
	vt.mu.Unlock()
}

// Lookup returns the virtual connection for a requestId, or nil
func (vt *VConnTable) Lookup(id string) *VConn {
	vt.mu.Lock()
	vc := vt.conns[id]
	vt.mu.Unlock()
	return vc
}

// Remove deletes and returns the virtual connection for a requestId.
// Removing an id that is absent is a no-op, so terminal frames and
// public-side closes can race harmlessly.
func (vt *VConnTable) Remove(id string) *VConn {
	vt.mu.Lock()
	vc := vt.conns[id]
	delete(vt.conns, id)
	vt.mu.Unlock()
	return vc
}

// RemoveAll deletes every virtual connection matching the predicate and
// returns the removed entries. Entries are copied out under the lock; the
// caller terminates their endpoints without holding it.
func (vt *VConnTable) RemoveAll(match func(*VConn) bool) []*VConn {
	var removed []*VConn
	vt.mu.Lock()
	for id, vc := range vt.conns {
		if match(vc) {
			removed = append(removed, vc)
			delete(vt.conns, id)
		}
	}
	vt.mu.Unlock()
	return removed
}

// Len returns the number of in-flight virtual connections
func (vt *VConnTable) Len() int {
	vt.mu.Lock()
	n := len(vt.conns)
	vt.mu.Unlock()
	return n
}

// NewRequestID returns a cryptographically random 128-bit identifier as a
// hex string, making ids infeasible to guess
func NewRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the platform entropy source is broken
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
