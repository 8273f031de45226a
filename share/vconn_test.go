package stshare

import (
	"sync"
	"testing"
)

// nullEndpoint records terminal calls for table tests
type nullEndpoint struct {
	mu        sync.Mutex
	finished  bool
	failed    string
	discarded bool
	data      []byte
}

func (ne *nullEndpoint) DeliverData(p []byte) error {
	ne.mu.Lock()
	ne.data = append(ne.data, p...)
	ne.mu.Unlock()
	return nil
}

func (ne *nullEndpoint) Finish() {
	ne.mu.Lock()
	ne.finished = true
	ne.mu.Unlock()
}

func (ne *nullEndpoint) Fail(message string) {
	ne.mu.Lock()
	ne.failed = message
	ne.mu.Unlock()
}

func (ne *nullEndpoint) Discard() {
	ne.mu.Lock()
	ne.discarded = true
	ne.mu.Unlock()
}

func TestVConnTableBasicOps(t *testing.T) {
	vt := NewVConnTable()
	tun := &Tunnel{Name: "a"}
	vc := &VConn{ID: "id1", Kind: VConnKindHTTP, Tunnel: tun, Endpoint: &nullEndpoint{}}
	vt.Insert(vc)
	if vt.Len() != 1 {
		t.Fatalf("Len = %d after insert", vt.Len())
	}
	if got := vt.Lookup("id1"); got != vc {
		t.Errorf("Lookup returned %v", got)
	}
	if got := vt.Remove("id1"); got != vc {
		t.Errorf("Remove returned %v", got)
	}
	// removal is idempotent
	if got := vt.Remove("id1"); got != nil {
		t.Errorf("Second remove returned %v", got)
	}
	if vt.Len() != 0 {
		t.Errorf("Len = %d after remove", vt.Len())
	}
}

func TestVConnTableRemoveAll(t *testing.T) {
	vt := NewVConnTable()
	t1 := &Tunnel{Name: "a"}
	t2 := &Tunnel{Name: "b"}
	for i, tun := range []*Tunnel{t1, t2, t1, t1, t2} {
		vt.Insert(&VConn{ID: NewRequestID(), Kind: VConnKindTCP, Tunnel: tun, Endpoint: &nullEndpoint{}})
		_ = i
	}
	removed := vt.RemoveAll(func(vc *VConn) bool { return vc.Tunnel == t1 })
	if len(removed) != 3 {
		t.Errorf("RemoveAll removed %d entries, expected 3", len(removed))
	}
	if vt.Len() != 2 {
		t.Errorf("Len = %d after RemoveAll, expected 2", vt.Len())
	}
	for _, vc := range removed {
		if vc.Tunnel != t1 {
			t.Errorf("RemoveAll returned entry for tunnel %q", vc.Tunnel.Name)
		}
	}
}

func TestVConnTableConcurrent(t *testing.T) {
	vt := NewVConnTable()
	tun := &Tunnel{Name: "a"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := NewRequestID()
				vt.Insert(&VConn{ID: id, Kind: VConnKindHTTP, Tunnel: tun, Endpoint: &nullEndpoint{}})
				vt.Lookup(id)
				vt.Remove(id)
				vt.Remove(id)
			}
		}()
	}
	wg.Wait()
	if vt.Len() != 0 {
		t.Errorf("Len = %d after concurrent churn", vt.Len())
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		if len(id) != 32 {
			t.Fatalf("Request id %q is not 128 bits of hex", id)
		}
		if seen[id] {
			t.Fatalf("Request id %q repeated", id)
		}
		seen[id] = true
	}
}
