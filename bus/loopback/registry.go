package loopback

import (
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// handle identifies one exported interface in a connection's registry.
// Handle 0 is reserved and always invalid.
type handle uint32

type exportKey struct {
	path  dbus.ObjectPath
	iface string
}

type exportEntry struct {
	iface *bus.Interface
	key   exportKey
	valid bool
}

// registry is the per-connection table of exported interfaces.
// Released handles are reused through a free list.
type registry struct {
	index    map[exportKey]handle
	entries  []exportEntry
	freeList []handle
	mu       sync.RWMutex
	closed   bool
}

func newRegistry() *registry {
	return &registry{
		index:    make(map[exportKey]handle),
		entries:  make([]exportEntry, 0, 16),
		freeList: make([]handle, 0, 4),
	}
}

// insert exports iface at path. A second export of the same interface
// name at the same path fails with KindExists.
func (r *registry) insert(path dbus.ObjectPath, iface *bus.Interface) (handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errClosed
	}

	key := exportKey{path: path, iface: iface.Name}
	if _, ok := r.index[key]; ok {
		return 0, errors.New(errors.PhaseTransport, errors.KindExists).
			Interface(iface.Name).
			Path(string(path)).
			Detail("interface already exported").
			Build()
	}

	e := exportEntry{iface: iface, key: key, valid: true}

	var h handle
	if len(r.freeList) > 0 {
		h = r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
		r.entries[h-1] = e
	} else {
		r.entries = append(r.entries, e)
		h = handle(len(r.entries))
	}
	r.index[key] = h
	return h, nil
}

// remove drops the export behind h. It reports false for unknown or
// already released handles.
func (r *registry) remove(h handle) bool {
	if h == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := h - 1
	if int(idx) >= len(r.entries) {
		return false
	}
	e := &r.entries[idx]
	if !e.valid {
		return false
	}

	delete(r.index, e.key)
	e.valid = false
	e.iface = nil
	r.freeList = append(r.freeList, h)
	return true
}

// lookup returns the interface exported under name at path.
func (r *registry) lookup(path dbus.ObjectPath, name string) (*bus.Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.index[exportKey{path: path, iface: name}]
	if !ok {
		return nil, false
	}
	return r.entries[h-1].iface, true
}

// at returns every interface exported at path in handle order.
func (r *registry) at(path dbus.ObjectPath) []*bus.Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*bus.Interface
	for i := range r.entries {
		if r.entries[i].valid && r.entries[i].key.path == path {
			out = append(out, r.entries[i].iface)
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// close drops every export and rejects further inserts.
func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.entries = nil
	r.freeList = nil
	clear(r.index)
}

// registration is the handle returned by Conn.RegisterInterface.
type registration struct {
	reg  *registry
	once sync.Once
	h    handle
}

func (g *registration) Close() error {
	g.once.Do(func() {
		g.reg.remove(g.h)
	})
	return nil
}
