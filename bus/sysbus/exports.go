package sysbus

import (
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wippyai/busbind/bus"
	"github.com/wippyai/busbind/errors"
)

// exports is the connection's table of served interfaces, kept per path
// in registration order.
type exports struct {
	paths  map[dbus.ObjectPath][]*bus.Interface
	mu     sync.RWMutex
	closed bool
}

func newExports() *exports {
	return &exports{paths: make(map[dbus.ObjectPath][]*bus.Interface)}
}

func (e *exports) add(path dbus.ObjectPath, iface *bus.Interface) (*registration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errClosed
	}
	for _, have := range e.paths[path] {
		if have.Name == iface.Name {
			return nil, errors.New(errors.PhaseTransport, errors.KindExists).
				Interface(iface.Name).
				Path(string(path)).
				Detail("interface already exported").
				Build()
		}
	}
	e.paths[path] = append(e.paths[path], iface)
	return &registration{table: e, path: path, iface: iface}, nil
}

func (e *exports) remove(path dbus.ObjectPath, iface *bus.Interface) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ifaces := e.paths[path]
	for i, have := range ifaces {
		if have == iface {
			ifaces = append(ifaces[:i:i], ifaces[i+1:]...)
			break
		}
	}
	if len(ifaces) == 0 {
		delete(e.paths, path)
		return
	}
	e.paths[path] = ifaces
}

// at returns the interfaces exported at path.
func (e *exports) at(path dbus.ObjectPath) []*bus.Interface {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paths[path]
}

func (e *exports) lookup(path dbus.ObjectPath, name string) (*bus.Interface, bool) {
	for _, iface := range e.at(path) {
		if iface.Name == name {
			return iface, true
		}
	}
	return nil, false
}

func (e *exports) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	clear(e.paths)
}

type registration struct {
	table *exports
	iface *bus.Interface
	path  dbus.ObjectPath
	once  sync.Once
}

func (r *registration) Close() error {
	r.once.Do(func() {
		r.table.remove(r.path, r.iface)
	})
	return nil
}
