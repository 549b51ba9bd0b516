// Package viewerbus fans framed upload payloads out to registered data
// viewers. It mirrors the fanout-tolerant-of-partial-failure shape of a
// composite sink: every viewer gets every packet, and one viewer's panic
// never prevents delivery to the others. Delivery is synchronous and in
// order, so a slow viewer delays the viewers after it.
package viewerbus

import (
	"fmt"
	"sync"
)

// Viewer receives framed payload bytes as they are successfully uploaded.
type Viewer interface {
	Receive(payload []byte)
	Name() string
}

// FuncViewer adapts a plain function to the Viewer interface.
type FuncViewer struct {
	Named string
	Fn    func([]byte)
}

func (f FuncViewer) Receive(payload []byte) { f.Fn(payload) }
func (f FuncViewer) Name() string           { return f.Named }

// Bus registers named viewers and dispatches packets to all of them.
// register/unregister/dispatch use a re-entrant-safe snapshot: dispatch
// copies the viewer list under lock, releases the lock, then iterates the
// copy, so a viewer may register or unregister another viewer from within
// Receive without deadlocking. Such changes take effect on the next
// dispatch, not the one in progress.
type Bus struct {
	mu      sync.Mutex
	order   []string
	viewers map[string]Viewer
}

// New returns an empty viewer bus.
func New() *Bus {
	return &Bus{viewers: make(map[string]Viewer)}
}

// Register adds a named viewer. Re-registration under an existing name
// replaces the prior viewer but keeps its position in dispatch order.
func (b *Bus) Register(v Viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := v.Name()
	if _, exists := b.viewers[name]; !exists {
		b.order = append(b.order, name)
	}
	b.viewers[name] = v
}

// Unregister removes a single named viewer.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.viewers[name]; !ok {
		return
	}
	delete(b.viewers, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// UnregisterAll clears every registered viewer.
func (b *Bus) UnregisterAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.viewers = make(map[string]Viewer)
}

// AreAnyEnabled reports whether the bus has at least one registered viewer.
func (b *Bus) AreAnyEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.viewers) > 0
}

// Dispatch delivers payload to every viewer registered at the moment of the
// snapshot, in stable registration order. A viewer that panics is
// recovered so the remaining viewers still receive the packet.
func (b *Bus) Dispatch(payload []byte) {
	b.mu.Lock()
	snapshot := make([]Viewer, 0, len(b.order))
	for _, name := range b.order {
		snapshot = append(snapshot, b.viewers[name])
	}
	b.mu.Unlock()

	for _, v := range snapshot {
		deliverSafely(v, payload)
	}
}

func deliverSafely(v Viewer, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("viewer %s panicked: %v", v.Name(), r)
		}
	}()
	v.Receive(payload)
	return nil
}
