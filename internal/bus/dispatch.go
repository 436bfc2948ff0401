package bus

import "sync"

// Listener reacts to an envelope delivered on this instance.
type Listener func(Envelope)

type typedListener struct {
	handle   int
	msgType  string
	callback Listener
}

// Dispatcher is a synchronous local publish/subscribe registry with type
// filtering. Remote envelopes are handed to it after origin filtering.
type Dispatcher struct {
	mu             sync.RWMutex
	listeners      map[int]Listener
	typedListeners map[string][]typedListener
	nextHandle     int
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		listeners:      make(map[int]Listener),
		typedListeners: make(map[string][]typedListener),
	}
}

// Subscribe registers a listener for every envelope and returns a handle.
func (d *Dispatcher) Subscribe(listener Listener) int {
	if listener == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := d.nextHandle
	d.nextHandle++
	d.listeners[handle] = listener
	return handle
}

// subscribeTyped registers a listener for one message type.
func (d *Dispatcher) subscribeTyped(msgType string, callback Listener) int {
	if callback == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := d.nextHandle
	d.nextHandle++
	d.typedListeners[msgType] = append(d.typedListeners[msgType], typedListener{
		handle:   handle,
		msgType:  msgType,
		callback: callback,
	})
	return handle
}

// Unsubscribe removes the listener identified by handle.
func (d *Dispatcher) Unsubscribe(handle int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, handle)
	for msgType, listeners := range d.typedListeners {
		for i := len(listeners) - 1; i >= 0; i-- {
			if listeners[i].handle == handle {
				d.typedListeners[msgType] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
	}
}

// Dispatch delivers env to every matching listener synchronously.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, listener := range d.listeners {
		listener(env)
	}
	for _, listener := range d.typedListeners[env.Type] {
		listener.callback(env)
	}
}
