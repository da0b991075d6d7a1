package realtime

import (
	v1 "hms/shared/contracts/realtime/v1"
)

// Local event names. Server pushes are delivered under their envelope type.
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventAuthExpired = v1.TypeAuthExpired
	EventError       = v1.TypeError

	// EventAny receives every event.
	EventAny = "*"
)

// Event is delivered to handlers registered with Channel.On.
type Event struct {
	Name         string
	ConnectionID string
	Version      uint64

	// Envelope is set for server pushes.
	Envelope *v1.Envelope

	// Err is set on disconnect when the connection was lost rather than retired.
	Err error
}

// Handler runs on the channel's dispatcher goroutine. It must not block or call Stop.
type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

// On registers h for event name. The returned func unregisters it.
func (c *Channel) On(name string, h Handler) (off func()) {
	if h == nil || name == "" {
		return func() {}
	}

	c.hmu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: id, fn: h})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		hs := c.handlers[name]
		for i, e := range hs {
			if e.id == id {
				c.handlers[name] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (c *Channel) deliver(ev Event) {
	c.hmu.RLock()
	hs := make([]handlerEntry, 0, len(c.handlers[ev.Name])+len(c.handlers[EventAny]))
	hs = append(hs, c.handlers[ev.Name]...)
	hs = append(hs, c.handlers[EventAny]...)
	c.hmu.RUnlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

// emitLocked queues ev without blocking. Requires c.mu.
func (c *Channel) emitLocked(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("ws.event.drop", "event", ev.Name, "connection_id", ev.ConnectionID)
	}
}
