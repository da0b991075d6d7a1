package realtime

import "time"

// Frame and queue limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Buffered events between the connection readers and handlers.
	eventQueueSize = 256
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultWriteTimeout   = 5 * time.Second

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Reconnect throttle: one dial per interval with a small burst.
	reconnectEvery = 1 * time.Second
	reconnectBurst = 3
)
