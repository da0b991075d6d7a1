package realtime

import (
	"sync"
	"time"

	"github.com/coder/websocket"

	"hms/cmd/internal/auth/credential"
)

// Tag identifies the credential a Connection was opened under.
type Tag struct {
	Version     uint64
	Fingerprint string
}

func tagOf(c credential.Credential) Tag {
	return Tag{Version: c.Version, Fingerprint: c.Fingerprint()}
}

// Connection is one websocket session opened under a single credential.
// It is retired, never re-tagged, when the credential changes.
type Connection struct {
	ID        string
	SessionID string
	Tag       Tag
	OpenedAt  time.Time

	ws *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id, sessionID string, tag Tag, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:        id,
		SessionID: sessionID,
		Tag:       tag,
		OpenedAt:  time.Now().UTC(),
		ws:        ws,
		done:      make(chan struct{}),
	}
}

// Done is closed once the connection is retired.
func (c *Connection) Done() <-chan struct{} { return c.done }

// retire marks the connection dead immediately and closes the socket in the background.
// It never blocks and is idempotent.
func (c *Connection) retire(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() { _ = c.ws.Close(code, reason) }()
	})
}
