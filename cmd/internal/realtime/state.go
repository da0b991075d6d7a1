package realtime

// State is the channel's connection state.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	// StateReconnecting means the last connection was lost or its credential expired
	// and the channel is waiting to dial again.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Dial outcomes reported to Observer.
const (
	ConnectOK          = "ok"
	ConnectError       = "error"
	ConnectAuthExpired = "auth_expired"
	ConnectStale       = "stale"
	ConnectDiscarded   = "discarded"
)

// Observer receives state changes and dial outcomes. Implementations must not block.
type Observer interface {
	StateChanged(State)
	ConnectAttempt(result string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)    {}
func (nopObserver) ConnectAttempt(string) {}
