package session

import "time"

// State is the process-wide session state.
type State uint8

const (
	StateLoggedOut State = iota
	StateAuthenticating
	StateActive
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// NoticeKind classifies user-facing notices.
type NoticeKind uint8

const (
	NoticeLoggedIn NoticeKind = iota + 1
	NoticeLoggedOut
	// NoticeExpired asks the UI to redirect to the login screen.
	NoticeExpired
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeLoggedIn:
		return "logged_in"
	case NoticeLoggedOut:
		return "logged_out"
	case NoticeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpiredMessage is shown after a forced logout. It never carries error details.
const ExpiredMessage = "Your session has expired. Please sign in again."

// Notice is delivered to UI subscribers.
type Notice struct {
	Kind    NoticeKind
	Message string
	At      time.Time
}
