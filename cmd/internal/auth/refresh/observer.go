package refresh

import "time"

// Result labels how a ticket resolved.
type Result string

const (
	ResultOK        Result = "ok"
	ResultRejected  Result = "rejected"
	ResultDiscarded Result = "discarded"
	ResultCancelled Result = "cancelled"
)

// Observer receives ticket lifecycle events. Implementations must not block.
type Observer interface {
	TicketStarted()
	WaiterAttached()
	TicketResolved(r Result, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TicketStarted()                       {}
func (nopObserver) WaiterAttached()                      {}
func (nopObserver) TicketResolved(Result, time.Duration) {}
