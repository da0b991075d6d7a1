// Package refresh owns the single in-flight refresh slot.
//
// Every component that needs a new access token (the HTTP gateway after a 401, the realtime
// channel after auth:expired) calls Coordinator.Refresh. Concurrent callers share one network
// exchange; the slot is emptied the moment that exchange resolves.
package refresh
