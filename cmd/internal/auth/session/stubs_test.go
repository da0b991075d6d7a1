package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hms/cmd/internal/auth/credential"
	v1 "hms/shared/contracts/realtime/v1"
)

type authFunc func(ctx context.Context, email, password string) (credential.Credential, error)

func (f authFunc) Login(ctx context.Context, email, password string) (credential.Credential, error) {
	return f(ctx, email, password)
}

type stubCoordinator struct {
	mu        sync.Mutex
	onFailure func(error)
	inflight  bool
}

func (s *stubCoordinator) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *stubCoordinator) Cancel() bool { return false }

func (s *stubCoordinator) OnFailure(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

func (s *stubCoordinator) fail(err error) {
	s.mu.Lock()
	fn := s.onFailure
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type stubChannel struct {
	starts int
	stops  int
}

func (s *stubChannel) Start() { s.starts++ }
func (s *stubChannel) Stop()  { s.stops++ }

func newPush(typ string) ([]byte, error) {
	return json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: "push", TS: time.Now().UTC(), Payload: json.RawMessage(`{}`)})
}
