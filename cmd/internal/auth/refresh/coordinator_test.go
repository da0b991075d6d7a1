package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hms/cmd/internal/auth/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExchanger struct {
	calls   atomic.Int32
	delay   time.Duration
	release chan struct{}
	err     error
	rotate  bool
}

func (f *fakeExchanger) Exchange(ctx context.Context, cur credential.Credential) (credential.Credential, error) {
	n := f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	if f.err != nil {
		return credential.Credential{}, f.err
	}
	next := credential.Credential{
		AccessToken:  cur.AccessToken + "-next",
		AccessExpiry: time.Now().Add(15 * time.Minute),
		Subject:      cur.Subject,
	}
	if f.rotate {
		next.RefreshToken = cur.RefreshToken + "-" + string(rune('0'+n))
	}
	return next, nil
}

func seededStore(t *testing.T) (*credential.Store, credential.Credential) {
	t.Helper()
	s := credential.NewStore(credential.NewMemoryStorage(), testLogger())
	c, err := s.Set(context.Background(), credential.Credential{
		AccessToken:  "a1",
		RefreshToken: "r1",
		AccessExpiry: time.Now().Add(time.Minute),
		Subject:      credential.Subject{ID: "u1", Role: "doctor"},
	})
	require.NoError(t, err)
	return s, c
}

func TestRefresh_SingleFlight(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	results := make([]credential.Credential, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background(), cur.AccessToken)
		}(i)
	}

	require.Eventually(t, c.InFlight, time.Second, 5*time.Millisecond)
	// Give late goroutines a chance to attach before the exchange resolves.
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	require.EqualValues(t, 1, ex.calls.Load())
	require.False(t, c.InFlight())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "a1-next", results[i].AccessToken)
		require.Equal(t, "r1", results[i].RefreshToken)
	}

	got, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, results[0].Version, got.Version)
}

func TestRefresh_StaleTokenReturnsCurrent(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	first, err := c.Refresh(context.Background(), cur.AccessToken)
	require.NoError(t, err)

	// A 401 for the old token that arrives after the first ticket resolved.
	second, err := c.Refresh(context.Background(), cur.AccessToken)
	require.NoError(t, err)
	require.Equal(t, first.Version, second.Version)
	require.EqualValues(t, 1, ex.calls.Load())

	// An empty stale token forces a new exchange.
	_, err = c.Refresh(context.Background(), "")
	require.NoError(t, err)
	require.EqualValues(t, 2, ex.calls.Load())
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	t.Parallel()

	store := credential.NewStore(credential.NewMemoryStorage(), testLogger())
	ex := &fakeExchanger{}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	_, err = c.Refresh(context.Background(), "")
	require.ErrorIs(t, err, ErrNoRefreshToken)

	_, err = store.Set(context.Background(), credential.Credential{AccessToken: "a1"})
	require.NoError(t, err)
	_, err = c.Refresh(context.Background(), "a1")
	require.ErrorIs(t, err, ErrNoRefreshToken)

	require.Zero(t, ex.calls.Load())
}

func TestRefresh_FailureRejectsAllWaitersAndNotifies(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{err: errors.New("revoked"), release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	failures := make(chan error, 4)
	c.OnFailure(func(err error) { failures <- err })

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background(), cur.AccessToken)
		}(i)
	}
	require.Eventually(t, c.InFlight, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, ErrRefreshRejected)
		var re *RejectedError
		require.ErrorAs(t, err, &re)
		require.NotEmpty(t, re.TicketID)
	}

	select {
	case err := <-failures:
		require.ErrorIs(t, err, ErrRefreshRejected)
	case <-time.After(time.Second):
		t.Fatalf("failure hook was not called")
	}

	require.EqualValues(t, 1, ex.calls.Load())
	require.False(t, c.InFlight())

	// The failed ticket is gone; the next call starts a fresh attempt.
	_, err = c.Refresh(context.Background(), cur.AccessToken)
	require.ErrorIs(t, err, ErrRefreshRejected)
	require.EqualValues(t, 2, ex.calls.Load())
}

func TestRefresh_TimeoutIsRejection(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Refresh(context.Background(), cur.AccessToken)
	require.ErrorIs(t, err, ErrRefreshRejected)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefresh_CancelDiscardsLateSuccess(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	hookCalled := atomic.Bool{}
	c.OnFailure(func(error) { hookCalled.Store(true) })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), cur.AccessToken)
		errCh <- err
	}()
	require.Eventually(t, c.InFlight, time.Second, 5*time.Millisecond)

	// Logout: cancel the slot, then clear the store.
	require.True(t, c.Cancel())
	require.NoError(t, store.Clear(context.Background()))
	require.ErrorIs(t, <-errCh, ErrSessionClosed)

	close(ex.release)
	require.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, ok := store.Get()
	require.False(t, ok, "late refresh result must not repopulate the store")
	require.False(t, hookCalled.Load())
	require.False(t, c.Cancel())
}

func TestRefresh_ClearedStoreDiscardsResult(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), cur.AccessToken)
		errCh <- err
	}()
	require.Eventually(t, c.InFlight, time.Second, 5*time.Millisecond)

	// Store cleared without going through Cancel.
	require.NoError(t, store.Clear(context.Background()))
	close(ex.release)

	require.ErrorIs(t, <-errCh, ErrSessionClosed)
	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresh_WaiterContextOnlyDetachesWaiter(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	ex := &fakeExchanger{release: make(chan struct{})}
	c, err := New(store, ex, testLogger(), Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, cur.AccessToken)
		errCh <- err
	}()
	require.Eventually(t, c.InFlight, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.True(t, c.InFlight())

	close(ex.release)
	require.Eventually(t, func() bool { return !c.InFlight() }, time.Second, 5*time.Millisecond)

	got, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, "a1-next", got.AccessToken)
}

func TestRefresh_RotatedRefreshTokenIsStored(t *testing.T) {
	t.Parallel()

	store, cur := seededStore(t)
	c, err := New(store, &fakeExchanger{rotate: true}, testLogger(), Config{})
	require.NoError(t, err)

	next, err := c.Refresh(context.Background(), cur.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "r1-1", next.RefreshToken)
	require.Greater(t, next.Version, cur.Version)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store, _ := seededStore(t)

	_, err := New(nil, &fakeExchanger{}, nil, Config{})
	require.ErrorIs(t, err, ErrConfig)

	_, err = New(store, nil, nil, Config{})
	require.ErrorIs(t, err, ErrConfig)

	_, err = New(store, &fakeExchanger{}, nil, Config{Timeout: -time.Second})
	require.ErrorIs(t, err, ErrConfig)
}

// stallingStorage blocks Put until its ctx ends once armed.
type stallingStorage struct {
	*credential.MemoryStorage
	armed atomic.Bool
}

func (s *stallingStorage) Put(ctx context.Context, entries map[string][]byte) error {
	if s.armed.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStorage.Put(ctx, entries)
}

func TestRefresh_StalledPersistIsBoundedAndDoesNotBlockCallers(t *testing.T) {
	t.Parallel()

	storage := &stallingStorage{MemoryStorage: credential.NewMemoryStorage()}
	store := credential.NewStore(storage, testLogger())
	cur, err := store.Set(context.Background(), credential.Credential{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	storage.armed.Store(true)

	c, err := New(store, &fakeExchanger{}, testLogger(), Config{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	failures := make(chan error, 1)
	c.OnFailure(func(err error) { failures <- err })

	first := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := c.Refresh(context.Background(), cur.AccessToken)
		first <- err
	}()
	require.Eventually(t, c.InFlight, time.Second, time.Millisecond)

	// A second caller with a short deadline gives up on its own while the write is stalled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	waitStart := time.Now()
	_, err = c.Refresh(ctx, cur.AccessToken)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(waitStart), 150*time.Millisecond)

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrRefreshRejected)
		require.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatalf("refresh still blocked on a stalled storage write")
	}

	select {
	case err := <-failures:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatalf("failure hook not called")
	}

	got, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, cur.Version, got.Version)
}

func TestRefresh_CancelReturnsWhilePersistStalls(t *testing.T) {
	t.Parallel()

	storage := &stallingStorage{MemoryStorage: credential.NewMemoryStorage()}
	store := credential.NewStore(storage, testLogger())
	cur, err := store.Set(context.Background(), credential.Credential{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	storage.armed.Store(true)

	c, err := New(store, &fakeExchanger{}, testLogger(), Config{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)

	var hookCalls atomic.Int32
	c.OnFailure(func(error) { hookCalls.Add(1) })

	first := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), cur.AccessToken)
		first <- err
	}()
	require.Eventually(t, c.InFlight, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancelStart := time.Now()
	require.True(t, c.Cancel())
	require.Less(t, time.Since(cancelStart), 100*time.Millisecond)

	require.ErrorIs(t, <-first, ErrSessionClosed)

	// The late persist failure belongs to a cancelled ticket and must not force a logout.
	time.Sleep(700 * time.Millisecond)
	require.Zero(t, hookCalls.Load())
}
