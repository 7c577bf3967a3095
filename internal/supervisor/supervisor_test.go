package supervisor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authwatch/sharing-api/internal/supervisor"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeServer struct {
	stop     chan struct{}
	once     sync.Once
	startErr error
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (f *fakeServer) ListenAndServe() error {
	if f.startErr != nil {
		return f.startErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	f.once.Do(func() { close(f.stop) })
	return nil
}

type fakePruner struct {
	calls atomic.Int32
}

func (p *fakePruner) Cleanup(time.Time, time.Duration) { p.calls.Add(1) }
func (p *fakePruner) Len() int                         { return 0 }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ─── HTTP service ─────────────────────────────────────────────────────────────

func TestHTTPService_ShutsDownOnCancel(t *testing.T) {
	srv := newFakeServer()
	svc := supervisor.NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, srv.shutdown.Load())
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPService_ReportsStartFailure(t *testing.T) {
	srv := newFakeServer()
	srv.startErr = errors.New("address in use")

	err := supervisor.NewHTTPService(srv, time.Second).Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

// ─── Janitor ──────────────────────────────────────────────────────────────────

func TestJanitorService_PrunesPeriodically(t *testing.T) {
	p := &fakePruner{}
	svc := supervisor.NewJanitorService(p, time.Now, time.Hour, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "store-janitor", svc.String())
}

// ─── Tree ─────────────────────────────────────────────────────────────────────

func TestTree_RunsAndStopsServices(t *testing.T) {
	tree := supervisor.New(quietLogger(), supervisor.TreeConfig{ShutdownTimeout: time.Second})

	srv := newFakeServer()
	p := &fakePruner{}
	tree.AddAPIService(supervisor.NewHTTPService(srv, time.Second))
	tree.AddBackgroundService(supervisor.NewJanitorService(p, time.Now, time.Hour, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.True(t, srv.shutdown.Load())
}
