package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPServer is the subset of *http.Server the HTTP service needs.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an http.Server to suture's Serve(ctx) contract.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. shutdownTimeout bounds graceful shutdown.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Pruner is implemented by the key state store.
type Pruner interface {
	Cleanup(now time.Time, window time.Duration)
	Len() int
}

// JanitorService prunes the store on a fixed interval so keys that stop
// sending events do not keep their history until their next event.
type JanitorService struct {
	store    Pruner
	now      func() time.Time
	window   time.Duration
	interval time.Duration
}

// NewJanitorService creates a janitor. now is usually the store clock's Now.
func NewJanitorService(s Pruner, now func() time.Time, window, interval time.Duration) *JanitorService {
	return &JanitorService{store: s, now: now, window: window, interval: interval}
}

// Serve implements suture.Service.
func (j *JanitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.store.Cleanup(j.now(), j.window)
			slog.Debug("janitor: store pruned", "tracked_keys", j.store.Len())
		}
	}
}

func (j *JanitorService) String() string { return "store-janitor" }
