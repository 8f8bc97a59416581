package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewShutdownManager_Defaults(t *testing.T) {
	sm := NewShutdownManager(nil, 0)

	if sm.timeout != DefaultShutdownTimeout {
		t.Errorf("Expected default timeout, got %v", sm.timeout)
	}
	if sm.logger == nil {
		t.Error("Expected a default logger")
	}
}

func TestShutdown_RunsHooksInOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	sm.Register("http server", record("http server"))
	sm.Register("event service", record("event service"))
	sm.Register("nil hook", nil)
	sm.Register("event store", record("event store"))

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := "http server,event service,event store"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("Expected order %s, got %s", want, got)
	}
}

func TestShutdown_ContinuesPastFailures(t *testing.T) {
	logs := &bytes.Buffer{}
	sm := NewShutdownManager(NewLogger(InfoLevel, logs), time.Second)

	ran := false
	sm.Register("event service", func(ctx context.Context) error { return errors.New("flush failed") })
	sm.Register("event store", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown(context.Background())

	if err == nil || !strings.Contains(err.Error(), "flush failed") {
		t.Errorf("Expected flush error, got %v", err)
	}
	if !ran {
		t.Error("Expected later hooks to run")
	}
	if !strings.Contains(logs.String(), "Shutdown of event service failed") {
		t.Errorf("Expected failure to be logged, got %s", logs.String())
	}
}

func TestShutdown_OnlyOnce(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	calls := 0
	sm.Register("event service", func(ctx context.Context) error {
		calls++
		return nil
	})

	_ = sm.Shutdown(context.Background())
	_ = sm.Shutdown(context.Background())

	if calls != 1 {
		t.Errorf("Expected hook to run once, ran %d times", calls)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 20*time.Millisecond)

	skipped := true
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sm.Register("after", func(ctx context.Context) error {
		skipped = false
		return nil
	})

	err := sm.Shutdown(context.Background())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if !skipped {
		t.Error("Expected hook after the deadline to be skipped")
	}
}

func TestShutdown_HTTPServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	server := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- server.Serve(ln) }()

	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	sm.RegisterServer(server)
	sm.RegisterServer(nil)

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
}

func TestWaitForSignal_ContextCanceled(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)
	ran := make(chan struct{})
	sm.Register("hook", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sm.WaitForSignal(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Error("Expected hooks to run")
	}
}
