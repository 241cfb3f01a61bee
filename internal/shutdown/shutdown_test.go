package shutdown

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"
)

type fakeCloser struct {
	closed bool
	err    error
}

func (c *fakeCloser) Close() error {
	c.closed = true
	return c.err
}

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)

	var order []string
	for _, name := range []string{"tracer", "store", "monitor"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if failed := m.Shutdown(); failed != 0 {
		t.Errorf("Expected no failures, got %d", failed)
	}

	want := []string{"monitor", "store", "tracer"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d hooks to run, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Hook %d: expected %s, got %s", i, want[i], order[i])
		}
	}

	// Second call is a no-op
	m.Shutdown()
	if len(order) != 3 {
		t.Errorf("Expected hooks to run once, ran %d times", len(order))
	}
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	m := New(time.Second, nil)

	good := &fakeCloser{}
	bad := &fakeCloser{err: errors.New("disk gone")}
	m.Register("good", CloseResource(good, "good"))
	m.Register("bad", CloseResource(bad, "bad"))

	if failed := m.Shutdown(); failed != 1 {
		t.Errorf("Expected 1 failure, got %d", failed)
	}
	if !good.closed || !bad.closed {
		t.Error("Expected every closer to be called")
	}
}

func TestShutdownHooksShareDeadline(t *testing.T) {
	m := New(50*time.Millisecond, nil)
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	if failed := m.Shutdown(); failed != 1 {
		t.Errorf("Expected the slow hook to time out")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Shutdown did not respect its timeout")
	}
}

func TestNotifyContextCancelsOnSignal(t *testing.T) {
	ctx, stop := NotifyContext(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to signal self: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected context to be canceled by SIGTERM")
	}
}
