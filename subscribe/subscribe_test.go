package subscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func receive[T any](t *testing.T, c *Client[T]) T {
	t.Helper()

	select {
	case upd := <-c.Updates():
		return upd
	case <-time.After(testTimeout):
		t.Fatal("no update received")
	}

	var zero T
	return zero
}

func requireQuit[T any](t *testing.T, c *Client[T]) {
	t.Helper()

	select {
	case <-c.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not quit")
	}
}

// TestFanOut asserts that every client receives every update in order, and
// that a client that never reads does not hold up the others.
func TestFanOut(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	reader, err := s.Subscribe()
	require.NoError(t, err)
	idle, err := s.Subscribe()
	require.NoError(t, err)

	const numUpdates = 10 * DefaultQueueSize
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < numUpdates; i++ {
			if err := s.SendUpdate(i); err != nil {
				return
			}
		}
	}()

	for i := 0; i < numUpdates; i++ {
		require.Equal(t, i, receive(t, reader))
	}

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("sender blocked by idle client")
	}

	// The idle client gets its backlog in order.
	for i := 0; i < 3; i++ {
		require.Equal(t, i, receive(t, idle))
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	s := NewServer[string]()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	cancelled, err := s.Subscribe()
	require.NoError(t, err)
	kept, err := s.Subscribe()
	require.NoError(t, err)

	cancelled.Cancel()
	requireQuit(t, cancelled)

	require.NoError(t, s.SendUpdate("after-cancel"))
	require.Equal(t, "after-cancel", receive(t, kept))

	select {
	case upd := <-cancelled.Updates():
		t.Fatalf("cancelled client got %q", upd)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	client, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	requireQuit(t, client)

	// Cancelling after stop returns.
	client.Cancel()

	_, err = s.Subscribe()
	require.ErrorIs(t, err, ErrServerShuttingDown)
	require.ErrorIs(t, s.SendUpdate(1), ErrServerShuttingDown)
}
