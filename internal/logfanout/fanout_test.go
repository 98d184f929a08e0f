package logfanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanoutHistoryOrderedOldestFirst(t *testing.T) {
	f := New(3)
	f.Info(SourceRunner, "one")
	f.Info(SourceRunner, "two")
	f.Info(SourceRunner, "three")

	hist := f.History()
	require.Len(t, hist, 3)
	require.Equal(t, []string{"one", "two", "three"}, messages(hist))
}

func TestFanoutHistoryWrapsAtCapacity(t *testing.T) {
	f := New(2)
	f.Info(SourceRunner, "one")
	f.Info(SourceRunner, "two")
	f.Info(SourceRunner, "three")

	hist := f.History()
	require.Len(t, hist, 2)
	require.Equal(t, []string{"two", "three"}, messages(hist))
}

func TestFanoutDefaultCapacity(t *testing.T) {
	f := New(0)
	require.Equal(t, defaultCapacity, f.cap)
}

func TestFanoutSubscribeReceivesLiveEntries(t *testing.T) {
	f := New(10)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Warn(SourceWatchdog, "restart attempt 1")

	select {
	case e := <-ch:
		require.Equal(t, SourceWatchdog, e.Source)
		require.Equal(t, LevelWarn, e.Level)
		require.Equal(t, "restart attempt 1", e.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast entry")
	}
}

func TestFanoutSubscribeDropsForSlowSubscriberRatherThanBlocking(t *testing.T) {
	f := New(10)
	ch, cancel := f.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberCapacity+10; i++ {
			f.Info(SourceRunner, "line")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit must never block on a lagging subscriber")
	}

	// Drain whatever made it through; the point is the producer didn't block.
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestFanoutCancelClosesChannel(t *testing.T) {
	f := New(10)
	ch, cancel := f.Subscribe()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
}

func TestFanoutShutdownClosesSignalOnce(t *testing.T) {
	f := New(10)

	select {
	case <-f.ShutdownSignal():
		t.Fatal("signal must not be closed before Shutdown")
	default:
	}

	f.Shutdown()
	f.Shutdown() // must not panic on a second call

	select {
	case <-f.ShutdownSignal():
	default:
		t.Fatal("signal must close after Shutdown")
	}
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "debug", LevelDebug.String())
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "warn", LevelWarn.String())
	require.Equal(t, "error", LevelError.String())
}

func messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
