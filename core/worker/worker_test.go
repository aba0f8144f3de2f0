package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHaltWaitsForGoroutine(t *testing.T) {
	var w Worker
	started := make(chan struct{})
	done := make(chan struct{})

	w.Go(func() {
		close(started)
		<-w.HaltCh()
		close(done)
	})

	<-started
	w.Halt()

	select {
	case <-done:
	default:
		t.Fatal("Halt returned before goroutine exited")
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })

	w.Halt()
	require.NotPanics(t, func() { w.Halt() })
}

func TestHaltChOpenBeforeHalt(t *testing.T) {
	var w Worker
	select {
	case <-w.HaltCh():
		t.Fatal("halt channel closed prematurely")
	case <-time.After(10 * time.Millisecond):
	}
}
