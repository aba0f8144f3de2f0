package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
)

func testBackend() *log.Backend { return log.New(nil, "ERROR") }

type fakeCtx struct {
	cancelled int32
	completed int32
}

func (c *fakeCtx) IsCancelled() bool           { return atomic.LoadInt32(&c.cancelled) != 0 }
func (c *fakeCtx) IsCompleted() bool           { return atomic.LoadInt32(&c.completed) != 0 }
func (c *fakeCtx) AddCompletionHook(fn func()) {}
func (c *fakeCtx) Metrics() *task.Metrics      { return &task.Metrics{} }

func TestIntervalIsClampedToSpecRange(t *testing.T) {
	m := New(testBackend(), &fakeCtx{}, DestroyerFunc(func() {}), 0)
	require.Equal(t, DefaultInterval, m.interval)

	m = New(testBackend(), &fakeCtx{}, DestroyerFunc(func() {}), 10*time.Millisecond)
	require.Equal(t, MinInterval, m.interval)

	m = New(testBackend(), &fakeCtx{}, DestroyerFunc(func() {}), time.Hour)
	require.Equal(t, MaxInterval, m.interval)
}

func TestDestroysWorkerOnCancellationBeforeCompletion(t *testing.T) {
	ctx := &fakeCtx{}
	var destroyed int32
	m := New(testBackend(), ctx, DestroyerFunc(func() { atomic.AddInt32(&destroyed, 1) }), 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	atomic.StoreInt32(&ctx.cancelled, 1)

	// The 10ms interval is clamped up to MinInterval, so the first poll
	// happens only after MinInterval has passed.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&destroyed) == 1 }, 3*MinInterval, 5*time.Millisecond)
}

func TestDoesNotDestroyOnCleanCompletion(t *testing.T) {
	ctx := &fakeCtx{}
	var destroyed int32
	m := New(testBackend(), ctx, DestroyerFunc(func() { atomic.AddInt32(&destroyed, 1) }), 10*time.Millisecond)
	m.Start()

	atomic.StoreInt32(&ctx.completed, 1)

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	require.Equal(t, int32(0), atomic.LoadInt32(&destroyed))
}

func TestStopReturnsPromptlyAfterLoopExits(t *testing.T) {
	ctx := &fakeCtx{completed: 1}
	m := New(testBackend(), ctx, DestroyerFunc(func() {}), 5*time.Millisecond)
	m.Start()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
}
