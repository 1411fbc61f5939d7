package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	shutdownCalls int
	mu            sync.Mutex
}

func (f *fakeWorker) Run() {}
func (f *fakeWorker) RequestShutdown() {
	f.mu.Lock()
	f.shutdownCalls++
	f.mu.Unlock()
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := New(nil)
	fw := &fakeWorker{}
	w.Shutdown(fw)
	w.Shutdown(fw)
	w.Shutdown(fw)
	require.Equal(t, 1, fw.shutdownCalls)
	require.True(t, w.ShutdownRequested())
}

func TestWaitHandleTimeout(t *testing.T) {
	w := New(nil)
	var mu sync.Mutex
	h := w.RegisterWaitCond(&mu)

	mu.Lock()
	defer mu.Unlock()
	ok, cancelled := h.Wait(func() bool { return false }, 20*time.Millisecond)
	require.False(t, ok)
	require.False(t, cancelled)
}

func TestWaitHandleWokenByShutdown(t *testing.T) {
	w := New(nil)
	var mu sync.Mutex
	h := w.RegisterWaitCond(&mu)
	fw := &fakeWorker{}

	done := make(chan struct{})
	go func() {
		mu.Lock()
		defer mu.Unlock()
		ok, cancelled := h.Wait(func() bool { return false }, 0)
		require.False(t, ok)
		require.True(t, cancelled)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Shutdown(fw)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not wake up on shutdown")
	}
}

func TestWaitHandlePredicateSatisfied(t *testing.T) {
	w := New(nil)
	var mu sync.Mutex
	h := w.RegisterWaitCond(&mu)

	ready := false
	go func() {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		ready = true
		mu.Unlock()
		h.wc.notify()
	}()

	mu.Lock()
	defer mu.Unlock()
	ok, cancelled := h.Wait(func() bool { return ready }, 2*time.Second)
	require.True(t, ok)
	require.False(t, cancelled)
}
