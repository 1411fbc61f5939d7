package eventloop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil, 16, nil)
	go l.Run()
	select {
	case <-l.Ready():
	case <-time.After(time.Second):
		t.Fatal("loop never became ready")
	}
	t.Cleanup(func() {
		l.Shutdown()
		select {
		case <-l.Done():
		case <-time.After(time.Second):
			t.Fatal("loop never stopped")
		}
	})
	return l
}

func TestPostRunsInLoop(t *testing.T) {
	l := startLoop(t)
	done := make(chan struct{})
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted closure never ran")
	}
}

func TestPostArg(t *testing.T) {
	l := startLoop(t)
	got := make(chan interface{}, 1)
	l.PostArg(func(arg interface{}) { got <- arg }, 42)
	require.Equal(t, 42, <-got)
}

func TestCallReturnsValue(t *testing.T) {
	l := startLoop(t)
	v, err := l.Call(func() (interface{}, error) { return "hello", nil })
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestCallSurfacesError(t *testing.T) {
	l := startLoop(t)
	_, err := l.Call(func() (interface{}, error) { return nil, errors.New("boom") })
	require.EqualError(t, err, "boom")
}

func TestCallSurfacesPanic(t *testing.T) {
	l := startLoop(t)
	_, err := l.Call(func() (interface{}, error) {
		panic("kaboom")
	})
	require.Error(t, err)
}

func TestShutdownReleasesTeardown(t *testing.T) {
	released := make(chan struct{})
	l := New(nil, 4, func() { close(released) })
	go l.Run()
	<-l.Ready()
	l.Shutdown()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("teardown never ran")
	}
}
