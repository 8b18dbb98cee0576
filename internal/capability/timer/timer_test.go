package timer

import (
	"testing"
	"time"

	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
)

type fixedMemory struct{ buf []byte }

func (m *fixedMemory) Bytes() []byte { return m.buf }

type invocation struct{ target, data, result int32 }

type fakeReactor struct{ invokes chan invocation }

func newFakeReactor() *fakeReactor { return &fakeReactor{invokes: make(chan invocation, 8)} }

func (f *fakeReactor) Post(fn func()) bool {
	fn()
	return true
}

func (f *fakeReactor) Invoke(target, data, result int32) {
	f.invokes <- invocation{target, data, result}
}

func (f *fakeReactor) await(t *testing.T) invocation {
	t.Helper()
	select {
	case inv := <-f.invokes:
		return inv
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for timer callback")
		return invocation{}
	}
}

func TestStartAfterFires(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 32)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()
	mod := New(bridge, reactor, logging.NewDefault("timer-test"))
	defer mod.Close()

	res, err := mod.startAfter([]int32{10, 1, 2})
	if err != nil || res < 0 {
		t.Fatalf("start_after: res=%d err=%v", res, err)
	}

	inv := reactor.await(t)
	if inv.target != 1 || inv.data != 2 {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if inv.result != res {
		t.Fatalf("invoked with timer id %d, want %d", inv.result, res)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 32)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()
	mod := New(bridge, reactor, logging.NewDefault("timer-test"))
	defer mod.Close()

	res, err := mod.startAfter([]int32{200, 1, 2})
	if err != nil || res < 0 {
		t.Fatalf("start_after: res=%d err=%v", res, err)
	}

	if _, err := mod.cancel([]int32{res}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case inv := <-reactor.invokes:
		t.Fatalf("expected no invocation after cancel, got %+v", inv)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestStartIntervalBadExprRejected(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 32)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()
	mod := New(bridge, reactor, logging.NewDefault("timer-test"))
	defer mod.Close()
	copy(mem.buf, "not a cron expr")

	res, err := mod.startInterval([]int32{0, int32(len("not a cron expr")), 1, 2})
	if err != nil {
		t.Fatalf("startInterval: %v", err)
	}
	if res != -1 {
		t.Fatalf("expected -1 for bad cron expression, got %d", res)
	}
}
