package kv

import (
	"testing"
	"time"

	"github.com/R3E-Network/miniapp-host/internal/kvbackend"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/permission"
)

type fixedMemory struct{ buf []byte }

func (m *fixedMemory) Bytes() []byte { return m.buf }

type invocation struct{ target, data, result int32 }

type fakeReactor struct {
	invokes chan invocation
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{invokes: make(chan invocation, 16)}
}

func (f *fakeReactor) Post(fn func()) bool {
	fn()
	return true
}

func (f *fakeReactor) Invoke(target, data, result int32) {
	f.invokes <- invocation{target: target, data: data, result: result}
}

func (f *fakeReactor) await(t *testing.T) invocation {
	t.Helper()
	select {
	case inv := <-f.invokes:
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback invocation")
		return invocation{}
	}
}

func writeString(mem *fixedMemory, ptr int32, s string) {
	copy(mem.buf[ptr:], s)
}

func newTestModule(t *testing.T, ns string) (*Module, *fixedMemory, *fakeReactor) {
	t.Helper()
	mem := &fixedMemory{buf: make([]byte, 512)}
	bridge := membridge.New(mem)
	oracle := permission.NewOracle(nil)
	perms := permission.NewSet(permission.KVNamespace(ns))
	reactor := newFakeReactor()
	log := logging.NewDefault("kv-test")
	pool := kvbackend.NewPool(kvbackend.NewMemoryBackend(), 4, 16, time.Second)
	t.Cleanup(pool.Close)
	return New("app", oracle, perms, bridge, reactor, log, pool), mem, reactor
}

func TestSetGetRoundTrip(t *testing.T) {
	mod, mem, reactor := newTestModule(t, "ns")
	writeString(mem, 0, "ns")
	writeString(mem, 10, "k")
	writeString(mem, 20, "v")

	res, err := mod.set([]int32{0, 2, 10, 1, 20, 1, 1, 2})
	if err != nil || res != 0 {
		t.Fatalf("set: res=%d err=%v", res, err)
	}
	inv := reactor.await(t)
	if inv.result != 0 {
		t.Fatalf("set callback result = %d, want 0", inv.result)
	}

	res, err = mod.get([]int32{0, 2, 10, 1, 3, 4})
	if err != nil || res != 0 {
		t.Fatalf("get: res=%d err=%v", res, err)
	}
	inv = reactor.await(t)
	if inv.result < 0 {
		t.Fatalf("expected found value, got result=%d", inv.result)
	}
	v, err := mod.buffers.Take(inv.result)
	if err != nil {
		t.Fatalf("take buffer: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v", v)
	}
}

func TestRemoveThenGetAbsent(t *testing.T) {
	mod, mem, reactor := newTestModule(t, "ns")
	writeString(mem, 0, "ns")
	writeString(mem, 10, "k")
	writeString(mem, 20, "v")

	mod.set([]int32{0, 2, 10, 1, 20, 1, 1, 2})
	reactor.await(t)

	mod.remove([]int32{0, 2, 10, 1, 5, 6})
	inv := reactor.await(t)
	if inv.result != 0 {
		t.Fatalf("remove callback result = %d, want 0", inv.result)
	}

	mod.get([]int32{0, 2, 10, 1, 7, 8})
	inv = reactor.await(t)
	if inv.result != -1 {
		t.Fatalf("expected absent (-1), got %d", inv.result)
	}
}

func TestNamespacePermissionDenied(t *testing.T) {
	mod, mem, _ := newTestModule(t, "allowed")
	writeString(mem, 0, "other")
	writeString(mem, 10, "k")

	res, err := mod.get([]int32{0, 5, 10, 1, 1, 2})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res != -1 {
		t.Fatalf("expected synchronous denial, got %d", res)
	}
}

func TestHashRoundTrip(t *testing.T) {
	mod, mem, reactor := newTestModule(t, "ns")
	writeString(mem, 0, "ns")
	writeString(mem, 10, "map")
	writeString(mem, 20, "field")
	writeString(mem, 30, "val")

	res, err := mod.hset([]int32{0, 2, 10, 3, 20, 5, 30, 3, 1, 2})
	if err != nil || res != 0 {
		t.Fatalf("hset: res=%d err=%v", res, err)
	}
	reactor.await(t)

	res, err = mod.hget([]int32{0, 2, 10, 3, 20, 5, 3, 4})
	if err != nil || res != 0 {
		t.Fatalf("hget: res=%d err=%v", res, err)
	}
	inv := reactor.await(t)
	if inv.result < 0 {
		t.Fatalf("expected found, got %d", inv.result)
	}
	v, err := mod.buffers.Take(inv.result)
	if err != nil || string(v) != "val" {
		t.Fatalf("got %q err=%v, want val", v, err)
	}
}
