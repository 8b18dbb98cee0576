package tcp

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/permission"
)

type fixedMemory struct {
	buf []byte
}

func (m *fixedMemory) Bytes() []byte { return m.buf }

type invocation struct {
	target, data, result int32
}

// fakeReactor runs Post callbacks inline (on whatever goroutine calls Post)
// and records every Invoke on a channel, standing in for the real reactor's
// mailbox-drain loop in these unit tests.
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

func newTestModule(t *testing.T, addr string) (*Module, *fixedMemory, *fakeReactor) {
	t.Helper()
	mem := &fixedMemory{buf: make([]byte, 256)}
	bridge := membridge.New(mem)
	oracle := permission.NewOracle(nil)
	perms := permission.NewSet(permission.TCPListen(addr))
	reactor := newFakeReactor()
	log := logging.NewDefault("tcp-test")
	return New("echo", oracle, perms, bridge, reactor, log), mem, reactor
}

func TestListenPermissionDenied(t *testing.T) {
	mod, mem, _ := newTestModule(t, "127.0.0.1:0")
	addr := "127.0.0.1:9999" // not the granted address
	copy(mem.buf, addr)

	res, err := mod.listen([]int32{0, int32(len(addr)), 1, 2})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if res != -1 {
		t.Fatalf("expected -1 for denied permission, got %d", res)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	listenAddr := "127.0.0.1:0"
	mod, mem, reactor := newTestModule(t, listenAddr)
	copy(mem.buf, listenAddr)

	res, err := mod.listen([]int32{0, int32(len(listenAddr)), 10, 20})
	if err != nil || res != 0 {
		t.Fatalf("listen: res=%d err=%v", res, err)
	}

	mod.mu.Lock()
	boundAddr := mod.listeners[0].Addr().String()
	mod.mu.Unlock()

	client, err := net.Dial("tcp", boundAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	acceptInv := reactor.await(t)
	if acceptInv.target != 10 || acceptInv.data != 20 {
		t.Fatalf("unexpected accept callback: %+v", acceptInv)
	}
	streamID := acceptInv.result

	if _, err := client.Write([]byte("ping\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	res, err = mod.read([]int32{streamID, 5, 30, 40})
	if err != nil || res != 0 {
		t.Fatalf("read: res=%d err=%v", res, err)
	}
	readInv := reactor.await(t)
	if readInv.target != 30 || readInv.data != 40 {
		t.Fatalf("unexpected read callback: %+v", readInv)
	}
	bufferID := readInv.result

	n, err := mod.takeBuffer([]int32{bufferID, 100, 5})
	if err != nil {
		t.Fatalf("take_buffer: %v", err)
	}
	if n != 5 {
		t.Fatalf("take_buffer returned %d, want 5", n)
	}
	if got := string(mem.buf[100:105]); got != "ping\n" {
		t.Fatalf("got %q, want ping\\n", got)
	}

	res, err = mod.write([]int32{streamID, 100, 5, 50, 60})
	if err != nil || res != 0 {
		t.Fatalf("write: res=%d err=%v", res, err)
	}
	writeInv := reactor.await(t)
	if writeInv.result != 5 {
		t.Fatalf("write callback result = %d, want 5", writeInv.result)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	out := make([]byte, 5)
	if _, err := io.ReadFull(client, out); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(out) != "ping\n" {
		t.Fatalf("echoed %q, want ping\\n", out)
	}
}

func TestTakeBufferUndersizedIsFatal(t *testing.T) {
	mod, mem, _ := newTestModule(t, "127.0.0.1:0")
	idx := mod.buffers.Insert([]byte("hello"))
	_ = mem
	if _, err := mod.takeBuffer([]int32{idx, 0, 2}); err == nil {
		t.Fatal("expected fatal error for undersized max_len")
	}
}

func TestDoubleTakeBufferIsFatal(t *testing.T) {
	mod, _, _ := newTestModule(t, "127.0.0.1:0")
	idx := mod.buffers.Insert([]byte("hi"))
	if _, err := mod.takeBuffer([]int32{idx, 0, 2}); err != nil {
		t.Fatalf("first take_buffer: %v", err)
	}
	if _, err := mod.takeBuffer([]int32{idx, 0, 2}); err == nil {
		t.Fatal("expected fatal error for double take_buffer")
	}
}
