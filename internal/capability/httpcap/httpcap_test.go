package httpcap

import (
	"testing"

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

func TestBodyEchoScenario(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 256)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()

	var completed *Response
	var completedID int32
	onComplete := func(id int32, resp *Response) {
		completedID = id
		completed = resp
	}
	mod := New(bridge, reactor, logging.NewDefault("http-test"), onComplete)

	body := []byte(`{"x":1}`)
	req := &Request{
		URI: "/echo", Method: "POST", RemoteAddr: "10.0.0.1:1234",
		Headers: map[string][]string{}, Cookies: map[string]string{},
		Body: body, Session: map[string]string{},
	}
	reqID := mod.Admit(req)

	n, err := mod.body([]int32{reqID, 0, int32(len(body))})
	if err != nil {
		t.Fatalf("body: %v", err)
	}
	if n != int32(len(body)) {
		t.Fatalf("body returned %d, want %d", n, len(body))
	}
	if string(mem.buf[:n]) != string(body) {
		t.Fatalf("copied body %q, want %q", mem.buf[:n], body)
	}

	if _, err := mod.setBody([]int32{reqID, 0, n}); err != nil {
		t.Fatalf("set_body: %v", err)
	}
	if _, err := mod.setStatus([]int32{reqID, 200}); err != nil {
		t.Fatalf("set_status: %v", err)
	}
	if _, err := mod.complete([]int32{reqID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if completed == nil {
		t.Fatal("expected onComplete to be called")
	}
	if completedID != reqID {
		t.Fatalf("completed id = %d, want %d", completedID, reqID)
	}
	if completed.Status != 200 {
		t.Fatalf("status = %d, want 200", completed.Status)
	}
	if string(completed.Body) != string(body) {
		t.Fatalf("completed body = %q, want %q", completed.Body, body)
	}
	if got := completed.Headers["X-Powered-By"]; len(got) != 1 || got[0] != "miniapp-host" {
		t.Fatalf("X-Powered-By = %v", got)
	}
}

func TestDoubleStreamOpenIsFatal(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 64)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()
	mod := New(bridge, reactor, logging.NewDefault("http-test"), nil)

	req := &Request{Headers: map[string][]string{}, Cookies: map[string]string{}, Session: map[string]string{}}
	reqID := mod.Admit(req)

	if _, err := mod.streamOpen([]int32{reqID}); err != nil {
		t.Fatalf("first stream_open: %v", err)
	}
	if _, err := mod.streamOpen([]int32{reqID}); err == nil {
		t.Fatal("expected second stream_open to be fatal")
	}
}

func TestHeaderMissingReturnsNegativeOne(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 64)}
	bridge := membridge.New(mem)
	reactor := newFakeReactor()
	mod := New(bridge, reactor, logging.NewDefault("http-test"), nil)

	req := &Request{Headers: map[string][]string{}, Cookies: map[string]string{}, Session: map[string]string{}}
	reqID := mod.Admit(req)

	n, err := mod.header([]int32{reqID, 0, 0, 10, 8})
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if n != -1 {
		t.Fatalf("expected -1 for missing header, got %d", n)
	}
}
