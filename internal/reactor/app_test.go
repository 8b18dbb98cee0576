package reactor

import (
	"testing"
	"time"

	"github.com/R3E-Network/miniapp-host/internal/capability/httpcap"
	"github.com/R3E-Network/miniapp-host/internal/kvbackend"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/permission"
)

func testConfig(name string, minPages, maxPages int32, onComplete httpcap.CompletionFunc) Config {
	return Config{
		Name:       name,
		MinPages:   minPages,
		MaxPages:   maxPages,
		Oracle:     permission.NewOracle(nil),
		Perms:      permission.NewSet(),
		KVPool:     kvbackend.NewPool(kvbackend.NewMemoryBackend(), 2, 8, time.Second),
		Log:        logging.NewDefault("reactor-test"),
		OnComplete: onComplete,
	}
}

func TestBootRunsStartExport(t *testing.T) {
	a := New(testConfig("app-a", 1, 2, nil))
	if err := a.Boot(`function start() { logging.log(1, 0, 0); }`); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if a.Faulted() {
		t.Fatal("expected app not faulted after clean boot")
	}
	a.Shutdown()
	a.Shutdown()
}

func TestBootWithoutStartExportFails(t *testing.T) {
	a := New(testConfig("app-no-start", 1, 2, nil))
	if err := a.Boot(`var x = 1;`); err == nil {
		t.Fatal("expected boot to fail without a start export")
	}
	a.Shutdown()
}

func TestOutOfBoundsMemoryAccessFaultsApp(t *testing.T) {
	a := New(testConfig("app-oob", 1, 1, nil))
	err := a.Boot(`function start() { logging.log(0, 0, 999999); }`)
	if err == nil {
		t.Fatal("expected boot to fail on out-of-bounds log message")
	}
	if !a.Faulted() {
		t.Fatal("expected app to be marked faulted")
	}
	a.Shutdown()
}

func TestMemoryGrowBeyondMaxPagesIsFatal(t *testing.T) {
	a := New(testConfig("app-grow-fatal", 1, 1, nil))
	err := a.Boot(`function start() { memory.grow(1); }`)
	if err == nil {
		t.Fatal("expected boot to fail when growing past max_pages")
	}
	if !a.Faulted() {
		t.Fatal("expected app to be marked faulted")
	}
	a.Shutdown()
}

func TestMemoryGrowWithinBoundsSucceeds(t *testing.T) {
	a := New(testConfig("app-grow-ok", 1, 2, nil))
	err := a.Boot(`function start() {
		memory.grow(1);
		logging.log(1, 65536, 0);
	}`)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if a.Faulted() {
		t.Fatal("expected app not faulted after in-bounds grow")
	}
	a.Shutdown()
}

func TestHandleRequestDispatchesToGuestAndCompletes(t *testing.T) {
	done := make(chan *httpcap.Response, 1)
	onComplete := func(requestID int32, resp *httpcap.Response) {
		done <- resp
	}
	a := New(testConfig("app-http", 1, 2, onComplete))
	err := a.Boot(`
		function start() {}
		function handle_request(request_id) {
			http.set_status(request_id, 200);
			http.complete(request_id);
		}
	`)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	go a.Run()
	defer a.Shutdown()

	req := &httpcap.Request{
		URI: "/", Method: "GET", RemoteAddr: "127.0.0.1:1",
		Headers: map[string][]string{}, Cookies: map[string]string{}, Session: map[string]string{},
	}
	if !a.HandleRequest(req) {
		t.Fatal("expected HandleRequest to accept the request")
	}

	select {
	case resp := <-done:
		if resp.Status != 200 {
			t.Fatalf("status = %d, want 200", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestHandleRequestRejectedAfterFault(t *testing.T) {
	a := New(testConfig("app-faulted", 1, 1, nil))
	if err := a.Boot(`function start() { memory.grow(1); }`); err == nil {
		t.Fatal("expected boot to fail")
	}
	req := &httpcap.Request{Headers: map[string][]string{}, Cookies: map[string]string{}, Session: map[string]string{}}
	if a.HandleRequest(req) {
		t.Fatal("expected HandleRequest to reject once the app is faulted")
	}
	a.Shutdown()
}

func TestInvokeWithUnknownFunctionTableIndexIsSafe(t *testing.T) {
	a := New(testConfig("app-bad-invoke", 1, 1, nil))
	if err := a.Boot(`function start() {}`); err != nil {
		t.Fatalf("boot: %v", err)
	}
	a.Invoke(99, 0, 0)
	if a.Faulted() {
		t.Fatal("an unknown function table index should log and return, not fault the app")
	}
	a.Shutdown()
}
