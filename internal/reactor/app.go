// Package reactor implements the per-application reactor (spec 4.7): one
// goja.Runtime per application, one long-lived goroutine draining a mailbox
// of events (initial load, HTTP request arrival, I/O resumption, timer
// fire), dispatching each into the interpreter and running it to
// completion before dequeuing the next.
//
// Grounded on the teacher's system/tee/script_engine_sys.go binding idiom
// (vm.NewObject() per namespace, .Set(name, func(goja.FunctionCall)
// goja.Value) per host function, vm.Set(name, obj) to install a global,
// goja.AssertFunction to obtain a callable guest export) and on
// system/sandbox/ipc.go's single-goroutine event loop shape, adapted here
// to drive capability modules instead of cross-service RPC.
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/R3E-Network/miniapp-host/internal/capability/httpcap"
	"github.com/R3E-Network/miniapp-host/internal/capability/kv"
	"github.com/R3E-Network/miniapp-host/internal/capability/logcap"
	"github.com/R3E-Network/miniapp-host/internal/capability/tcp"
	"github.com/R3E-Network/miniapp-host/internal/capability/timer"
	"github.com/R3E-Network/miniapp-host/internal/kvbackend"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/metrics"
	"github.com/R3E-Network/miniapp-host/internal/permission"
	"github.com/R3E-Network/miniapp-host/internal/registry"
	"github.com/R3E-Network/miniapp-host/internal/resource"
	"github.com/R3E-Network/miniapp-host/internal/scheduler"
)

// pageSize is the linear memory unit spec 3 defines: "page = 65,536 bytes".
const pageSize = 65536

// Config configures one application's reactor. Oracle and Permissions come
// from the supervisor's configuration layer; KVPool is shared across every
// application (spec 5, "Blocking discipline").
type Config struct {
	Name       string
	MinPages   int32
	MaxPages   int32
	Oracle     *permission.Oracle
	Perms      *permission.Set
	KVPool     *kvbackend.Pool
	Log        *logging.Logger
	Metrics    *metrics.Registry
	OnComplete httpcap.CompletionFunc
	// OnFault, if set, fires at most once, the first time this application
	// transitions to faulted (spec 7.3). The HTTP front end uses it to stop
	// waiting on any request still in flight against this application
	// rather than block until its own timeout.
	OnFault func(err error)
}

// App is one guest application: its interpreter, linear memory, resource
// tables (owned indirectly through the capability modules), and the
// mailbox-driven event loop that is the only goroutine allowed to touch any
// of them (spec 4.1, 4.7).
type App struct {
	name string
	log  *logging.Logger

	minPages, maxPages int32
	currentPages       int32
	currentAB          goja.ArrayBuffer
	memObj             *goja.Object

	vm       *goja.Runtime
	bridge   *membridge.Bridge
	registry *registry.Registry
	metrics  *metrics.Registry
	funcs    []goja.Callable

	mailbox *scheduler.Mailbox[func()]
	dead    *scheduler.Dead
	link    scheduler.Link[func()]
	stopCh  chan struct{}
	stopped sync.Once

	faulted atomic.Bool
	onFault func(err error)

	tcpMod  *tcp.Module
	kvMod   *kv.Module
	httpMod *httpcap.Module

	timerMod *timer.Module
	logMod   *logcap.Module
}

// New builds an application reactor and wires its capability modules, but
// does not yet run any guest code; call Boot to load bytecode and start it.
func New(cfg Config) *App {
	a := &App{
		name:     cfg.Name,
		log:      cfg.Log,
		minPages: cfg.MinPages,
		maxPages: cfg.MaxPages,
		mailbox:  scheduler.NewMailbox[func()](256),
		dead:     &scheduler.Dead{},
		stopCh:   make(chan struct{}),
		onFault:  cfg.OnFault,
		metrics:  cfg.Metrics,
	}
	a.link = scheduler.NewLink(a.mailbox, a.dead)
	a.bridge = membridge.New(gojaMemory{app: a})

	a.tcpMod = tcp.New(cfg.Name, cfg.Oracle, cfg.Perms, a.bridge, a, cfg.Log)
	a.kvMod = kv.New(cfg.Name, cfg.Oracle, cfg.Perms, a.bridge, a, cfg.Log, cfg.KVPool)
	a.httpMod = httpcap.New(a.bridge, a, cfg.Log, cfg.OnComplete)
	a.timerMod = timer.New(a.bridge, a, cfg.Log)
	a.logMod = logcap.New(cfg.Name, a.bridge, cfg.Log)

	reg := registry.New()
	_ = reg.AddModule(a.tcpMod.Build())
	kvModule := a.kvMod.Build()
	kvModule.Operations = append(kvModule.Operations, bufferOps(a.bridge, a.kvMod.Buffers())...)
	_ = reg.AddModule(kvModule)
	_ = reg.AddModule(a.httpMod.Build())
	_ = reg.AddModule(a.timerMod.Build())
	_ = reg.AddModule(a.logMod.Build())
	a.registry = reg

	return a
}

// Name returns the application's configured name.
func (a *App) Name() string { return a.name }

// Faulted reports whether a fatal guest error has ever occurred (spec 7.3:
// "subsequent events routed to it are rejected" — sticky, never cleared).
func (a *App) Faulted() bool { return a.faulted.Load() }

func (a *App) markFaulted(err error) {
	if a.faulted.CompareAndSwap(false, true) {
		a.log.WithField("app", a.name).WithField("err", err).Error("application faulted; rejecting further events")
		if a.onFault != nil {
			a.onFault(err)
		}
	}
}

// bufferOps declares a generic take_buffer/release_buffer pair over table,
// the same discipline tcp.Module implements for its own buffers (spec 4.6,
// "Values ... found are encoded by callback result ... with the payload
// materialized into a buffer slot analogous to TCP reads"). KV has no
// take/release operations of its own, so the reactor wires this pair under
// the "kv" namespace using the module's shared buffer table.
func bufferOps(bridge *membridge.Bridge, table *resource.Table[[]byte]) []registry.Operation {
	take := func(args []int32) (int32, error) {
		bufferID, dstPtr, maxLen := args[0], args[1], args[2]
		buf, err := table.Take(bufferID)
		if err != nil {
			return 0, fmt.Errorf("kv: take_buffer called twice on buffer %d", bufferID)
		}
		if maxLen < int32(len(buf)) {
			return 0, fmt.Errorf("kv: take_buffer(%d) max_len=%d smaller than buffer length %d", bufferID, maxLen, len(buf))
		}
		if err := bridge.WriteBytes(dstPtr, buf); err != nil {
			return 0, err
		}
		return int32(len(buf)), nil
	}
	release := func(args []int32) (int32, error) {
		_ = table.Remove(args[0])
		return 0, nil
	}
	return []registry.Operation{
		{Name: "take_buffer", Arity: 3, Func: take},
		{Name: "release_buffer", Arity: 1, Void: true, Func: release},
	}
}

// Boot loads source, allocates linear memory at min_pages, instantiates
// every capability namespace as a guest-visible global, and calls the
// guest's start export (spec 4.7, "Initial boot").
func (a *App) Boot(source string) error {
	a.vm = goja.New()

	a.currentPages = a.minPages
	buf := make([]byte, int(a.currentPages)*pageSize)
	a.currentAB = a.vm.NewArrayBuffer(buf)

	a.memObj = a.vm.NewObject()
	if err := a.memObj.Set("buffer", a.vm.ToValue(a.currentAB)); err != nil {
		return err
	}
	if err := a.memObj.Set("grow", a.growFunc()); err != nil {
		return err
	}
	if err := a.vm.Set("memory", a.memObj); err != nil {
		return err
	}

	if err := a.vm.Set("register", a.registerFunc()); err != nil {
		return err
	}

	for _, nsName := range a.registry.Namespaces() {
		mod := a.registry.Module(nsName)
		obj := a.vm.NewObject()
		for i := range mod.Operations {
			op := mod.Operations[i]
			if err := obj.Set(op.Name, a.bindOperation(nsName, op)); err != nil {
				return err
			}
		}
		if err := a.vm.Set(nsName, obj); err != nil {
			return err
		}
	}

	prog, err := goja.Compile(a.name, source, false)
	if err != nil {
		return fmt.Errorf("reactor: %s: compile: %w", a.name, err)
	}
	if _, err := a.vm.RunProgram(prog); err != nil {
		a.markFaulted(err)
		return fmt.Errorf("reactor: %s: top-level evaluation: %w", a.name, err)
	}

	start, ok := goja.AssertFunction(a.vm.Get("start"))
	if !ok {
		return fmt.Errorf("reactor: %s: no start export", a.name)
	}
	if _, err := start(goja.Undefined()); err != nil {
		a.markFaulted(err)
		return fmt.Errorf("reactor: %s: start: %w", a.name, err)
	}
	return nil
}

// registerFunc exposes the global function guest bootstrap glue calls to
// populate the callback function table; it returns the guest-visible
// function-table index later passed back as a Callback Descriptor's target
// (spec 3, "Callback Descriptor").
func (a *App) registerFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(a.vm.NewTypeError("register: argument must be a function"))
		}
		idx := int32(len(a.funcs))
		a.funcs = append(a.funcs, fn)
		return a.vm.ToValue(idx)
	}
}

// bindOperation wraps op as a goja-callable: arguments are coerced to the
// declared arity of int32s, a non-nil error is thrown as a guest exception
// (the fatal path, spec 7.3), and a Void operation always returns undefined.
func (a *App) bindOperation(namespace string, op registry.Operation) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if a.metrics != nil {
			a.metrics.CapabilityOps.WithLabelValues(namespace, op.Name).Inc()
		}
		args := make([]int32, op.Arity)
		for i := 0; i < op.Arity; i++ {
			args[i] = int32(call.Argument(i).ToInteger())
		}
		result, err := op.Func(args)
		if err != nil {
			a.markFaulted(err)
			panic(a.vm.NewGoError(err))
		}
		if op.Void {
			return goja.Undefined()
		}
		return a.vm.ToValue(result)
	}
}

// growFunc backs the host-constructed memory.grow(pages) method. A raw JS
// ArrayBuffer has no native grow, so linear memory is modeled as a small
// host object exposing {buffer, grow} the way a WebAssembly.Memory would.
func (a *App) growFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		delta := int32(call.Argument(0).ToInteger())
		if delta < 0 {
			panic(a.vm.NewTypeError("memory.grow: negative page count"))
		}
		newPages := a.currentPages + delta
		if newPages > a.maxPages {
			panic(a.vm.NewGoError(fmt.Errorf("reactor: %s: grow to %d pages exceeds max_pages %d", a.name, newPages, a.maxPages)))
		}
		old := a.currentAB.Bytes()
		newBuf := make([]byte, int(newPages)*pageSize)
		copy(newBuf, old)
		a.currentAB = a.vm.NewArrayBuffer(newBuf)
		a.currentPages = newPages
		if err := a.memObj.Set("buffer", a.vm.ToValue(a.currentAB)); err != nil {
			panic(a.vm.NewGoError(err))
		}
		return a.vm.ToValue(a.currentPages)
	}
}

// gojaMemory adapts an *App to membridge.Memory, always reading the
// currently-live ArrayBuffer so a prior grow is observed (spec 9, "Guest
// memory access").
type gojaMemory struct{ app *App }

func (m gojaMemory) Bytes() []byte { return m.app.currentAB.Bytes() }

// Post implements hostapi.Reactor. Every capability module posts from a
// background goroutine it spawned for blocking I/O (a TCP accept/read/write
// goroutine, a KV pool reply, a timer fire), never from the reactor's own
// goroutine, so every post crosses through the mailbox (spec 4.4:
// "Resumptions scheduled from other threads ... cross into the app reactor
// via its mailbox").
func (a *App) Post(fn func()) bool {
	return a.link.Deliver(fn)
}

// Invoke implements hostapi.Reactor, re-entering the guest's function table
// at cbTarget.
func (a *App) Invoke(cbTarget, cbData, result int32) {
	if cbTarget < 0 || int(cbTarget) >= len(a.funcs) {
		a.log.WithField("app", a.name).WithField("cb_target", cbTarget).Warn("invoke: unknown function table index")
		return
	}
	fn := a.funcs[cbTarget]
	if _, err := fn(goja.Undefined(), a.vm.ToValue(cbData), a.vm.ToValue(result)); err != nil {
		a.markFaulted(err)
	}
}

// HandleRequest admits req and dispatches it to the guest's handle_request
// export (spec 4.7's "HTTP request arrival" entry point). It returns false
// if the application is faulted or torn down, in which case the caller
// (the HTTP front end) responds 500 without touching guest state. The
// optional onAdmit callback, if given, fires synchronously on the reactor
// thread immediately after the request is assigned its guest-visible id and
// before the guest runs — the HTTP front end uses it to register where the
// eventual completion (spec 4.6, "A response is finalized when the guest
// signals completion") should be delivered, without a race against a guest
// that completes synchronously within the same invocation.
func (a *App) HandleRequest(req *httpcap.Request, onAdmit ...func(int32)) bool {
	if a.Faulted() {
		return false
	}
	return a.Post(func() {
		reqID := a.httpMod.Admit(req)
		for _, fn := range onAdmit {
			fn(reqID)
		}
		handle, ok := goja.AssertFunction(a.vm.Get("handle_request"))
		if !ok {
			a.markFaulted(fmt.Errorf("reactor: %s: no handle_request export", a.name))
			return
		}
		if _, err := handle(goja.Undefined(), a.vm.ToValue(reqID)); err != nil {
			a.markFaulted(err)
		}
	})
}

// Run drains the mailbox until Shutdown is called, running each event to
// completion before dequeuing the next (spec 4.7, "Main loop").
func (a *App) Run() {
	for {
		select {
		case fn := <-a.mailbox.Recv():
			fn()
		case <-a.stopCh:
			return
		}
	}
}

// Shutdown tears the application down: the weak-reference kill flag flips
// first so any in-flight background delivery silently drops, then the
// mailbox stops accepting new posts, the TCP module closes its listeners and
// the timer module stops its cron scheduler (spec 4.8). Accepted TCP streams
// and pending one-shot timers are not closed here.
func (a *App) Shutdown() {
	a.stopped.Do(func() {
		a.dead.Kill()
		a.mailbox.Close()
		close(a.stopCh)
		a.tcpMod.Close()
		a.timerMod.Close()
	})
}
