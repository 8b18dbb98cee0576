// Package supervisor implements C8: it builds one reactor per configured
// application, owns the shared collaborators every reactor borrows (the
// permission oracle, the KV backend's worker pool, the logger), and binds
// the HTTP front end that routes inbound requests by matched path prefix to
// the owning application's mailbox (spec 4.8).
//
// Grounded on the teacher's cmd/gateway main.go for the listen/serve/
// shutdown shape and gorilla/mux for prefix routing; the per-application
// goroutine-per-reactor lifecycle follows system/sandbox's one-loop-per-
// tenant pattern.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/miniapp-host/internal/capability/httpcap"
	"github.com/R3E-Network/miniapp-host/internal/config"
	"github.com/R3E-Network/miniapp-host/internal/kvbackend"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/metrics"
	"github.com/R3E-Network/miniapp-host/internal/permission"
	"github.com/R3E-Network/miniapp-host/internal/reactor"
)

// application is the supervisor's bookkeeping for one reactor: the reactor
// itself plus the table of HTTP completions currently awaited by a blocked
// front-end goroutine (spec 4.6, "A response is finalized when the guest
// signals completion").
type application struct {
	name    string
	reactor *reactor.App
	metrics *metrics.Registry

	mu      sync.Mutex
	waiters map[int32]chan *httpcap.Response
}

func (a *application) register(requestID int32, ch chan *httpcap.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waiters[requestID] = ch
}

// onComplete is installed as this application's httpcap.CompletionFunc. It
// looks up the waiting HTTP handler goroutine by request id and hands off
// the finished response; a request with no registered waiter (the front end
// gave up, or this fires after teardown raced the lookup) is silently
// dropped, matching spec 4.4's cancellation semantics for dropped
// resumptions.
func (a *application) onComplete(requestID int32, resp *httpcap.Response) {
	a.mu.Lock()
	ch, ok := a.waiters[requestID]
	if ok {
		delete(a.waiters, requestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// onFault is installed as this application's reactor.Config.OnFault. A
// fatal guest error abandons whichever request was in flight without ever
// calling http.complete, so every currently-waiting handler goroutine is
// released with a nil response (spec 7.3, the current invocation is
// aborted) instead of blocking until its own timeout.
func (a *application) onFault(error) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = make(map[int32]chan *httpcap.Response)
	a.mu.Unlock()
	for _, ch := range waiters {
		ch <- nil
	}
	if a.metrics != nil {
		a.metrics.AppsFaulted.Inc()
	}
}

// Supervisor owns every application's reactor and the shared collaborators
// (spec 4.8). Strong ownership of each *reactor.App rests here; every other
// holder (capability modules, HTTP handlers) reaches an application only
// through its mailbox or the hostapi.Reactor interface.
type Supervisor struct {
	log         *logging.Logger
	oracle      *permission.Oracle
	kvPool      *kvbackend.Pool
	closeKVConn func() error
	metrics     *metrics.Registry

	apps map[string]*application

	router     *mux.Router
	httpServer *http.Server
}

// New builds a Supervisor from cfg, boots every configured application and
// binds the configured services' routes; call Serve to start accepting HTTP
// traffic.
func New(cfg *config.Config) (*Supervisor, error) {
	log := logging.New(cfg.Logging)

	backend, closeBackend := buildKVBackend(cfg.KV, log)

	s := &Supervisor{
		log:         log,
		oracle:      permission.NewOracle(func(app string, p permission.Permission, granted bool) { log.App(app).WithField("permission", p).WithField("granted", granted).Debug("permission check") }),
		kvPool:      kvbackend.NewPool(backend, cfg.KV.Workers, 256, 5*time.Second),
		closeKVConn: closeBackend,
		metrics:     metrics.New(),
		apps:        make(map[string]*application, len(cfg.Applications)),
		router:      mux.NewRouter(),
	}
	s.router.Handle("/metrics", s.metrics.Handler())

	for _, appCfg := range cfg.Applications {
		if err := s.bootApplication(appCfg); err != nil {
			return nil, fmt.Errorf("supervisor: boot %q: %w", appCfg.Name, err)
		}
	}

	for _, svc := range cfg.Services {
		s.bindService(svc)
	}

	return s, nil
}

// buildKVBackend selects the in-memory backend when no address is
// configured, matching spec 8 scenario 3's premise that the KV collaborator
// may be entirely absent at startup without preventing the rest of the
// system from booting.
func buildKVBackend(cfg config.KVConfig, log *logging.Logger) (kvbackend.Backend, func() error) {
	if cfg.Addr == "" {
		log.Info("kv: no address configured, using in-memory backend")
		return kvbackend.NewMemoryBackend(), func() error { return nil }
	}
	rb := kvbackend.NewRedisBackend(cfg.Addr, cfg.Password, cfg.DB)
	return rb, rb.Close
}

func (s *Supervisor) bootApplication(appCfg config.ApplicationConfig) error {
	perms, err := appCfg.PermissionSet()
	if err != nil {
		return err
	}

	source, err := os.ReadFile(appCfg.Path)
	if err != nil {
		return fmt.Errorf("read source %s: %w", appCfg.Path, err)
	}

	app := &application{name: appCfg.Name, metrics: s.metrics, waiters: make(map[int32]chan *httpcap.Response)}

	app.reactor = reactor.New(reactor.Config{
		Name:       appCfg.Name,
		MinPages:   appCfg.Memory.Min,
		MaxPages:   appCfg.Memory.Max,
		Oracle:     s.oracle,
		Perms:      perms,
		KVPool:     s.kvPool,
		Log:        s.log,
		Metrics:    s.metrics,
		OnComplete: app.onComplete,
		OnFault:    app.onFault,
	})

	go app.reactor.Run()

	if err := app.reactor.Boot(string(source)); err != nil {
		return err
	}

	s.apps[appCfg.Name] = app
	return nil
}

// bindService registers one configured front-end service's routes against
// the shared router. Only the "Http" kind exists in v1 (spec 6); Validate
// rejects anything else before New ever calls this.
func (s *Supervisor) bindService(svc config.ServiceConfig) {
	for _, route := range svc.Routes {
		app := s.apps[route.Application]
		s.router.PathPrefix(route.Prefix).Handler(s.appHandler(app))
	}
}

// appHandler returns an http.Handler that marshals r into a Request
// descriptor, dispatches it to app's mailbox, blocks until the guest signals
// completion (for a streaming response, that's stream_open, so chunks can be
// drained as they arrive rather than after the guest finishes writing them),
// and materializes the staged Response.
func (s *Supervisor) appHandler(app *application) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		req := &httpcap.Request{
			URI:        r.URL.RequestURI(),
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Headers:    map[string][]string(r.Header),
			Cookies:    cookieMap(r),
			Body:       body,
			Session:    map[string]string{},
		}

		done := make(chan *httpcap.Response, 1)
		accepted := app.reactor.HandleRequest(req, func(reqID int32) {
			app.register(reqID, done)
		})
		if !accepted {
			app.countRequest("5xx")
			http.Error(w, "application unavailable", http.StatusInternalServerError)
			return
		}

		select {
		case resp := <-done:
			if resp == nil {
				app.countRequest("5xx")
				http.Error(w, "application fault", http.StatusInternalServerError)
				return
			}
			app.countRequest(statusClass(resp.Status))
			writeResponse(w, resp)
		case <-time.After(30 * time.Second):
			app.countRequest("5xx")
			http.Error(w, "request timed out", http.StatusGatewayTimeout)
		}
	})
}

func (a *application) countRequest(statusClass string) {
	if a.metrics != nil {
		a.metrics.HTTPRequests.WithLabelValues(a.name, statusClass).Inc()
	}
}

func statusClass(status int) string {
	switch status / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	default:
		return "5xx"
	}
}

func cookieMap(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Cookies()))
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}

// writeResponse materializes a staged httpcap.Response into the real HTTP
// reply: a streaming body (spec 4.6, "Response streaming") is forwarded
// chunk-by-chunk as it arrives, a file path is served directly, and
// otherwise the staged Body is written as-is.
func writeResponse(w http.ResponseWriter, resp *httpcap.Response) {
	for name, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
	for _, c := range resp.Cookies {
		w.Header().Add("Set-Cookie", c)
	}

	if resp.File != "" {
		w.WriteHeader(resp.Status)
		f, err := os.Open(resp.File)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = io.Copy(w, f)
		return
	}

	if resp.Streaming {
		w.WriteHeader(resp.Status)
		flusher, _ := w.(http.Flusher)
		for chunk := range resp.Stream {
			_, _ = w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// Serve starts the HTTP front end on addr, blocking until ctx is cancelled
// or a fatal listen error occurs.
func (s *Supervisor) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":8080"
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: withRequestID(s.router),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("supervisor: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// withRequestID tags every inbound request with a correlation id for log
// lines, following the teacher's broad use of uuid.New() for request
// correlation (SPEC_FULL DOMAIN STACK).
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting new HTTP connections and tears down every
// application reactor (spec 4.8: "On reactor exit ... the supervisor closes
// the mailbox, which causes all pending resumptions to be dropped").
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for _, app := range s.apps {
		app.reactor.Shutdown()
	}
	s.kvPool.Close()
	if s.closeKVConn != nil {
		if err := s.closeKVConn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Faulted reports whether the named application is sticky-faulted (spec
// 7.3); the HTTP front end never checks this directly (HandleRequest itself
// rejects faulted applications), but it is exposed for operational tooling.
func (s *Supervisor) Faulted(name string) bool {
	app, ok := s.apps[name]
	if !ok {
		return false
	}
	return app.reactor.Faulted()
}
