// Package httpcap implements the HTTP request/response capability module
// (spec 4.6, HTTP Request/Response): reading inbound request fields into
// guest memory, staging an outbound response, and finalizing it through the
// supervisor's completion import.
//
// Grounded on original_source/src/glue/request.rs (uri/method/remote_addr/
// header/cookie/body/session_item accessors) and response.rs (status/
// header/cookie/body/file/stream staging, the double-stream-attempt fatal
// error, and the X-Powered-By header / Set-Cookie aggregation applied when
// the staged response is materialized).
package httpcap

import (
	"fmt"

	"github.com/R3E-Network/miniapp-host/internal/hostapi"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/registry"
	"github.com/R3E-Network/miniapp-host/internal/resource"
)

// Request is an inbound HTTP request descriptor (spec 3, Request/Response).
type Request struct {
	URI        string
	Method     string
	RemoteAddr string
	Headers    map[string][]string
	Cookies    map[string]string
	Body       []byte
	Session    map[string]string
}

// Response is the reply the guest stages across several capability calls
// before signaling completion.
type Response struct {
	Status  int
	Headers map[string][]string
	Cookies []string
	Body    []byte
	File    string

	Stream     chan []byte
	Streaming  bool
	StreamDone bool
}

// FatalError reports a fatal guest error specific to the HTTP capability:
// opening a second streaming body on the same response (spec 4.6, "second
// attempt is a fatal guest error"), or reading a request field into a
// destination whose max_len is smaller than the field.
type FatalError struct{ msg string }

func (e *FatalError) Error() string { return e.msg }

type entry struct {
	req  *Request
	resp *Response
}

// CompletionFunc is invoked when the guest finalizes a request's response.
// The supervisor's HTTP front end supplies this to convert the staged
// Response into its own reply type and release the request's slots.
type CompletionFunc func(requestID int32, resp *Response)

// Module is the per-application HTTP capability state.
type Module struct {
	bridge     *membridge.Bridge
	reactor    hostapi.Reactor
	log        *logging.Logger
	onComplete CompletionFunc

	requests *resource.Table[*entry]
	streams  *resource.Table[*entry]
}

// New builds an HTTP capability module. onComplete is called once per
// request, from the reactor thread: when the guest signals completion, or,
// for a streaming response, when the guest calls stream_open.
func New(bridge *membridge.Bridge, reactor hostapi.Reactor, log *logging.Logger, onComplete CompletionFunc) *Module {
	return &Module{
		bridge:     bridge,
		reactor:    reactor,
		log:        log,
		onComplete: onComplete,
		requests:   resource.New[*entry](),
		streams:    resource.New[*entry](),
	}
}

// Admit registers an inbound request and returns its guest-visible id. The
// supervisor's HTTP front end calls this before dispatching the request
// event into the app mailbox.
func (m *Module) Admit(req *Request) int32 {
	return m.requests.Insert(&entry{req: req, resp: &Response{Status: 200, Headers: map[string][]string{}}})
}

// Discard drops a request's slot without finalizing it, used when the
// application is torn down with a request still in flight.
func (m *Module) Discard(requestID int32) {
	_ = m.requests.Remove(requestID)
}

// Build returns the registry.Module declaring this capability's operations.
func (m *Module) Build() *registry.Module {
	return &registry.Module{
		Namespace: "http",
		Operations: []registry.Operation{
			{Name: "uri", Arity: 3, Func: m.uri},
			{Name: "method", Arity: 3, Func: m.method},
			{Name: "remote_addr", Arity: 3, Func: m.remoteAddr},
			{Name: "header", Arity: 5, Func: m.header},
			{Name: "cookie", Arity: 5, Func: m.cookie},
			{Name: "body", Arity: 3, Func: m.body},
			{Name: "session_item", Arity: 5, Func: m.sessionItem},
			{Name: "set_session_item", Arity: 5, Void: true, Func: m.setSessionItem},
			{Name: "set_status", Arity: 2, Void: true, Func: m.setStatus},
			{Name: "set_header", Arity: 5, Void: true, Func: m.setHeader},
			{Name: "set_cookie", Arity: 3, Void: true, Func: m.setCookie},
			{Name: "set_body", Arity: 3, Void: true, Func: m.setBody},
			{Name: "set_file", Arity: 3, Void: true, Func: m.setFile},
			{Name: "stream_open", Arity: 1, Func: m.streamOpen},
			{Name: "stream_write", Arity: 3, Func: m.streamWrite},
			{Name: "stream_close", Arity: 1, Void: true, Func: m.streamClose},
			{Name: "complete", Arity: 1, Void: true, Func: m.complete},
		},
	}
}

func (m *Module) get(requestID int32) (*entry, bool) {
	e, err := m.requests.BorrowMut(requestID)
	if err != nil {
		return nil, false
	}
	return *e, true
}

func (m *Module) copyOut(field string, data []byte, found bool, dstPtr, maxLen int32) (int32, error) {
	if !found {
		return -1, nil
	}
	if maxLen < int32(len(data)) {
		return 0, &FatalError{msg: fmt.Sprintf("http: %s max_len=%d smaller than field length %d", field, maxLen, len(data))}
	}
	if err := m.bridge.WriteBytes(dstPtr, data); err != nil {
		return 0, err
	}
	return int32(len(data)), nil
}

// uri(request_id, dst_ptr, max_len) -> n
func (m *Module) uri(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	return m.copyOut("uri", []byte(e.req.URI), true, args[1], args[2])
}

// method(request_id, dst_ptr, max_len) -> n
func (m *Module) method(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	return m.copyOut("method", []byte(e.req.Method), true, args[1], args[2])
}

// remote_addr(request_id, dst_ptr, max_len) -> n
func (m *Module) remoteAddr(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	return m.copyOut("remote_addr", []byte(e.req.RemoteAddr), true, args[1], args[2])
}

// header(request_id, name_ptr, name_len, dst_ptr, max_len) -> n
func (m *Module) header(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	name, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	vals, found := e.req.Headers[name]
	var data []byte
	if found && len(vals) > 0 {
		data = []byte(vals[0])
	} else {
		found = false
	}
	return m.copyOut("header", data, found, args[3], args[4])
}

// cookie(request_id, name_ptr, name_len, dst_ptr, max_len) -> n
func (m *Module) cookie(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	name, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	val, found := e.req.Cookies[name]
	return m.copyOut("cookie", []byte(val), found, args[3], args[4])
}

// body(request_id, dst_ptr, max_len) -> n
func (m *Module) body(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	return m.copyOut("body", e.req.Body, true, args[1], args[2])
}

// session_item(request_id, key_ptr, key_len, dst_ptr, max_len) -> n
func (m *Module) sessionItem(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return -1, nil
	}
	key, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	val, found := e.req.Session[key]
	return m.copyOut("session_item", []byte(val), found, args[3], args[4])
}

// set_session_item(request_id, key_ptr, key_len, val_ptr, val_len)
func (m *Module) setSessionItem(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	key, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	val, err := m.bridge.ExtractString(args, 3)
	if err != nil {
		return 0, err
	}
	if e.req.Session == nil {
		e.req.Session = map[string]string{}
	}
	e.req.Session[key] = val
	return 0, nil
}

// set_status(request_id, status)
func (m *Module) setStatus(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	e.resp.Status = int(args[1])
	return 0, nil
}

// set_header(request_id, name_ptr, name_len, val_ptr, val_len)
func (m *Module) setHeader(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	name, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	val, err := m.bridge.ExtractString(args, 3)
	if err != nil {
		return 0, err
	}
	e.resp.Headers[name] = append(e.resp.Headers[name], val)
	return 0, nil
}

// set_cookie(request_id, cookie_ptr, cookie_len) — guest passes a full
// Set-Cookie line, matching response.rs's add-one-line-at-a-time model.
func (m *Module) setCookie(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	line, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	e.resp.Cookies = append(e.resp.Cookies, line)
	return 0, nil
}

// set_body(request_id, buf_ptr, buf_len)
func (m *Module) setBody(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	data, err := m.bridge.ExtractBytes(args, 1)
	if err != nil {
		return 0, err
	}
	e.resp.Body = data
	return 0, nil
}

// set_file(request_id, path_ptr, path_len)
func (m *Module) setFile(args []int32) (int32, error) {
	e, ok := m.get(args[0])
	if !ok {
		return 0, nil
	}
	path, err := m.bridge.ExtractString(args, 1)
	if err != nil {
		return 0, err
	}
	e.resp.File = path
	return 0, nil
}

// stream_open(request_id) -> stream_handle
//
// The staged response is handed to onComplete immediately, before the guest
// writes a single chunk, so the HTTP front end starts draining resp.Stream
// right away. Waiting until complete (as an earlier revision did) let a
// guest that wrote more than the channel's buffered capacity before calling
// complete block its own reactor goroutine forever, since nothing was yet
// consuming the channel; complete only closes the stream if the guest
// didn't already call stream_close.
func (m *Module) streamOpen(args []int32) (int32, error) {
	requestID := args[0]
	e, ok := m.get(requestID)
	if !ok {
		return -1, nil
	}
	if e.resp.Streaming {
		return 0, &FatalError{msg: "http: stream_open called twice for the same response"}
	}
	e.resp.Streaming = true
	e.resp.Stream = make(chan []byte, 16)
	handle := m.streams.Insert(e)
	applyAmbientHeaders(e.resp)
	if m.onComplete != nil {
		m.onComplete(requestID, e.resp)
	}
	return handle, nil
}

// stream_write(stream_handle, buf_ptr, buf_len) -> n
func (m *Module) streamWrite(args []int32) (int32, error) {
	e, err := m.streams.BorrowMut(args[0])
	if err != nil {
		return -1, nil
	}
	data, err := m.bridge.ExtractBytes(args, 1)
	if err != nil {
		return 0, err
	}
	(*e).resp.Stream <- data
	return int32(len(data)), nil
}

// stream_close(stream_handle)
func (m *Module) streamClose(args []int32) (int32, error) {
	e, err := m.streams.Take(args[0])
	if err != nil {
		m.log.WithField("stream_handle", args[0]).Debug("stream_close of unknown handle")
		return 0, nil
	}
	if !e.resp.StreamDone {
		e.resp.StreamDone = true
		close(e.resp.Stream)
	}
	return 0, nil
}

// complete(request_id)
func (m *Module) complete(args []int32) (int32, error) {
	requestID := args[0]
	e, err := m.requests.Take(requestID)
	if err != nil {
		m.log.WithField("request_id", requestID).Warn("complete called on unknown or already-completed request")
		return 0, nil
	}
	if e.resp.Streaming {
		// Already handed to onComplete by stream_open; just make sure the
		// stream is closed if the guest never called stream_close itself.
		if !e.resp.StreamDone {
			e.resp.StreamDone = true
			close(e.resp.Stream)
		}
		return 0, nil
	}
	applyAmbientHeaders(e.resp)
	if m.onComplete != nil {
		m.onComplete(requestID, e.resp)
	}
	return 0, nil
}

// applyAmbientHeaders sets the fixed X-Powered-By header the original
// source always adds; it is never guest-controlled (spec supplement, not a
// new capability operation).
func applyAmbientHeaders(resp *Response) {
	resp.Headers["X-Powered-By"] = []string{"miniapp-host"}
}
