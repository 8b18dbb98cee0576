// Package tcp implements the TCP capability module (spec 4.6, TCP):
// listen/destroy/read/write/take_buffer/release_buffer over loopback and
// routable sockets, with the take/reinstall discipline the teacher's
// original source uses to keep a stream unavailable for concurrent use
// during its I/O.
//
// Grounded 1:1 on original_source/src/lssa/ns/tcp.rs: TcpImpl's two slabs
// (streams, buffers), the accept loop firing invoke2(cb_target, cb_data,
// stream_id) per connection, take_buffer's hard panic on a too-small
// max_len, and destroy/release_buffer's slot removal.
package tcp

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/R3E-Network/miniapp-host/internal/hostapi"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/permission"
	"github.com/R3E-Network/miniapp-host/internal/registry"
	"github.com/R3E-Network/miniapp-host/internal/resource"
)

// Module is the per-application TCP capability state.
type Module struct {
	appName string
	oracle  *permission.Oracle
	perms   *permission.Set
	bridge  *membridge.Bridge
	reactor hostapi.Reactor
	log     *logging.Logger

	streams *resource.Table[net.Conn]
	buffers *resource.Table[[]byte]

	mu        sync.Mutex
	listeners []net.Listener
}

// New builds a TCP capability module for one application.
func New(appName string, oracle *permission.Oracle, perms *permission.Set, bridge *membridge.Bridge, reactor hostapi.Reactor, log *logging.Logger) *Module {
	return &Module{
		appName: appName,
		oracle:  oracle,
		perms:   perms,
		bridge:  bridge,
		reactor: reactor,
		log:     log,
		streams: resource.New[net.Conn](),
		buffers: resource.New[[]byte](),
	}
}

// Close shuts every open listener down. Accepted streams are not closed
// here: they stay in the stream table until the guest destroys them or a
// read/write error closes them. Called by the reactor at
// application teardown (spec 4.8, "supervisor closes the mailbox... all
// pending resumptions dropped").
func (m *Module) Close() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
}

// Build returns the registry.Module declaring this capability's operations
// in the fixed order spec 4.6 lists them.
func (m *Module) Build() *registry.Module {
	return &registry.Module{
		Namespace: "tcp",
		Operations: []registry.Operation{
			{Name: "listen", Arity: 4, Func: m.listen},
			{Name: "destroy", Arity: 1, Void: true, Func: m.destroy},
			{Name: "read", Arity: 4, Func: m.read},
			{Name: "write", Arity: 5, Func: m.write},
			{Name: "take_buffer", Arity: 3, Func: m.takeBuffer},
			{Name: "release_buffer", Arity: 1, Void: true, Func: m.releaseBuffer},
		},
	}
}

// listen(addr_ptr, addr_len, cb_target, cb_data)
func (m *Module) listen(args []int32) (int32, error) {
	addr, err := m.bridge.ExtractString(args, 0)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[2], args[3]

	if err := m.oracle.Check(m.appName, m.perms, permission.TCPListen(addr)); err != nil {
		m.log.WithField("addr", addr).Debug("tcp listen denied")
		return -1, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.log.WithField("addr", addr).WithField("err", err).Warn("tcp listen failed")
		return -1, nil
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	go m.acceptLoop(ln, cbTarget, cbData)
	return 0, nil
}

func (m *Module) acceptLoop(ln net.Listener, cbTarget, cbData int32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := conn
		if !m.reactor.Post(func() {
			idx := m.streams.Insert(c)
			m.reactor.Invoke(cbTarget, cbData, idx)
		}) {
			_ = c.Close()
			return
		}
	}
}

// destroy(stream_id)
func (m *Module) destroy(args []int32) (int32, error) {
	streamID := args[0]
	conn, err := m.streams.Take(streamID)
	if err != nil {
		m.log.WithField("stream_id", streamID).Debug("tcp destroy of unknown stream")
		return 0, nil
	}
	_ = conn.Close()
	return 0, nil
}

// read(stream_id, max_len, cb_target, cb_data)
func (m *Module) read(args []int32) (int32, error) {
	streamID, maxLen, cbTarget, cbData := args[0], args[1], args[2], args[3]
	conn, err := m.streams.Take(streamID)
	if err != nil {
		return -1, nil
	}

	go func() {
		buf := make([]byte, maxLen)
		n, readErr := conn.Read(buf)

		m.reactor.Post(func() {
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					if rerr := m.streams.Reinstall(streamID, conn); rerr != nil {
						m.log.WithField("stream_id", streamID).Debug("tcp read reinstall failed")
					}
				} else {
					_ = conn.Close()
				}
				m.reactor.Invoke(cbTarget, cbData, -1)
				return
			}
			if rerr := m.streams.Reinstall(streamID, conn); rerr != nil {
				m.log.WithField("stream_id", streamID).Warn("tcp read reinstall failed on success path")
			}
			bufID := m.buffers.Insert(buf[:n])
			m.reactor.Invoke(cbTarget, cbData, bufID)
		})
	}()
	return 0, nil
}

// write(stream_id, buf_ptr, buf_len, cb_target, cb_data)
func (m *Module) write(args []int32) (int32, error) {
	streamID := args[0]
	data, err := m.bridge.ExtractBytes(args, 1)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[3], args[4]

	conn, err := m.streams.Take(streamID)
	if err != nil {
		return -1, nil
	}

	go func() {
		n, writeErr := conn.Write(data)

		m.reactor.Post(func() {
			if writeErr != nil {
				_ = conn.Close()
				m.reactor.Invoke(cbTarget, cbData, -1)
				return
			}
			if rerr := m.streams.Reinstall(streamID, conn); rerr != nil {
				m.log.WithField("stream_id", streamID).Warn("tcp write reinstall failed")
			}
			m.reactor.Invoke(cbTarget, cbData, int32(n))
		})
	}()
	return 0, nil
}

// take_buffer(buffer_id, dst_ptr, max_len) -> n
func (m *Module) takeBuffer(args []int32) (int32, error) {
	bufferID, dstPtr, maxLen := args[0], args[1], args[2]

	buf, err := m.buffers.Take(bufferID)
	if err != nil {
		return 0, errDoubleTake(bufferID)
	}
	if maxLen < int32(len(buf)) {
		return 0, errUndersized(bufferID, maxLen, len(buf))
	}
	if err := m.bridge.WriteBytes(dstPtr, buf); err != nil {
		return 0, err
	}
	return int32(len(buf)), nil
}

// release_buffer(buffer_id)
func (m *Module) releaseBuffer(args []int32) (int32, error) {
	bufferID := args[0]
	if err := m.buffers.Remove(bufferID); err != nil {
		m.log.WithField("buffer_id", bufferID).Debug("release_buffer of unknown buffer")
	}
	return 0, nil
}
