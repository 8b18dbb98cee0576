// Package kv implements the key-value storage capability module (spec 4.6,
// KV Storage): get/set/remove and hash variants, each permission-checked
// against KvNamespace(ns) and forwarded to a bounded worker pool that
// performs the actual backend I/O (internal/kvbackend), replying through the
// app mailbox as a resumption.
//
// Grounded on original_source/src/storage/backend/redis.rs's command/
// one-shot-reply shape, adapted here to the capability-module boundary: the
// capability never talks to a wire client directly, only to
// internal/kvbackend.Pool.
package kv

import (
	"github.com/R3E-Network/miniapp-host/internal/hostapi"
	"github.com/R3E-Network/miniapp-host/internal/kvbackend"
	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
	"github.com/R3E-Network/miniapp-host/internal/permission"
	"github.com/R3E-Network/miniapp-host/internal/registry"
	"github.com/R3E-Network/miniapp-host/internal/resource"
)

// Module is the per-application KV capability state.
type Module struct {
	appName string
	oracle  *permission.Oracle
	perms   *permission.Set
	bridge  *membridge.Bridge
	reactor hostapi.Reactor
	log     *logging.Logger
	pool    *kvbackend.Pool

	buffers *resource.Table[[]byte]
}

// New builds a KV capability module backed by pool.
func New(appName string, oracle *permission.Oracle, perms *permission.Set, bridge *membridge.Bridge, reactor hostapi.Reactor, log *logging.Logger, pool *kvbackend.Pool) *Module {
	return &Module{
		appName: appName,
		oracle:  oracle,
		perms:   perms,
		bridge:  bridge,
		reactor: reactor,
		log:     log,
		pool:    pool,
		buffers: resource.New[[]byte](),
	}
}

// Buffers exposes the buffer table so take_buffer-style consumers (a shared
// host import, see registry wiring in internal/reactor) can pull a found
// value out of guest-visible memory.
func (m *Module) Buffers() *resource.Table[[]byte] {
	return m.buffers
}

// Build returns the registry.Module declaring get/set/remove and the hash
// variants in spec 4.6's order.
func (m *Module) Build() *registry.Module {
	return &registry.Module{
		Namespace: "kv",
		Operations: []registry.Operation{
			{Name: "get", Arity: 6, Func: m.get},
			{Name: "set", Arity: 8, Func: m.set},
			{Name: "remove", Arity: 6, Func: m.remove},
			{Name: "hget", Arity: 8, Func: m.hget},
			{Name: "hset", Arity: 10, Func: m.hset},
			{Name: "hremove", Arity: 8, Func: m.hremove},
		},
	}
}

func (m *Module) checkNamespace(ns string) bool {
	return m.oracle.Check(m.appName, m.perms, permission.KVNamespace(ns)) == nil
}

// get(ns_ptr, ns_len, key_ptr, key_len, cb_target, cb_data)
func (m *Module) get(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[4], args[5]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpGet, Namespace: ns, Key: key, Reply: reply}) {
		return -1, nil
	}
	go m.awaitValue(reply, cbTarget, cbData)
	return 0, nil
}

// set(ns_ptr, ns_len, key_ptr, key_len, val_ptr, val_len, cb_target, cb_data)
func (m *Module) set(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	val, err := m.bridge.ExtractBytes(args, 4)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[6], args[7]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpSet, Namespace: ns, Key: key, Value: val, Reply: reply}) {
		return -1, nil
	}
	go m.awaitAck(reply, cbTarget, cbData)
	return 0, nil
}

// remove(ns_ptr, ns_len, key_ptr, key_len, cb_target, cb_data)
func (m *Module) remove(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[4], args[5]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpRemove, Namespace: ns, Key: key, Reply: reply}) {
		return -1, nil
	}
	go m.awaitAck(reply, cbTarget, cbData)
	return 0, nil
}

// hget(ns_ptr, ns_len, key_ptr, key_len, field_ptr, field_len, cb_target, cb_data)
func (m *Module) hget(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	field, err := m.bridge.ExtractString(args, 4)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[6], args[7]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpHGet, Namespace: ns, Key: key, Field: field, Reply: reply}) {
		return -1, nil
	}
	go m.awaitValue(reply, cbTarget, cbData)
	return 0, nil
}

// hset(ns_ptr, ns_len, key_ptr, key_len, field_ptr, field_len, val_ptr, val_len, cb_target, cb_data)
func (m *Module) hset(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	field, err := m.bridge.ExtractString(args, 4)
	if err != nil {
		return 0, err
	}
	val, err := m.bridge.ExtractBytes(args, 6)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[8], args[9]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpHSet, Namespace: ns, Key: key, Field: field, Value: val, Reply: reply}) {
		return -1, nil
	}
	go m.awaitAck(reply, cbTarget, cbData)
	return 0, nil
}

// hremove(ns_ptr, ns_len, key_ptr, key_len, field_ptr, field_len, cb_target, cb_data)
func (m *Module) hremove(args []int32) (int32, error) {
	ns, key, err := m.extractNsKey(args, 0)
	if err != nil {
		return 0, err
	}
	field, err := m.bridge.ExtractString(args, 4)
	if err != nil {
		return 0, err
	}
	cbTarget, cbData := args[6], args[7]
	if !m.checkNamespace(ns) {
		return -1, nil
	}

	reply := make(chan kvbackend.Result, 1)
	if !m.pool.Submit(kvbackend.Command{Op: kvbackend.OpHRemove, Namespace: ns, Key: key, Field: field, Reply: reply}) {
		return -1, nil
	}
	go m.awaitAck(reply, cbTarget, cbData)
	return 0, nil
}

func (m *Module) extractNsKey(args []int32, i int) (ns, key string, err error) {
	ns, err = m.bridge.ExtractString(args, i)
	if err != nil {
		return "", "", err
	}
	key, err = m.bridge.ExtractString(args, i+2)
	if err != nil {
		return "", "", err
	}
	return ns, key, nil
}

// awaitValue waits for a get/hget reply and delivers either the buffer slot
// id holding the found value, or -1 for absent-or-error (spec 8 round-trip:
// "get(k); remove(k); get(k) == absent", observed by the guest as -1).
// Absent and backend-error are deliberately collapsed onto the same -1: spec
// 3's callback result is a single integer that is either a non-negative
// handle/size or -1 for failure, with no third state, so there is no room in
// the generic invoke ABI to distinguish "not found" from "backend error"
// without a value outside that contract (DESIGN.md, Open Questions).
func (m *Module) awaitValue(reply chan kvbackend.Result, cbTarget, cbData int32) {
	res := <-reply
	m.reactor.Post(func() {
		if res.Err != nil {
			m.reactor.Invoke(cbTarget, cbData, -1)
			return
		}
		bufID := m.buffers.Insert(res.Value)
		m.reactor.Invoke(cbTarget, cbData, bufID)
	})
}

// awaitAck waits for a set/remove/hset/hremove reply and delivers 0 on
// success or -1 on backend error.
func (m *Module) awaitAck(reply chan kvbackend.Result, cbTarget, cbData int32) {
	res := <-reply
	m.reactor.Post(func() {
		if res.Err != nil {
			m.reactor.Invoke(cbTarget, cbData, -1)
			return
		}
		m.reactor.Invoke(cbTarget, cbData, 0)
	})
}
