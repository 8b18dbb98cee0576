// Package registry resolves a guest's declared imports, each named
// (namespace, operation), to host callables (spec 4.5). It is intentionally
// independent of the interpreter: it only tracks declaration order and
// arity, leaving the actual guest-VM binding to the reactor.
//
// Grounded on the teacher's system/tee/sys_api.go namespaced sys.* surface
// and the original Rust decl_namespace! macro in
// original_source/src/lssa/ns/tcp.rs, which lists a namespace's operations
// in a fixed declaration order the same way Module.Operations does here.
package registry

import "fmt"

// Operation is one host callable exported under a namespace. Arity is the
// fixed count of 32-bit guest integer arguments the host expects; callers
// that need a (ptr, len) string/byte pair count it as two of these.
//
// Func's return values separate the three non-fatal outcomes from the one
// fatal one (spec 7): a nil error with result -1 is a synchronous rejection
// (bad args, permission denied, table saturated); a nil error with result
// >= 0 is an accepted/succeeded call; a non-nil error is always a fatal
// guest error (out-of-bounds memory, mis-sized take_buffer, double-stream)
// and the reactor must abort the current invocation and mark the
// application faulted rather than deliver the result to the guest.
type Operation struct {
	Name  string
	Arity int
	// Void marks an operation that returns nothing to the guest (e.g.
	// destroy, release_buffer); the reactor binds it without a return value.
	Void bool
	Func func(args []int32) (result int32, err error)
}

// Module is one capability's fixed, ordered list of exported operations
// under one namespace name (e.g. "tcp").
type Module struct {
	Namespace  string
	Operations []Operation
}

// ErrUnknownImport is returned by Resolve when a guest import names a
// namespace or operation the registry has no module for. The reactor does
// not call Resolve: it installs every registered operation on a
// per-namespace global at boot, so a guest that calls an operation no module
// declares fails with a script exception when that call runs, not at boot.
var ErrUnknownImport = fmt.Errorf("registry: unknown import")

// Registry binds namespace names to Modules.
type Registry struct {
	modules map[string]*Module
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// AddModule registers m under its namespace. Registering two modules under
// the same namespace is a configuration error.
func (r *Registry) AddModule(m *Module) error {
	if _, exists := r.modules[m.Namespace]; exists {
		return fmt.Errorf("registry: namespace %q already registered", m.Namespace)
	}
	r.modules[m.Namespace] = m
	return nil
}

// Resolve looks up (namespace, operation) and returns the bound Operation.
func (r *Registry) Resolve(namespace, operation string) (*Operation, error) {
	m, ok := r.modules[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %q", ErrUnknownImport, namespace)
	}
	for i := range m.Operations {
		if m.Operations[i].Name == operation {
			return &m.Operations[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownImport, namespace, operation)
}

// Namespaces returns the registered namespace names, for instantiating every
// declared module's guest-visible object regardless of whether the guest
// ends up calling every operation.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.modules))
	for ns := range r.modules {
		out = append(out, ns)
	}
	return out
}

// Module returns the module registered under namespace, or nil.
func (r *Registry) Module(namespace string) *Module {
	return r.modules[namespace]
}
