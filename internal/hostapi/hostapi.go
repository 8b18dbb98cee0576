// Package hostapi defines the narrow interface capability modules (C6) use
// to get back onto their owning application's reactor thread. It exists so
// internal/capability/* packages don't import internal/reactor directly
// (the reactor imports them to build its namespace registry).
package hostapi

// Reactor is the collaborator a capability module uses to cross back onto
// the single-threaded executor that owns the interpreter and resource
// tables (spec 4.4, 4.7).
type Reactor interface {
	// Post schedules fn to run on the reactor thread. Safe to call from any
	// goroutine, including the reactor's own (it will run after the current
	// invocation returns, never recursively). Returns false if the
	// application has since been torn down, in which case fn is dropped
	// without running.
	Post(fn func()) bool

	// Invoke re-enters the guest via invoke(cbTarget, cbData, result). Must
	// only be called from the reactor thread, i.e. from inside a function
	// passed to Post (or from the synchronous capability call itself, for
	// the rare operation that can complete inline).
	Invoke(cbTarget, cbData, result int32)
}
