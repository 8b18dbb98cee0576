// Package resource implements the dense, integer-indexed slot tables that
// back every guest-visible handle: open TCP streams, pending read buffers,
// listening sockets, timers, inbound HTTP requests, outbound HTTP responses.
//
// A Table owns no synchronization of its own. Spec 4.1 requires tables be
// accessed only from their owning application reactor's goroutine; callers
// outside the reactor must not touch a Table directly.
package resource

import "fmt"

// ErrNotFound is returned when an index does not reference an occupied slot.
// Removing or taking a free slot is an error, not undefined behavior (spec 3,
// Resource Slot invariants).
var ErrNotFound = fmt.Errorf("resource: slot not found")

type slot[T any] struct {
	occupied bool
	value    T
}

// Table is a dense slab of slots of one resource kind. The zero value is
// ready to use.
type Table[T any] struct {
	slots []slot[T]
	free  []int32
}

// New returns an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores value in a free slot (reusing a removed index when one is
// available) and returns its index.
func (t *Table[T]) Insert(value T) int32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[idx] = slot[T]{occupied: true, value: value}
		return idx
	}
	idx := int32(len(t.slots))
	t.slots = append(t.slots, slot[T]{occupied: true, value: value})
	return idx
}

// Take removes the slot at idx and returns its value. Reused indices never
// surface a stale value: once removed, Take/BorrowMut/Remove all fail until
// the index is reinserted (Insert or Reinstall).
func (t *Table[T]) Take(idx int32) (T, error) {
	var zero T
	s, err := t.get(idx)
	if err != nil {
		return zero, err
	}
	value := s.value
	t.slots[idx] = slot[T]{}
	t.free = append(t.free, idx)
	return value, nil
}

// Reinstall puts value back at idx after it was taken out for the duration
// of an I/O operation (spec 4.6 TCP read/write take/reinstall discipline).
// idx must currently be free and must have come from a prior Take on this
// table, otherwise the free list and slot count disagree.
func (t *Table[T]) Reinstall(idx int32, value T) error {
	if idx < 0 || int(idx) >= len(t.slots) {
		return ErrNotFound
	}
	if t.slots[idx].occupied {
		return fmt.Errorf("resource: slot %d already occupied", idx)
	}
	for i, f := range t.free {
		if f == idx {
			t.free[i] = t.free[len(t.free)-1]
			t.free = t.free[:len(t.free)-1]
			break
		}
	}
	t.slots[idx] = slot[T]{occupied: true, value: value}
	return nil
}

// BorrowMut returns a pointer to the value at idx for in-place mutation.
// The pointer is only valid until the next Take/Remove of the same index;
// callers must not retain it across a reactor turn.
func (t *Table[T]) BorrowMut(idx int32) (*T, error) {
	s, err := t.get(idx)
	if err != nil {
		return nil, err
	}
	_ = s
	return &t.slots[idx].value, nil
}

// Remove drops the slot at idx without returning its value. Idempotent from
// the guest's point of view is handled by the caller; Remove on an already
// free slot is itself an error here (callers that need idempotence, e.g.
// release_buffer, ignore that error).
func (t *Table[T]) Remove(idx int32) error {
	if _, err := t.get(idx); err != nil {
		return err
	}
	t.slots[idx] = slot[T]{}
	t.free = append(t.free, idx)
	return nil
}

// Contains reports whether idx currently names an occupied slot.
func (t *Table[T]) Contains(idx int32) bool {
	if idx < 0 || int(idx) >= len(t.slots) {
		return false
	}
	return t.slots[idx].occupied
}

// Len reports the number of occupied slots, for occupancy metrics.
func (t *Table[T]) Len() int {
	return len(t.slots) - len(t.free)
}

func (t *Table[T]) get(idx int32) (*slot[T], error) {
	if idx < 0 || int(idx) >= len(t.slots) || !t.slots[idx].occupied {
		return nil, ErrNotFound
	}
	return &t.slots[idx], nil
}
