// Package membridge copies bytes and strings between host memory and a
// guest's linear memory (spec 4.3). It never retains a slice of guest memory
// past the call that produced it: a guest call that grows memory invalidates
// prior slices, so every operation re-resolves the current backing array
// before touching it (spec 9, "Guest memory access").
package membridge

import "fmt"

// FaultError reports an out-of-range access against guest linear memory.
// Per spec 4.3 this is always a fatal guest error: the caller must abort the
// current invocation and mark the application faulted, never recover in
// place.
type FaultError struct {
	Op       string
	Ptr, Len int32
	MemSize  int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("membridge: %s out of bounds (ptr=%d len=%d memsize=%d)", e.Op, e.Ptr, e.Len, e.MemSize)
}

// Memory is the minimal view the bridge needs of a guest's linear memory.
// Bytes returns the current backing slice; implementations must return a
// fresh, correctly-sized slice on every call so growth is observed.
type Memory interface {
	Bytes() []byte
}

// Bridge performs bounds-checked reads and writes against a Memory.
type Bridge struct {
	mem Memory
}

// New builds a Bridge over mem.
func New(mem Memory) *Bridge {
	return &Bridge{mem: mem}
}

func (b *Bridge) bounds(op string, ptr, length int32) ([]byte, error) {
	data := b.mem.Bytes()
	if ptr < 0 || length < 0 {
		return nil, &FaultError{Op: op, Ptr: ptr, Len: length, MemSize: len(data)}
	}
	end := int64(ptr) + int64(length)
	if end > int64(len(data)) {
		return nil, &FaultError{Op: op, Ptr: ptr, Len: length, MemSize: len(data)}
	}
	return data[ptr:end], nil
}

// ReadBytes copies length bytes starting at ptr out of guest memory.
func (b *Bridge) ReadBytes(ptr, length int32) ([]byte, error) {
	src, err := b.bounds("read_bytes", ptr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// ReadString copies length bytes starting at ptr out of guest memory and
// interprets them as UTF-8 text.
func (b *Bridge) ReadString(ptr, length int32) (string, error) {
	data, err := b.bounds("read_str", ptr, length)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteBytes copies src into guest memory at ptr. len(src) must fit within
// current memory; the caller (typically take_buffer) is responsible for
// treating a size mismatch as its own fatal condition before calling this.
func (b *Bridge) WriteBytes(ptr int32, src []byte) error {
	dst, err := b.bounds("write_bytes", ptr, int32(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// ExtractString interprets args[i] and args[i+1] as a (ptr, len) pair
// relative to current guest linear memory and returns the decoded string.
// This is the host-side counterpart of every capability operation argument
// documented as a "(ptr, len)" pair in spec 6.
func (b *Bridge) ExtractString(args []int32, i int) (string, error) {
	if i < 0 || i+1 >= len(args) {
		return "", fmt.Errorf("membridge: extract_str index %d out of argument range (len=%d)", i, len(args))
	}
	return b.ReadString(args[i], args[i+1])
}

// ExtractBytes is ExtractString's byte-slice counterpart, used where the
// argument pair names binary payload rather than UTF-8 text (e.g. TCP write
// buffers).
func (b *Bridge) ExtractBytes(args []int32, i int) ([]byte, error) {
	if i < 0 || i+1 >= len(args) {
		return nil, fmt.Errorf("membridge: extract_bytes index %d out of argument range (len=%d)", i, len(args))
	}
	return b.ReadBytes(args[i], args[i+1])
}
