package logcap

import (
	"testing"

	"github.com/R3E-Network/miniapp-host/internal/logging"
	"github.com/R3E-Network/miniapp-host/internal/membridge"
)

type fixedMemory struct{ buf []byte }

func (m *fixedMemory) Bytes() []byte { return m.buf }

func TestLogDoesNotErrorOnValidMessage(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 32)}
	copy(mem.buf, "hello")
	bridge := membridge.New(mem)
	mod := New("app", bridge, logging.NewDefault("logcap-test"))

	for _, level := range []int32{0, 1, 2, 3} {
		if _, err := mod.logOp([]int32{level, 0, 5}); err != nil {
			t.Fatalf("log level %d: %v", level, err)
		}
	}
}

func TestLogOutOfBoundsIsFatal(t *testing.T) {
	mem := &fixedMemory{buf: make([]byte, 4)}
	bridge := membridge.New(mem)
	mod := New("app", bridge, logging.NewDefault("logcap-test"))

	if _, err := mod.logOp([]int32{1, 0, 100}); err == nil {
		t.Fatal("expected fatal error for out-of-bounds message")
	}
}
