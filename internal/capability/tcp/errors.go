package tcp

import "fmt"

// FatalError reports a fatal guest error raised by the TCP capability:
// double take_buffer on the same id, or a take_buffer whose max_len is
// smaller than the buffer it names (spec 9, Open Questions decision 1; spec
// 8, Boundary).
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

func errDoubleTake(bufferID int32) error {
	return &FatalError{msg: fmt.Sprintf("tcp: take_buffer called twice on buffer %d", bufferID)}
}

func errUndersized(bufferID, maxLen int32, bufLen int) error {
	return &FatalError{msg: fmt.Sprintf("tcp: take_buffer(%d) max_len=%d smaller than buffer length %d", bufferID, maxLen, bufLen)}
}
