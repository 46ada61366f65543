package message

// RetainedBuffer is a fully encoded, fully encrypted outgoing message kept
// alive so the reliable message manager can retransmit it without
// re-encoding. Per spec section 6, it is opaque to the manager except for
// its message counter and null-ness.
type RetainedBuffer struct {
	encoded []byte
	counter uint32
	valid   bool
}

// NewRetainedBuffer wraps an already-encoded frame with its message
// counter.
func NewRetainedBuffer(encoded []byte, counter uint32) RetainedBuffer {
	return RetainedBuffer{encoded: encoded, counter: counter, valid: true}
}

// GetMessageCounter returns the 32-bit counter the encoded frame carries.
func (b RetainedBuffer) GetMessageCounter() uint32 {
	return b.counter
}

// IsNull reports whether this buffer was never populated (the zero
// value).
func (b RetainedBuffer) IsNull() bool {
	return !b.valid
}

// Bytes returns the encoded frame. Callers must not hold onto the
// returned slice past the buffer's release — the manager owns it
// exclusively for the entry's lifetime (spec section 3, "Ownership").
func (b RetainedBuffer) Bytes() []byte {
	return b.encoded
}
