package message

import "testing"

func TestRetainedBufferZeroValueIsNull(t *testing.T) {
	var b RetainedBuffer
	if !b.IsNull() {
		t.Fatal("zero-value RetainedBuffer must report IsNull")
	}
}

func TestNewRetainedBufferCarriesCounter(t *testing.T) {
	b := NewRetainedBuffer([]byte{1, 2, 3}, 42)
	if b.IsNull() {
		t.Fatal("populated RetainedBuffer must not report IsNull")
	}
	if b.GetMessageCounter() != 42 {
		t.Fatalf("GetMessageCounter() = %d, want 42", b.GetMessageCounter())
	}
	if len(b.Bytes()) != 3 {
		t.Fatalf("Bytes() length = %d, want 3", len(b.Bytes()))
	}
}
