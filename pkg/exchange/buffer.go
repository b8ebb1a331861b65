package exchange

import "unsafe"

const bufferAlignment = 64

// alignedBuffer returns a zeroed slice of length size whose first byte is 64-byte aligned.
func alignedBuffer(size int) []byte {
	raw := make([]byte, size+bufferAlignment)
	offset := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % bufferAlignment); rem != 0 {
		offset = bufferAlignment - rem
	}
	return raw[offset : offset+size : offset+size]
}
