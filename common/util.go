package common

import "unsafe"

// ByteSliceCopy returns a copy of bs. Payload reads from a shared segment and names decoded out of
// frame bodies must not alias memory another process or a reused buffer can touch.
func ByteSliceCopy(bs []byte) []byte {
	return append([]byte(nil), bs...)
}

// UnsafeString reinterprets bs as a string without copying. Only valid when bs is never mutated
// afterwards, such as a frame body allocated for a single decode.
func UnsafeString(bs []byte) string {
	if len(bs) == 0 {
		return ""
	}
	return unsafe.String(&bs[0], len(bs))
}
