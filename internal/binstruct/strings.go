package binstruct

import "bytes"

// CString returns b up to its first NUL.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Padded returns b without trailing pad bytes or NULs.
func Padded(b []byte, pad byte) string {
	return string(bytes.TrimRight(b, string([]byte{pad, 0})))
}

// PutPadded copies s into b and fills the rest with pad.
// It reports whether s fitted.
func PutPadded(b []byte, s string, pad byte) bool {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = pad
	}
	return n == len(s)
}
