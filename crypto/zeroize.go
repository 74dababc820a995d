// Package crypto holds small helpers for handling secret material in memory.
package crypto

import "runtime"

// Zeroize overwrites b with zeros. Callers use it on seeds, unsealed key
// serializations and derived subkeys as soon as they are done with them.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Zeroize32 clears a fixed-size key.
func Zeroize32(b *[32]byte) {
	if b == nil {
		return
	}
	Zeroize(b[:])
}
