package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroize(t *testing.T) {
	t.Run("zeroizes non-empty slice", func(t *testing.T) {
		data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
		Zeroize(data)
		require.Equal(t, make([]byte, 5), data)
	})

	t.Run("handles empty and nil slices", func(t *testing.T) {
		Zeroize([]byte{})
		Zeroize(nil)
	})

	t.Run("zeroizes 32-byte key", func(t *testing.T) {
		var key [32]byte
		for i := range key {
			key[i] = byte(i + 1)
		}
		Zeroize32(&key)
		require.Equal(t, [32]byte{}, key)
	})

	t.Run("nil array pointer", func(t *testing.T) {
		Zeroize32(nil)
	})
}
