package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUtoa(t *testing.T) {
	require.Equal(t, "0", utoa(0))
	require.Equal(t, "7", utoa(7))
	require.Equal(t, "1001", utoa(1001))
	require.Equal(t, "4294967295", utoa(0xFFFFFFFF))
}

func TestHex32(t *testing.T) {
	require.Equal(t, "0x00000000", Hex32(0))
	require.Equal(t, "0x08008000", Hex32(0x08008000))
	require.Equal(t, "0xb007dead", Hex32(ShutdownKey))
}
