package format

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	t.Parallel()

	values := []uint64{0, 1, 127, 128, 255, 256, 1 << 20, math.MaxUint32, math.MaxUint64}
	for _, v := range values {
		var buf [MaxVarintLen]byte
		n := PutUvarint(buf[:], v)
		got, m := Uvarint(buf[:n])
		require.Equal(t, v, got)
		require.Equal(t, n, m)
	}
}

func TestVarintStopsAtTerminatingByte(t *testing.T) {
	t.Parallel()

	var buf [MaxVarintLen]byte
	n := PutUvarint(buf[:], 300)
	trailing := append(buf[:n], 0xFF, 0xFF)

	got, m := Uvarint(trailing)
	require.Equal(t, uint64(300), got)
	require.Equal(t, n, m)
}
