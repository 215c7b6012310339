package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)

	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	for i := 0; i < 1000; i++ {
		assert.True(t, f.Test([]byte(fmt.Sprintf("key-%d", i))), "key-%d", i)
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	f := New(1000, 0.01)

	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if f.Test([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}

	// Sized for 1%; give it generous slack to stay deterministic.
	assert.Less(t, falsePositives, probes/20)
}

func TestFilterEncodeDecode(t *testing.T) {
	f := New(100, 0.01)

	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	decoded, err := Decode(f.Encode())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		assert.True(t, decoded.Test([]byte(fmt.Sprintf("key-%d", i))))
	}
}

func TestFilterDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x01})
	assert.Error(t, err)

	// Header says more bits than the payload carries.
	bad := New(100, 0.01).Encode()
	_, err = Decode(bad[:len(bad)-1])
	assert.Error(t, err)
}

func TestFilterDegenerateSizing(t *testing.T) {
	// Nonsense parameters fall back to sane defaults instead of failing.
	f := New(0, 2)
	f.Add([]byte("k"))
	assert.True(t, f.Test([]byte("k")))
}
