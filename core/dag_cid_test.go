package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeCIDDeterministic(t *testing.T) {
	b := []byte("some canonical bytes")
	c1, err := computeCID(b)
	require.NoError(t, err)
	c2, err := computeCID(b)
	require.NoError(t, err)
	require.Equal(t, c1, c2)

	other, err := computeCID([]byte("different bytes"))
	require.NoError(t, err)
	require.NotEqual(t, c1, other)
}

func TestParseCIDRoundTrip(t *testing.T) {
	c, err := computeCID([]byte("round trip me"))
	require.NoError(t, err)

	parsed, err := ParseCID(c.String())
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestParseCIDRejectsGarbage(t *testing.T) {
	_, err := ParseCID("not-a-cid-at-all")
	require.Error(t, err)
}
