package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashSHA256(t *testing.T) {
	empty, err := HashSHA256(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, EmptySHA256, empty)

	sum, err := HashSHA256(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare(EmptySHA256, EmptySHA256))
	assert.False(t, SecureCompare(EmptySHA256, "abc"))
}
