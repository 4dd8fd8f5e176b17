package persistence

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numericSuffix(t *testing.T, id string) int {
	t.Helper()
	require.True(t, strings.HasPrefix(id, LocalIDPrefix), "id %q should carry the local prefix", id)
	n, err := strconv.Atoi(strings.TrimPrefix(id, LocalIDPrefix))
	require.NoError(t, err)
	return n
}

// TestNextPositionIDMonotonic verifies that ids increase within one store
// and keep increasing after a close/reopen cycle. Local ids become file
// names, so reuse after a restart would clobber another instance's state.
func TestNextPositionIDMonotonic(t *testing.T) {
	dir := t.TempDir()

	store, err := NewMetaStore(dir)
	require.NoError(t, err)

	var last int
	for i := 0; i < 3; i++ {
		id, err := store.NextPositionID()
		require.NoError(t, err)
		n := numericSuffix(t, id)
		assert.Greater(t, n, last)
		last = n
	}
	require.NoError(t, store.Close())

	// Reopen on the same path: gaps are allowed, going backwards is not.
	store, err = NewMetaStore(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.NextPositionID()
	require.NoError(t, err)
	assert.Greater(t, numericSuffix(t, id), last, "ids must survive restarts")
}

// TestIsLocalID verifies classification of locally allocated ids versus
// exchange-assigned ones.
func TestIsLocalID(t *testing.T) {
	assert.True(t, IsLocalID("local-1"))
	assert.True(t, IsLocalID("local-42"))
	assert.False(t, IsLocalID("MSX-778"))
	assert.False(t, IsLocalID(""))
}
