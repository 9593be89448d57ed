package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_NewIDIsUnique(t *testing.T) {
	t.Parallel()

	g := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := g.NewID()
		require.NoError(t, err)
		require.Len(t, id, 36)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestGenerator_NewSuffix(t *testing.T) {
	t.Parallel()

	g := New()
	s, err := g.NewSuffix()
	require.NoError(t, err)
	require.Len(t, s, 8)
}
