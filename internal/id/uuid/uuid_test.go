package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDIsOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	prev := ""
	for range 50 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		require.Equal(t, googleuuid.Version(7), parsed.Version())
		require.Greater(t, id, prev)
		prev = id
	}
}
