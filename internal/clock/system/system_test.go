package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCMicroseconds(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before))
	require.Zero(t, got.Nanosecond()%int(time.Microsecond))
	require.False(t, clk.Now().Before(got), "successive readings never go backwards")
}
