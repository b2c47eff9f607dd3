package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := Backoff{Floor: time.Second, Ceiling: 30 * time.Second}
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	require.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)
}

func TestBackoffReset(t *testing.T) {
	b := Backoff{Floor: time.Second, Ceiling: 30 * time.Second}
	require.Equal(t, time.Second, b.Current())
	b.Next()
	b.Next()
	require.Equal(t, 4*time.Second, b.Current())
	b.Reset()
	require.Equal(t, time.Second, b.Next())
}
