package etl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckInvalidRatio(t *testing.T) {
	tests := []struct {
		name     string
		stats    ParseStats
		maxRatio float64
		ok       bool
	}{
		{
			name:     "clean batch",
			stats:    ParseStats{Input: 100, Invalid: 0},
			maxRatio: 0.05,
			ok:       true,
		},
		{
			name:     "at the threshold passes",
			stats:    ParseStats{Input: 100, Invalid: 5},
			maxRatio: 0.05,
			ok:       true,
		},
		{
			name:     "over the threshold fails the run",
			stats:    ParseStats{Input: 100, Invalid: 6},
			maxRatio: 0.05,
			ok:       false,
		},
		{
			name:     "empty batch passes",
			stats:    ParseStats{Input: 0, Invalid: 0},
			maxRatio: 0.05,
			ok:       true,
		},
		{
			name:     "zero tolerance",
			stats:    ParseStats{Input: 10, Invalid: 1},
			maxRatio: 0,
			ok:       false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkInvalidRatio(tt.stats, tt.maxRatio)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid")
			}
		})
	}
}
