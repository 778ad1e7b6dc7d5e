package paste

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"1s", 1},
		{"59s", 59},
		{"1m", 60},
		{"59m59s", 3599},
		{"1h", 3600},
		{"23h", 82_800},
		{"1d", 86_400},
		{"30d", 2_592_000},
		{"1d2h3m4s", 93_784},
		{"7d", 604_800},
		{"2h30m", 9000},
		{"0d5s", 5},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTTL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseTTLInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"10",
		"abc",
		"60s",
		"60m",
		"24h",
		"31d",
		"1s1m",
		"1x",
		"-1d",
		"0s",
		"0d0h",
		"1d 2h",
		"99999999999d",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseTTL(in)
			require.ErrorIs(t, err, ErrInvalidTTL)
		})
	}
}
