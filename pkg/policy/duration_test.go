package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"0", 0},
		{"2000", 2 * time.Second},
		{"2S", 2 * time.Second},
		{"1M", time.Minute},
		{"1H", time.Hour},
		{"1.5S", 1500 * time.Millisecond},
		{"PT0.01S", 10 * time.Millisecond},
		{"PT1M30S", 90 * time.Second},
		{"P1D", 24 * time.Hour},
		{"250ms", 250 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{" 100 ", 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "abc", "PT", "P", "P1DT", "-5s", "2X", "1.2.3S"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestDurationYAML(t *testing.T) {
	var doc struct {
		Wait Duration `yaml:"wait"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("wait: 2S"), &doc))
	assert.Equal(t, 2*time.Second, doc.Wait.D())

	require.NoError(t, yaml.Unmarshal([]byte("wait: 1500"), &doc))
	assert.Equal(t, 1500*time.Millisecond, doc.Wait.D())

	err := yaml.Unmarshal([]byte("wait: [1, 2]"), &doc)
	require.Error(t, err)
}
