package util

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

func TestFloatToString(t *testing.T) {
	tests := []struct {
		name     string
		value    float32
		decimals int
		want     string
	}{
		{
			name:     "nan",
			value:    math32.NaN(),
			decimals: 2,
			want:     "nan",
		},
		{
			name:     "positive infinity",
			value:    math32.Inf(1),
			decimals: 2,
			want:     "inf",
		},
		{
			name:     "negative infinity",
			value:    math32.Inf(-1),
			decimals: 2,
			want:     "inf",
		},
		{
			name:     "negative with two decimals",
			value:    -3.14159,
			decimals: 2,
			want:     "-3.14",
		},
		{
			name:     "half with two decimals",
			value:    0.5,
			decimals: 2,
			want:     "0.50",
		},
		{
			name:     "zero",
			value:    0,
			decimals: 2,
			want:     "0.00",
		},
		{
			name:     "small negative keeps sign",
			value:    -0.25,
			decimals: 2,
			want:     "-0.25",
		},
		{
			name:     "density style two decimals",
			value:    1.37,
			decimals: 2,
			want:     "1.37",
		},
		{
			name:     "fraction rounds into widened field",
			value:    1.999,
			decimals: 2,
			want:     "1.100",
		},
		{
			name:     "single decimal",
			value:    2.44,
			decimals: 1,
			want:     "2.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FloatToString(tt.value, tt.decimals))
		})
	}
}
