package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkonigsberg/printalyzer-densitometer/pkg/tsl2591"
)

func TestReadingSaturated(t *testing.T) {
	tests := []struct {
		name string
		r    Reading
		want bool
	}{
		{
			name: "100ms at analog ceiling",
			r:    Reading{Ch0: 36863, Time: tsl2591.Time100ms},
			want: true,
		},
		{
			name: "100ms one below analog ceiling",
			r:    Reading{Ch0: 36862, Time: tsl2591.Time100ms},
			want: false,
		},
		{
			name: "200ms at digital ceiling",
			r:    Reading{Ch0: 65535, Time: tsl2591.Time200ms},
			want: true,
		},
		{
			name: "200ms one below digital ceiling",
			r:    Reading{Ch0: 65534, Time: tsl2591.Time200ms},
			want: false,
		},
		{
			name: "ch1 alone saturates",
			r:    Reading{Ch0: 100, Ch1: 36863, Time: tsl2591.Time100ms},
			want: true,
		},
		{
			name: "100ms above analog but below digital ceiling",
			r:    Reading{Ch0: 40000, Time: tsl2591.Time100ms},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Saturated())
		})
	}
}

func TestLightSourceString(t *testing.T) {
	assert.Equal(t, "off", LightOff.String())
	assert.Equal(t, "reflection", LightReflection.String())
	assert.Equal(t, "transmission", LightTransmission.String())
}
