package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, reg, trip string
		want              string
	}{
		{"bus.fixes", "WP-1234", "T1", "bus.fixes.WP-1234.T1"},
		{"bus.fixes.", "WP-1234", "trip 7", "bus.fixes.WP-1234.trip_7"},
		{"live", "", "a.b>*", "live._.a_b__"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.prefix, tt.reg, tt.trip))
	}
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "_", subjectToken("   "))
	assert.Equal(t, "route_1_north", subjectToken(" route/1 north "))
}
