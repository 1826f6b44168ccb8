package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissingColumns(t *testing.T) {
	want := requiredColumns["gps_fixes"]
	have := map[string]bool{}
	for _, c := range want {
		have[c] = true
	}
	assert.Empty(t, missingColumns(have, want))

	// a fixes table from before movement/source were tracked
	have["movement"], have["source"] = false, false
	assert.Equal(t, []string{"movement", "source"}, missingColumns(have, want))
}

func TestRequiredColumnsCoverEveryTable(t *testing.T) {
	for _, table := range []string{"routes", "route_stops", "trips", "trip_stop_arrivals", "gps_fixes"} {
		assert.NotEmpty(t, requiredColumns[table], table)
	}
}
