package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"drone", RoleDrone, false},
		{"application", RoleApplication, false},
		{"Drone", "", true},
		{"browser", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseRole(%q)", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAlertStatusRank(t *testing.T) {
	assert.Less(t, AlertPending.Rank(), AlertResponded.Rank())
	assert.Less(t, AlertResponded.Rank(), AlertCompleted.Rank())
	assert.Equal(t, 0, AlertStatus("archived").Rank())
}

func TestLocationEncodesAsArray(t *testing.T) {
	data, err := json.Marshal(Alert{Location: Location{1, 2, 3}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{1.0, 2.0, 3.0}, decoded["location"])
}
