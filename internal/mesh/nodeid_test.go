package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, "a1b2c3", NormalizeID("A1B2C3"))
	assert.Equal(t, "deadbeef", NormalizeID("  DeadBeef  "))
	assert.Equal(t, "", NormalizeID(""))
}

func TestIsBroadcast(t *testing.T) {
	tests := []struct {
		dest string
		want bool
	}{
		{"", true},
		{"broadcast", true},
		{"BROADCAST", true},
		{BroadcastID, true},
		{"FFFFFFFF", true},
		{"a1b2c3", false},
		{"deadbeef", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBroadcast(tt.dest), "dest %q", tt.dest)
	}
}

func TestValidNodeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"a1b2c3", true},
		{"DEADBEEF", true},
		{"0", true},
		{"ffffffff", true},
		{"", false},
		{"xyz", false},
		{"not-a-node!", false},
		{"a1b2c3d4e5", false}, // too long
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidNodeID(tt.id), "id %q", tt.id)
	}
}
