package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	original, originalCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = original, originalCommit })

	Version, Commit = "1.2.0", ""
	assert.Equal(t, "1.2.0", GetVersion())
	assert.Contains(t, Describe(), "equipment-inventory 1.2.0 ")
	assert.NotContains(t, Describe(), "(")

	Commit = "abc123"
	assert.Contains(t, Describe(), "equipment-inventory 1.2.0 (abc123) ")
}
