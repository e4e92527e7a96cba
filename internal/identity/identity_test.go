package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monorkin/equipment-inventory/internal/config"
)

func TestEnsureGeneratesAndPersistsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	_, settings := config.LoadOrInitializeSettings(path)
	first, err := Ensure(settings)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ID, PREFIX))
	assert.False(t, first.CreatedAt.IsZero())

	_, err = os.Stat(path)
	require.NoError(t, err)

	created, reloaded := config.LoadOrInitializeSettings(path)
	require.False(t, created)

	second, err := Ensure(reloaded)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func TestEnsureReportsSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, settings := config.LoadOrInitializeSettings(filepath.Join(blocker, "settings.json"))

	_, err := Ensure(settings)
	assert.Error(t, err)
	assert.Empty(t, settings.DeviceID)
}

func TestGenerateIsUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{})

	for i := 0; i < 100; i++ {
		id := Generate(now).ID
		_, dup := seen[id]
		require.False(t, dup, id)
		seen[id] = struct{}{}
	}
}
