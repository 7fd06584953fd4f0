package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/testutil"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}
	return dir
}

func TestMigratorPlan_SortedAndPaired(t *testing.T) {
	dir := writeFiles(t,
		"000002_snapshots.up.sql",
		"000002_snapshots.down.sql",
		"000001_command_log.up.sql",
		"000001_command_log.down.sql",
		"README.md",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000009_dir.up.sql"), 0o700))

	plan, err := NewMigrator(nil, dir, zerolog.Nop()).plan()
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, migration{
		version: "000001",
		name:    "command_log",
		up:      "000001_command_log.up.sql",
		down:    "000001_command_log.down.sql",
	}, plan[0])
	assert.Equal(t, "000002", plan[1].version)
}

func TestMigratorPlan_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name  string
		files []string
	}{
		{"missing down", []string{"000001_a.up.sql"}},
		{"missing up", []string{"000001_a.down.sql"}},
		{"no version", []string{"schema.up.sql", "schema.down.sql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMigrator(nil, writeFiles(t, tt.files...), zerolog.Nop()).plan()
			assert.Error(t, err)
		})
	}
}

func TestRepositoryMigrationsArePaired(t *testing.T) {
	plan, err := NewMigrator(nil, filepath.Join("..", "..", "migrations"), zerolog.Nop()).plan()
	require.NoError(t, err)
	assert.NotEmpty(t, plan)
}

func TestMigrator_UpDownStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := NewMigrator(db, "../../migrations", testutil.Logger())

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx), "second run is a no-op")
	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Filename)
	}

	require.NoError(t, m.Down(ctx))
	statuses, err = m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, statuses[len(statuses)-1].Applied)
	require.NoError(t, m.Up(ctx))
}
