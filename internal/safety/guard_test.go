package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGuard(t *testing.T, f *fixture, maxCrashes int) *Guard {
	t.Helper()
	return NewGuard(f.data, maxCrashes, f.backups, zap.NewNop())
}

func boot(t *testing.T, g *Guard, n int) Decision {
	t.Helper()
	var d Decision
	for i := 0; i < n; i++ {
		var err error
		d, err = g.BeginBoot("v1")
		require.NoError(t, err)
	}
	return d
}

func TestBeginBoot_CountsUntilLimit(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 2)
	_, err := f.backups.Create("v1")
	require.NoError(t, err)

	d := boot(t, g, 2)
	assert.False(t, d.Rollback)
	assert.Equal(t, 2, d.Crashes)

	d = boot(t, g, 1)
	assert.True(t, d.Rollback)
	assert.Equal(t, 3, d.Crashes)
	assert.NotEmpty(t, d.Target)

	st, err := g.State()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Boots)
	assert.Equal(t, "v1", st.Version)
	assert.NotNil(t, st.LastBoot)
}

func TestBeginBoot_NoBackupMeansContinue(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 1)

	d := boot(t, g, 5)
	assert.False(t, d.Rollback)
	assert.Equal(t, 5, d.Crashes)
}

func TestBeginBoot_PrefersPendingUpdateBackup(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 1)

	before, err := f.backups.Create("v1")
	require.NoError(t, err)
	_, err = f.backups.Create("v1-manual")
	require.NoError(t, err)
	require.NoError(t, g.RecordPendingUpdate("v1", before.Name))

	d := boot(t, g, 2)
	require.True(t, d.Rollback)
	assert.Equal(t, before.Name, d.Target)
}

func TestMarkHealthy_ResetsAndConfirmsUpdate(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 3)
	boot(t, g, 2)
	require.NoError(t, g.RecordPendingUpdate("v1", "whatever"))

	require.NoError(t, g.MarkHealthy())

	st, err := g.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveCrashes)
	assert.Nil(t, st.PendingUpdate)
	assert.NotNil(t, st.LastHealthy)
}

func TestMarkCleanExit_IsNotACrash(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 1)
	_, err := f.backups.Create("v1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		d := boot(t, g, 1)
		require.False(t, d.Rollback)
		require.NoError(t, g.MarkCleanExit())
	}

	st, err := g.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveCrashes)
	assert.NotNil(t, st.LastCleanExit)
}

func TestCheck_RollsBack(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 2)
	b, err := f.backups.Create("v1")
	require.NoError(t, err)

	writeFile(t, filepath.Join(f.app, "bot"), "broken", 0o755)
	boot(t, g, 2)

	d, err := g.Check(context.Background(), "v2")
	assert.ErrorIs(t, err, ErrRestartRequired)
	assert.True(t, d.Rollback)
	assert.Equal(t, "v1", readFile(t, filepath.Join(f.app, "bot")))

	st, err := g.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveCrashes)
	require.NotNil(t, st.LastRollback)
	assert.Equal(t, b.Name, st.LastRollback.Backup)
	assert.Contains(t, st.LastRollback.Reason, "2 consecutive boots")
}

func TestCheck_HealthyPath(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 3)

	d, err := g.Check(context.Background(), "v1")
	require.NoError(t, err)
	assert.False(t, d.Rollback)
	assert.Equal(t, 1, d.Crashes)
}

func TestMarkHealthyAfter(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 3)
	boot(t, g, 1)

	require.NoError(t, g.MarkHealthyAfter(context.Background(), 10*time.Millisecond, func() bool { return true }))
	st, err := g.State()
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveCrashes)
}

func TestMarkHealthyAfter_NeverReady(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 3)
	boot(t, g, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.MarkHealthyAfter(ctx, time.Millisecond, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := g.State()
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveCrashes)
}

func TestBeginBoot_CorruptStateIsSetAside(t *testing.T) {
	f := newFixture(t, 5)
	g := newGuard(t, f, 1)
	_, err := f.backups.Create("v1")
	require.NoError(t, err)
	path := filepath.Join(f.data, stateFileName)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	d, err := g.BeginBoot("v1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Crashes)
	assert.False(t, d.Rollback)

	aside, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, aside, 1)
	assert.Equal(t, "{", readFile(t, aside[0]))

	// counting continues from the fresh state, so rollback still happens
	d = boot(t, g, 1)
	assert.True(t, d.Rollback)
	assert.Equal(t, 2, d.Crashes)
}
