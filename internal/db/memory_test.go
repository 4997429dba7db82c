package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewgaim/homebot/internal/settings"
)

func TestMemoryStore_Guilds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	require.NoError(t, s.AddGuild(ctx, "g2", "owner", "Second"))
	require.NoError(t, s.AddGuild(ctx, "g1", "owner", "First"))
	require.NoError(t, s.AddGuild(ctx, "g2", "new-owner", "Second renamed"))

	guilds, err := s.ListGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 2)
	assert.Equal(t, "g2", guilds[0].DiscordServerID)
	assert.Equal(t, "new-owner", guilds[0].OwnerID)
	assert.Equal(t, "Second renamed", guilds[0].Name)
	assert.Equal(t, "g1", guilds[1].DiscordServerID)
}

func TestMemoryStore_RemoveGuildDropsModuleData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddGuild(ctx, "g1", "owner", "Guild"))
	require.NoError(t, s.SetModuleEnabled(ctx, "g1", "welcome", true))
	require.NoError(t, s.SaveModuleSettings(ctx, "g1", "welcome", settings.Values{"dm": true}))
	require.NoError(t, s.SetModuleEnabled(ctx, "g2", "welcome", true))

	require.NoError(t, s.RemoveGuild(ctx, "g1"))

	_, found, err := s.ModuleEnabled(ctx, "g1", "welcome")
	require.NoError(t, err)
	assert.False(t, found)

	values, err := s.ModuleSettings(ctx, "g1", "welcome")
	require.NoError(t, err)
	assert.Empty(t, values)

	enabled, found, err := s.ModuleEnabled(ctx, "g2", "welcome")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, enabled)
}

func TestMemoryStore_SettingsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	in := settings.Values{"message": "hi"}
	require.NoError(t, s.SaveModuleSettings(ctx, "g1", "welcome", in))
	in["message"] = "changed"

	out, err := s.ModuleSettings(ctx, "g1", "welcome")
	require.NoError(t, err)
	assert.Equal(t, "hi", out.String("message"))
}

func TestMemoryStore_Audit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, action := range []string{"module.enable", "settings.update", "backup.create"} {
		require.NoError(t, s.AddAudit(ctx, AuditEntry{UserID: "u1", Action: action}))
	}

	entries, err := s.ListAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "backup.create", entries[0].Action)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.Equal(t, "settings.update", entries[1].Action)
}
