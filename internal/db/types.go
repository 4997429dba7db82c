package db

import (
	"context"
	"time"

	"github.com/matthewgaim/homebot/internal/settings"
)

type JoinedServer struct {
	DiscordServerID string    `json:"discord_server_id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	JoinedAt        time.Time `json:"joined_at"`
}

type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	Action    string    `json:"action"`
	Module    string    `json:"module,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is everything the bot and the admin API persist.
type Store interface {
	AddGuild(ctx context.Context, guildID, ownerID, name string) error
	RemoveGuild(ctx context.Context, guildID string) error
	ListGuilds(ctx context.Context) ([]JoinedServer, error)

	// ModuleEnabled reports the stored flag; found is false when the guild
	// never toggled the module and the module default applies.
	ModuleEnabled(ctx context.Context, guildID, module string) (enabled, found bool, err error)
	SetModuleEnabled(ctx context.Context, guildID, module string, enabled bool) error

	ModuleSettings(ctx context.Context, guildID, module string) (settings.Values, error)
	SaveModuleSettings(ctx context.Context, guildID, module string, values settings.Values) error

	AddAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close()
}
