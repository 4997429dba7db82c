package api

import (
	"time"

	"github.com/matthewgaim/homebot/internal/safety"
	"github.com/matthewgaim/homebot/internal/settings"
)

type DiscordTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type DiscordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	GlobalName    string `json:"global_name"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// Session is a logged in console user.
type Session struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"created_at"`
}

type GuildRequest struct {
	GuildID string `json:"guild_id" binding:"required"`
}

type UpdateSettingsRequest struct {
	GuildID string          `json:"guild_id" binding:"required"`
	Values  settings.Values `json:"values" binding:"required"`
}

type RollbackRequest struct {
	// Backup defaults to the newest one.
	Backup string `json:"backup"`
}

type StatusResponse struct {
	Version      string          `json:"version"`
	Connected    bool            `json:"connected"`
	Uptime       string          `json:"uptime"`
	UptimeSecs   int64           `json:"uptime_seconds"`
	Guilds       int             `json:"guilds"`
	Modules      int             `json:"modules"`
	Safety       safety.State    `json:"safety"`
	LatestBackup *safety.Backup  `json:"latest_backup"`
	Update       UpdateAvailable `json:"update"`
	LogViewers   int             `json:"log_viewers"`
}

type UpdateAvailable struct {
	Configured bool `json:"configured"`
	Pending    bool `json:"pending"`
}
