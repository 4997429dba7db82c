// Package modules is the bot's extension convention. A module is a plain value
// listing the slash commands, component and modal handlers, event hooks and
// settings schema it contributes; the registry wires them into the router.
package modules

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/settings"
)

type HandlerFunc func(c *Context, i *discordgo.InteractionCreate) error

type Module struct {
	Name        string
	Description string
	// DefaultEnabled applies to guilds that never toggled the module.
	DefaultEnabled bool
	// Locked modules are always enabled and cannot be switched off.
	Locked bool
	Schema *settings.Schema

	Commands   []*Command
	Components []*Component
	Modals     []*Component

	OnMemberJoin func(c *Context, m *discordgo.GuildMemberAdd) error
}

type Command struct {
	Definition *discordgo.ApplicationCommand
	Handler    HandlerFunc
	// AdminOnly restricts the command to the guild owner and configured admins.
	AdminOnly bool
}

// Component routes message components or modal submissions whose custom ID
// starts with Prefix. Prefixes always begin with "<module>:".
type Component struct {
	Prefix    string
	Handler   HandlerFunc
	AdminOnly bool
}

// Runtime is what modules may ask of the running bot.
type Runtime interface {
	Version() string
	Uptime() time.Duration
	SyncGuildCommands(ctx context.Context, guildID string) error
}

// Context is handed to every module handler.
type Context struct {
	context.Context

	Session  *discordgo.Session
	Module   *Module
	GuildID  string
	UserID   string
	Settings settings.Values

	Store   db.Store
	Manager *Manager
	Runtime Runtime
	Log     *zap.Logger
}
