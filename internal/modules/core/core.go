// Package core holds the commands every guild gets: liveness, bot info, and
// module management from inside Discord.
package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules"
)

const Name = "core"

func New() *modules.Module {
	return &modules.Module{
		Name:        Name,
		Description: "Ping, bot information and module management",
		Locked:      true,
		Commands: []*modules.Command{
			{
				Definition: &discordgo.ApplicationCommand{
					Name:        "ping",
					Description: "Replies with pong!",
				},
				Handler: pingCommand,
			},
			{
				Definition: &discordgo.ApplicationCommand{
					Name:        "about",
					Description: "Version, uptime and enabled modules",
				},
				Handler: aboutCommand,
			},
			{
				Definition: modulesDefinition(),
				Handler:    modulesCommand,
				AdminOnly:  true,
			},
		},
	}
}

func modulesDefinition() *discordgo.ApplicationCommand {
	nameOption := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: "Module name",
			Required:    true,
		},
	}
	perm := int64(discordgo.PermissionManageGuild)
	return &discordgo.ApplicationCommand{
		Name:                     "modules",
		Description:              "List, enable or disable bot modules",
		DefaultMemberPermissions: &perm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "Show all modules and whether they are on",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "enable",
				Description: "Turn a module on",
				Options:     nameOption,
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "disable",
				Description: "Turn a module off",
				Options:     nameOption,
			},
		},
	}
}

func pingCommand(c *modules.Context, i *discordgo.InteractionCreate) error {
	return c.Reply(i, "Pong!")
}

func aboutCommand(c *modules.Context, i *discordgo.InteractionCreate) error {
	status, err := c.Manager.Status(c, c.GuildID)
	if err != nil {
		return err
	}
	var enabled []string
	for _, st := range status {
		if st.Enabled {
			enabled = append(enabled, "`"+st.Name+"`")
		}
	}

	version, uptime := "unknown", time.Duration(0)
	if c.Runtime != nil {
		version = c.Runtime.Version()
		uptime = c.Runtime.Uptime()
	}

	embed := &discordgo.MessageEmbed{
		Title: "homebot",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Version", Value: version, Inline: true},
			{Name: "Uptime", Value: FormatUptime(uptime), Inline: true},
			{Name: "Enabled modules", Value: strings.Join(enabled, ", ")},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	return c.ReplyEmbed(i, embed)
}

func modulesCommand(c *modules.Context, i *discordgo.InteractionCreate) error {
	options := i.ApplicationCommandData().Options
	if len(options) == 0 {
		return c.ReplyEphemeral(i, "Pick a subcommand.")
	}
	sub := options[0]

	switch sub.Name {
	case "list":
		status, err := c.Manager.Status(c, c.GuildID)
		if err != nil {
			return err
		}
		return c.ReplyEphemeral(i, FormatModuleList(status))

	case "enable", "disable":
		if len(sub.Options) == 0 {
			return c.ReplyEphemeral(i, "Which module?")
		}
		name := strings.ToLower(strings.TrimSpace(sub.Options[0].StringValue()))
		enable := sub.Name == "enable"

		err := c.Manager.SetEnabled(c, c.GuildID, name, enable)
		switch {
		case errors.Is(err, modules.ErrUnknownModule):
			return c.ReplyEphemeral(i, fmt.Sprintf("There is no module called `%s`.", name))
		case errors.Is(err, modules.ErrLocked):
			return c.ReplyEphemeral(i, fmt.Sprintf("`%s` cannot be disabled.", name))
		case err != nil:
			return err
		}

		if err := c.Store.AddAudit(c, auditEntry(c, name, enable)); err != nil {
			c.Log.Warn("Audit entry failed", zap.Error(err))
		}
		if c.Runtime != nil {
			if err := c.Runtime.SyncGuildCommands(c, c.GuildID); err != nil {
				c.Log.Error("Command sync failed", zap.String("guild_id", c.GuildID), zap.Error(err))
			}
		}
		state := "disabled"
		if enable {
			state = "enabled"
		}
		return c.ReplyEphemeral(i, fmt.Sprintf("✅ `%s` is now %s.", name, state))
	}
	return c.ReplyEphemeral(i, "Unknown subcommand.")
}

func FormatModuleList(status []modules.ModuleStatus) string {
	var b strings.Builder
	for _, st := range status {
		mark := "🔴"
		if st.Enabled {
			mark = "🟢"
		}
		fmt.Fprintf(&b, "%s **%s**", mark, st.Name)
		if st.Locked {
			b.WriteString(" (always on)")
		}
		if st.Description != "" {
			fmt.Fprintf(&b, " - %s", st.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}
