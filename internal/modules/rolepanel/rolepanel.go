// Package rolepanel posts a message with one button per self-assignable role.
package rolepanel

import (
	_ "embed"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/settings"
)

const (
	Name = "rolepanel"

	buttonsPerRow = 5
)

//go:embed settings.yaml
var schemaYAML []byte

var togglePrefix = modules.CustomID(Name, "toggle")

func New() *modules.Module {
	perm := int64(discordgo.PermissionManageRoles)
	return &modules.Module{
		Name:        Name,
		Description: "Buttons that let members pick their own roles",
		Schema:      settings.MustParseSchema(schemaYAML),
		Commands: []*modules.Command{
			{
				Definition: &discordgo.ApplicationCommand{
					Name:                     "rolepanel",
					Description:              "Post the role selection panel in this channel",
					DefaultMemberPermissions: &perm,
				},
				Handler:   postPanel,
				AdminOnly: true,
			},
		},
		Components: []*modules.Component{
			{Prefix: togglePrefix, Handler: toggleRole},
		},
	}
}

type roleButton struct {
	ID   string
	Name string
}

// BuildComponents lays out one button per role, five to a row.
func BuildComponents(roles []roleButton, style discordgo.ButtonStyle) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for start := 0; start < len(roles); start += buttonsPerRow {
		end := min(start+buttonsPerRow, len(roles))
		var buttons []discordgo.MessageComponent
		for _, r := range roles[start:end] {
			buttons = append(buttons, discordgo.Button{
				Label:    r.Name,
				Style:    style,
				CustomID: modules.CustomID(Name, "toggle", r.ID),
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}
	return rows
}

func ButtonStyle(name string) discordgo.ButtonStyle {
	switch name {
	case "secondary":
		return discordgo.SecondaryButton
	case "success":
		return discordgo.SuccessButton
	}
	return discordgo.PrimaryButton
}

func postPanel(c *modules.Context, i *discordgo.InteractionCreate) error {
	roleIDs := c.Settings.Strings("roles")
	if len(roleIDs) == 0 {
		return c.ReplyEphemeral(i, "No roles are configured yet. Add some in the admin console first.")
	}

	names := roleNames(c.Session, c.GuildID)
	var buttons []roleButton
	for _, id := range roleIDs {
		name, ok := names[id]
		if !ok {
			c.Log.Warn("Configured role no longer exists", zap.String("guild_id", c.GuildID), zap.String("role_id", id))
			continue
		}
		buttons = append(buttons, roleButton{ID: id, Name: name})
	}
	if len(buttons) == 0 {
		return c.ReplyEphemeral(i, "None of the configured roles exist anymore.")
	}

	_, err := c.Session.ChannelMessageSendComplex(i.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       c.Settings.String("title"),
			Description: "Click a button to add or remove the role.",
			Color:       0x57F287,
		}},
		Components: BuildComponents(buttons, ButtonStyle(c.Settings.String("style"))),
	})
	if err != nil {
		return fmt.Errorf("post panel: %w", err)
	}
	return c.ReplyEphemeral(i, "✅ Panel posted.")
}

func roleNames(s *discordgo.Session, guildID string) map[string]string {
	var roles []*discordgo.Role
	if g, err := s.State.Guild(guildID); err == nil && len(g.Roles) > 0 {
		roles = g.Roles
	} else if fetched, err := s.GuildRoles(guildID); err == nil {
		roles = fetched
	}
	names := make(map[string]string, len(roles))
	for _, r := range roles {
		names[r.ID] = r.Name
	}
	return names
}

func toggleRole(c *modules.Context, i *discordgo.InteractionCreate) error {
	parts := modules.SplitCustomID(i.MessageComponentData().CustomID, togglePrefix)
	if len(parts) != 1 {
		return c.ReplyEphemeral(i, "This button is broken.")
	}
	roleID := parts[0]

	// panels outlive settings changes, only honour roles still configured
	if !slices.Contains(c.Settings.Strings("roles"), roleID) {
		return c.ReplyEphemeral(i, "That role is no longer self-assignable.")
	}
	if i.Member == nil {
		return c.ReplyEphemeral(i, "This only works inside a server.")
	}

	if slices.Contains(i.Member.Roles, roleID) {
		if err := c.Session.GuildMemberRoleRemove(c.GuildID, c.UserID, roleID); err != nil {
			return fmt.Errorf("remove role %s: %w", roleID, err)
		}
		return c.ReplyEphemeral(i, fmt.Sprintf("Removed <@&%s>.", roleID))
	}
	if err := c.Session.GuildMemberRoleAdd(c.GuildID, c.UserID, roleID); err != nil {
		return fmt.Errorf("add role %s: %w", roleID, err)
	}
	return c.ReplyEphemeral(i, fmt.Sprintf("Added <@&%s>.", roleID))
}
