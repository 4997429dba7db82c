// Package welcome greets members when they join a guild.
package welcome

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/settings"
)

const Name = "welcome"

//go:embed settings.yaml
var schemaYAML []byte

var editModalID = modules.CustomID(Name, "edit")

func New() *modules.Module {
	perm := int64(discordgo.PermissionManageGuild)
	return &modules.Module{
		Name:        Name,
		Description: "Greets new members in a channel or by DM",
		Schema:      settings.MustParseSchema(schemaYAML),
		Commands: []*modules.Command{
			{
				Definition: &discordgo.ApplicationCommand{
					Name:                     "welcome",
					Description:              "Configure the welcome message",
					DefaultMemberPermissions: &perm,
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "preview",
							Description: "Show the welcome message as you would receive it",
						},
						{
							Type:        discordgo.ApplicationCommandOptionSubCommand,
							Name:        "edit",
							Description: "Change the welcome message",
						},
					},
				},
				Handler:   welcomeCommand,
				AdminOnly: true,
			},
		},
		Modals: []*modules.Component{
			{Prefix: editModalID, Handler: editSubmitted, AdminOnly: true},
		},
		OnMemberJoin: memberJoined,
	}
}

// Render fills the placeholders of a welcome template.
func Render(template string, user *discordgo.User, serverName string, memberCount int) string {
	r := strings.NewReplacer(
		"{user}", user.Mention(),
		"{username}", displayName(user),
		"{server}", serverName,
		"{member_count}", strconv.Itoa(memberCount),
	)
	return r.Replace(template)
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func memberJoined(c *modules.Context, m *discordgo.GuildMemberAdd) error {
	if m.User == nil || m.User.Bot {
		return nil
	}
	channelID := c.Settings.String("channel_id")
	dm := c.Settings.Bool("dm")
	if channelID == "" && !dm {
		return nil
	}

	name, count := guildInfo(c.Session, c.GuildID)
	text := Render(c.Settings.String("message"), m.User, name, count)

	if channelID != "" {
		if err := c.SendLong(channelID, text); err != nil {
			return fmt.Errorf("post welcome in %s: %w", channelID, err)
		}
	}
	if dm {
		ch, err := c.Session.UserChannelCreate(m.User.ID)
		if err != nil {
			// members may have DMs closed
			c.Log.Info("Could not open DM", zap.String("user_id", m.User.ID), zap.Error(err))
			return nil
		}
		if err := c.SendLong(ch.ID, text); err != nil {
			c.Log.Info("Could not send welcome DM", zap.String("user_id", m.User.ID), zap.Error(err))
		}
	}
	c.Log.Debug("Welcomed member", zap.String("guild_id", c.GuildID), zap.String("user_id", m.User.ID))
	return nil
}

func guildInfo(s *discordgo.Session, guildID string) (string, int) {
	if g, err := s.State.Guild(guildID); err == nil {
		return g.Name, g.MemberCount
	}
	g, err := s.GuildWithCounts(guildID)
	if err != nil {
		return "the server", 0
	}
	return g.Name, g.ApproximateMemberCount
}

func welcomeCommand(c *modules.Context, i *discordgo.InteractionCreate) error {
	options := i.ApplicationCommandData().Options
	if len(options) == 0 {
		return c.ReplyEphemeral(i, "Pick a subcommand.")
	}

	switch options[0].Name {
	case "preview":
		user := modules.InteractionUser(i.Interaction)
		name, count := guildInfo(c.Session, c.GuildID)
		text := Render(c.Settings.String("message"), user, name, count)
		where := "No welcome channel is set."
		if ch := c.Settings.String("channel_id"); ch != "" {
			where = fmt.Sprintf("Posted in <#%s>.", ch)
		}
		if c.Settings.Bool("dm") {
			where += " Also sent by DM."
		}
		return c.ReplyEphemeral(i, fmt.Sprintf("%s\n\n-# %s", text, where))

	case "edit":
		return c.Session.InteractionRespond(i.Interaction, EditModal(c.Settings.String("message")))
	}
	return c.ReplyEphemeral(i, "Unknown subcommand.")
}

func EditModal(current string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: editModalID,
			Title:    "Welcome message",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    "message",
							Label:       "Message ({user}, {server}, {member_count})",
							Style:       discordgo.TextInputParagraph,
							Value:       current,
							Required:    true,
							MinLength:   1,
							MaxLength:   1500,
							Placeholder: "Welcome {user} to {server}!",
						},
					},
				},
			},
		},
	}
}

func editSubmitted(c *modules.Context, i *discordgo.InteractionCreate) error {
	message, ok := ModalValue(i.ModalSubmitData(), "message")
	if !ok {
		return c.ReplyEphemeral(i, "The form came back empty.")
	}

	_, err := c.Manager.UpdateSettings(c, c.GuildID, Name, settings.Values{"message": message})
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		return c.ReplyEphemeral(i, "Not saved: "+verr.Fields["message"])
	}
	if err != nil {
		return err
	}
	return c.ReplyEphemeral(i, "✅ Welcome message saved. Use `/welcome preview` to check it.")
}

// ModalValue finds a text input by custom ID in a modal submission.
func ModalValue(data discordgo.ModalSubmitInteractionData, customID string) (string, bool) {
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			if in, ok := comp.(*discordgo.TextInput); ok && in.CustomID == customID {
				return in.Value, true
			}
		}
	}
	return "", false
}
