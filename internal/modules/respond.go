package modules

import (
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// MessageLimit is Discord's maximum message length in characters.
const MessageLimit = 2000

func (c *Context) Reply(i *discordgo.InteractionCreate, content string) error {
	return c.Session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	})
}

func (c *Context) ReplyEphemeral(i *discordgo.InteractionCreate, content string) error {
	return Ephemeral(c.Session, i.Interaction, content)
}

func (c *Context) ReplyEmbed(i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) error {
	return c.Session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
}

// SendLong posts content to a channel, split into as many messages as needed.
func (c *Context) SendLong(channelID, content string) error {
	for _, part := range SplitMessage(content, MessageLimit) {
		if _, err := c.Session.ChannelMessageSend(channelID, part); err != nil {
			return err
		}
	}
	return nil
}

func Ephemeral(s *discordgo.Session, i *discordgo.Interaction, content string) error {
	return s.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// SplitMessage cuts content into chunks of at most limit runes, preferring
// to break after a newline.
func SplitMessage(content string, limit int) []string {
	if utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}
	var parts []string
	runes := []rune(content)
	for len(runes) > limit {
		cut := limit
		if nl := strings.LastIndex(string(runes[:limit]), "\n"); nl > 0 {
			cut = utf8.RuneCountInString(string(runes[:limit])[:nl]) + 1
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// InteractionUser is the member or DM user behind an interaction.
func InteractionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
