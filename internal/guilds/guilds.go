// Package guilds keeps a guild's slash commands in line with its enabled modules.
package guilds

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// CommandAPI is the part of *discordgo.Session used here.
type CommandAPI interface {
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommands(appID, guildID string, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

// RegisterCommandsForGuild replaces the guild's commands with exactly cmds, so
// commands of disabled modules disappear.
func RegisterCommandsForGuild(s CommandAPI, appID, guildID string, cmds []*discordgo.ApplicationCommand, log *zap.Logger) error {
	if cmds == nil {
		cmds = []*discordgo.ApplicationCommand{}
	}
	registered, err := s.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
	if err != nil {
		return fmt.Errorf("overwrite commands for guild %s: %w", guildID, err)
	}
	names := make([]string, 0, len(registered))
	for _, c := range registered {
		names = append(names, c.Name)
	}
	log.Info("Registered commands", zap.String("guild_id", guildID), zap.Strings("commands", names))
	return nil
}

func DeleteCommandsForGuild(s CommandAPI, appID, guildID string, log *zap.Logger) error {
	commands, err := s.ApplicationCommands(appID, guildID)
	if err != nil {
		return fmt.Errorf("fetch commands for guild %s: %w", guildID, err)
	}

	var failed int
	for _, cmd := range commands {
		if err := s.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
			failed++
			log.Warn("Failed to delete command",
				zap.String("command", cmd.Name),
				zap.String("guild_id", guildID),
				zap.Error(err),
			)
			continue
		}
		log.Debug("Deleted command", zap.String("command", cmd.Name), zap.String("guild_id", guildID))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d commands could not be deleted from guild %s", failed, len(commands), guildID)
	}
	return nil
}
