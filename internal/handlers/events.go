package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/modules"
)

type CommandSyncer interface {
	SyncGuildCommands(ctx context.Context, guildID string) error
}

func (r *Router) BotReadyRegisterCommandsHandler(syncer CommandSyncer) func(s *discordgo.Session, ready *discordgo.Ready) {
	return func(s *discordgo.Session, ready *discordgo.Ready) {
		r.log.Info("Connected to Discord",
			zap.String("user", ready.User.Username),
			zap.Int("guilds", len(ready.Guilds)),
		)
		for _, g := range ready.Guilds {
			go func(guildID string) {
				ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
				defer cancel()
				if err := syncer.SyncGuildCommands(ctx, guildID); err != nil {
					r.log.Error("Registering commands failed", zap.String("guild_id", guildID), zap.Error(err))
				}
			}(g.ID)
		}
		if err := s.UpdateCustomStatus("Type /about"); err != nil {
			r.log.Debug("Could not set status", zap.Error(err))
		}
	}
}

// BotAddedToServerHandler records guilds; discord sends GuildCreate both when
// joining a guild and for every guild at startup.
func (r *Router) BotAddedToServerHandler(syncer CommandSyncer) func(s *discordgo.Session, g *discordgo.GuildCreate) {
	return func(s *discordgo.Session, g *discordgo.GuildCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if err := r.store.AddGuild(ctx, g.ID, g.OwnerID, g.Name); err != nil {
			r.log.Error("Saving guild failed", zap.String("guild_id", g.ID), zap.Error(err))
		}
		if time.Since(g.JoinedAt) < time.Minute {
			r.log.Info("Joined a new server",
				zap.String("guild_id", g.ID),
				zap.String("name", g.Name),
				zap.String("owner_id", g.OwnerID),
			)
			if err := syncer.SyncGuildCommands(ctx, g.ID); err != nil {
				r.log.Error("Registering commands failed", zap.String("guild_id", g.ID), zap.Error(err))
			}
		}
	}
}

func (r *Router) BotRemovedFromServerHandler() func(s *discordgo.Session, g *discordgo.GuildDelete) {
	return func(s *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable means an outage, not a removal
		if g.Unavailable {
			return
		}
		r.log.Info("Removed from server", zap.String("guild_id", g.ID))
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := r.store.RemoveGuild(ctx, g.ID); err != nil {
			r.log.Error("Removing guild failed", zap.String("guild_id", g.ID), zap.Error(err))
		}
	}
}

// MemberJoinHandler fans GuildMemberAdd out to the enabled modules that hook it.
func (r *Router) MemberJoinHandler() func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	return func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		for _, err := range r.memberJoined(ctx, s, m) {
			r.log.Error("Member join hook failed", zap.String("guild_id", m.GuildID), zap.Error(err))
		}
	}
}

func (r *Router) memberJoined(ctx context.Context, s *discordgo.Session, m *discordgo.GuildMemberAdd) []error {
	var errs []error
	for _, mod := range r.manager.Registry().Modules() {
		if mod.OnMemberJoin == nil {
			continue
		}
		enabled, err := r.manager.IsEnabled(ctx, m.GuildID, mod.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !enabled {
			continue
		}
		values, err := r.manager.Settings(ctx, m.GuildID, mod.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mod.Name, err))
			continue
		}
		c := &modules.Context{
			Context:  ctx,
			Session:  s,
			Module:   mod,
			GuildID:  m.GuildID,
			Settings: values,
			Store:    r.store,
			Manager:  r.manager,
			Runtime:  r.runtime,
			Log:      r.log.Named(mod.Name),
		}
		if m.User != nil {
			c.UserID = m.User.ID
		}
		if err := r.runHook(mod, func() error { return mod.OnMemberJoin(c, m) }); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mod.Name, err))
		}
	}
	return errs
}

func (r *Router) runHook(mod *modules.Module, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Module hook panicked",
				zap.String("module", mod.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
