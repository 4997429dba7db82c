// Package bot connects the module system to a live Discord session.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/config"
	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/guilds"
	"github.com/matthewgaim/homebot/internal/handlers"
	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/safety"
)

// Version is set at build time with -ldflags "-X .../internal/bot.Version=...".
var Version = "dev"

const intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsGuildMessages

type Bot struct {
	cfg     *config.Config
	log     *zap.Logger
	store   db.Store
	manager *modules.Manager
	router  *handlers.Router
	guard   *safety.Guard
	session *discordgo.Session

	started   atomic.Int64
	connected atomic.Bool
}

func New(cfg *config.Config, log *zap.Logger, store db.Store, registry *modules.Registry, guard *safety.Guard) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = intents

	b := &Bot{
		cfg:     cfg,
		log:     log,
		store:   store,
		manager: modules.NewManager(registry, store, log.Named("modules")),
		guard:   guard,
		session: dg,
	}
	b.router = handlers.NewRouter(b.manager, store, b, cfg.IsAdmin, log.Named("router"))

	dg.AddHandler(b.router.InteractionHandler())
	dg.AddHandler(b.router.BotReadyRegisterCommandsHandler(b))
	dg.AddHandler(b.router.BotAddedToServerHandler(b))
	dg.AddHandler(b.router.BotRemovedFromServerHandler())
	dg.AddHandler(b.router.MemberJoinHandler())
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) { b.connected.Store(true) })
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) { b.connected.Store(true) })
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.connected.Store(false)
		b.log.Warn("Disconnected from Discord")
	})
	return b, nil
}

func (b *Bot) Manager() *modules.Manager { return b.manager }

// Run connects and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	if b.session.State.User == nil {
		b.session.Close()
		return errors.New("bot user is not initialized")
	}
	b.started.Store(time.Now().UnixNano())
	b.log.Info("Bot running", zap.String("version", Version), zap.String("user", b.session.State.User.Username))

	if b.guard != nil {
		go func() {
			if err := b.guard.MarkHealthyAfter(ctx, b.cfg.StableAfter, b.Connected); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error("Could not mark boot healthy", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	b.log.Info("Shutting down bot")

	if b.cfg.ClearCommandsOnExit {
		for _, guildID := range b.guildIDs() {
			if err := guilds.DeleteCommandsForGuild(b.session, b.appID(), guildID, b.log); err != nil {
				b.log.Warn("Clearing commands failed", zap.String("guild_id", guildID), zap.Error(err))
			}
		}
	}
	b.connected.Store(false)
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord connection: %w", err)
	}
	return nil
}

func (b *Bot) appID() string {
	if b.session.State.User == nil {
		return ""
	}
	return b.session.State.User.ID
}

// SyncGuildCommands registers exactly the commands of the guild's enabled modules.
func (b *Bot) SyncGuildCommands(ctx context.Context, guildID string) error {
	appID := b.appID()
	if appID == "" {
		return errors.New("not connected to discord")
	}
	cmds, err := b.manager.EnabledCommands(ctx, guildID)
	if err != nil {
		return err
	}
	return guilds.RegisterCommandsForGuild(b.session, appID, guildID, cmds, b.log)
}

func (b *Bot) Version() string { return Version }

func (b *Bot) Uptime() time.Duration {
	started := b.started.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

func (b *Bot) Connected() bool { return b.connected.Load() }

func (b *Bot) guildIDs() []string {
	b.session.State.RLock()
	defer b.session.State.RUnlock()
	ids := make([]string, 0, len(b.session.State.Guilds))
	for _, g := range b.session.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

func (b *Bot) GuildCount() int {
	b.session.State.RLock()
	defer b.session.State.RUnlock()
	return len(b.session.State.Guilds)
}
