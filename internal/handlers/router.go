package handlers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/modules"
)

const handlerTimeout = 30 * time.Second

var (
	errNoRoute      = errors.New("no module handles this interaction")
	errDisabled     = errors.New("module disabled")
	errNotPermitted = errors.New("not permitted")
	errGuildOnly    = errors.New("guild only")
)

// Router dispatches interactions to the module that registered them.
type Router struct {
	manager *modules.Manager
	store   db.Store
	runtime modules.Runtime
	log     *zap.Logger
	isAdmin func(userID string) bool

	// swapped in tests, the defaults talk to Discord
	reply      func(s *discordgo.Session, i *discordgo.Interaction, content string) error
	guildOwner func(s *discordgo.Session, guildID string) (string, error)
}

func NewRouter(manager *modules.Manager, store db.Store, runtime modules.Runtime, isAdmin func(string) bool, log *zap.Logger) *Router {
	return &Router{
		manager:    manager,
		store:      store,
		runtime:    runtime,
		log:        log,
		isAdmin:    isAdmin,
		reply:      modules.Ephemeral,
		guildOwner: lookupGuildOwner,
	}
}

// InteractionHandler is registered with the discord session.
func (r *Router) InteractionHandler() func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		r.Dispatch(ctx, s, i)
	}
}

// Dispatch routes one interaction and tells the user when it could not be
// handled. It returns the handling error for logging and tests.
func (r *Router) Dispatch(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	err := r.dispatch(ctx, s, i)
	if err == nil {
		return nil
	}

	var msg string
	switch {
	case errors.Is(err, errNoRoute):
		r.log.Warn("Unrouted interaction", zap.String("key", interactionKey(i)))
		msg = "This action is no longer available."
	case errors.Is(err, errDisabled):
		msg = "This module is disabled on this server."
	case errors.Is(err, errNotPermitted):
		msg = "Only the server owner or a bot admin can use this."
	case errors.Is(err, errGuildOnly):
		msg = "This only works inside a server."
	default:
		r.log.Error("Interaction handler failed",
			zap.String("key", interactionKey(i)),
			zap.String("guild_id", i.GuildID),
			zap.Error(err),
		)
		msg = "Something went wrong. Try again later."
	}
	if replyErr := r.reply(s, i.Interaction, msg); replyErr != nil {
		r.log.Debug("Could not send error reply", zap.Error(replyErr))
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) (err error) {
	mod, handler, adminOnly, err := r.route(i)
	if err != nil {
		return err
	}
	if i.GuildID == "" {
		return errGuildOnly
	}

	enabled, err := r.manager.IsEnabled(ctx, i.GuildID, mod.Name)
	if err != nil {
		return fmt.Errorf("module state: %w", err)
	}
	if !enabled {
		return errDisabled
	}

	user := modules.InteractionUser(i.Interaction)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	if adminOnly {
		ok, err := r.permitted(s, i.GuildID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return errNotPermitted
		}
	}

	values, err := r.manager.Settings(ctx, i.GuildID, mod.Name)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	c := &modules.Context{
		Context:  ctx,
		Session:  s,
		Module:   mod,
		GuildID:  i.GuildID,
		UserID:   userID,
		Settings: values,
		Store:    r.store,
		Manager:  r.manager,
		Runtime:  r.runtime,
		Log:      r.log.Named(mod.Name),
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Module handler panicked",
				zap.String("module", mod.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("module %s panicked: %v", mod.Name, p)
		}
	}()
	return handler(c, i)
}

func (r *Router) route(i *discordgo.InteractionCreate) (*modules.Module, modules.HandlerFunc, bool, error) {
	reg := r.manager.Registry()
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		if mod, cmd, ok := reg.ResolveCommand(i.ApplicationCommandData().Name); ok {
			return mod, cmd.Handler, cmd.AdminOnly, nil
		}
	case discordgo.InteractionMessageComponent:
		if mod, c, ok := reg.ResolveComponent(i.MessageComponentData().CustomID); ok {
			return mod, c.Handler, c.AdminOnly, nil
		}
	case discordgo.InteractionModalSubmit:
		if mod, c, ok := reg.ResolveModal(i.ModalSubmitData().CustomID); ok {
			return mod, c.Handler, c.AdminOnly, nil
		}
	}
	return nil, nil, false, errNoRoute
}

func (r *Router) permitted(s *discordgo.Session, guildID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if r.isAdmin != nil && r.isAdmin(userID) {
		return true, nil
	}
	ownerID, err := r.guildOwner(s, guildID)
	if err != nil {
		return false, fmt.Errorf("look up guild owner: %w", err)
	}
	return ownerID == userID, nil
}

func lookupGuildOwner(s *discordgo.Session, guildID string) (string, error) {
	if g, err := s.State.Guild(guildID); err == nil {
		return g.OwnerID, nil
	}
	g, err := s.Guild(guildID)
	if err != nil {
		return "", err
	}
	return g.OwnerID, nil
}

func interactionKey(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return "/" + i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		return i.ModalSubmitData().CustomID
	}
	return i.Type.String()
}
