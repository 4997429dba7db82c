package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/settings"
)

type routerFixture struct {
	router  *Router
	store   *db.MemoryStore
	manager *modules.Manager
	replies []string
	calls   []string
	lastCtx *modules.Context
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{}

	record := func(name string) modules.HandlerFunc {
		return func(c *modules.Context, i *discordgo.InteractionCreate) error {
			f.calls = append(f.calls, name)
			f.lastCtx = c
			return nil
		}
	}

	schema := settings.MustParseSchema([]byte("fields:\n  - {key: greeting, type: string, label: Greeting, default: hi}"))
	reg := modules.NewRegistry()
	reg.MustRegister(
		&modules.Module{
			Name:   "core",
			Locked: true,
			Commands: []*modules.Command{
				{Definition: &discordgo.ApplicationCommand{Name: "ping"}, Handler: record("ping")},
				{Definition: &discordgo.ApplicationCommand{Name: "modules"}, Handler: record("modules"), AdminOnly: true},
				{Definition: &discordgo.ApplicationCommand{Name: "boom"}, Handler: func(*modules.Context, *discordgo.InteractionCreate) error {
					panic("kaboom")
				}},
				{Definition: &discordgo.ApplicationCommand{Name: "fail"}, Handler: func(*modules.Context, *discordgo.InteractionCreate) error {
					return errors.New("discord said no")
				}},
			},
		},
		&modules.Module{
			Name:       "panel",
			Schema:     schema,
			Commands:   []*modules.Command{{Definition: &discordgo.ApplicationCommand{Name: "panel"}, Handler: record("panel")}},
			Components: []*modules.Component{{Prefix: "panel:toggle", Handler: record("toggle")}},
			Modals:     []*modules.Component{{Prefix: "panel:edit", Handler: record("edit")}},
		},
	)

	f.store = db.NewMemoryStore()
	f.manager = modules.NewManager(reg, f.store, zap.NewNop())
	f.router = NewRouter(f.manager, f.store, nil, func(id string) bool { return id == "admin" }, zap.NewNop())
	f.router.reply = func(_ *discordgo.Session, _ *discordgo.Interaction, content string) error {
		f.replies = append(f.replies, content)
		return nil
	}
	f.router.guildOwner = func(_ *discordgo.Session, guildID string) (string, error) {
		return "owner", nil
	}
	return f
}

func slash(name, guildID, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: guildID,
		Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:    discordgo.ApplicationCommandInteractionData{Name: name},
	}}
}

func button(customID, guildID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		GuildID: guildID,
		Member:  &discordgo.Member{User: &discordgo.User{ID: "user"}},
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
	}}
}

func modal(customID, guildID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionModalSubmit,
		GuildID: guildID,
		Member:  &discordgo.Member{User: &discordgo.User{ID: "user"}},
		Data:    discordgo.ModalSubmitInteractionData{CustomID: customID},
	}}
}

func TestRouter_DispatchCommand(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Dispatch(ctx, nil, slash("ping", "g1", "user")))
	assert.Equal(t, []string{"ping"}, f.calls)
	assert.Empty(t, f.replies)
	assert.Equal(t, "user", f.lastCtx.UserID)
	assert.Equal(t, "g1", f.lastCtx.GuildID)
	assert.Equal(t, "core", f.lastCtx.Module.Name)
}

func TestRouter_DisabledModule(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	err := f.router.Dispatch(ctx, nil, slash("panel", "g1", "user"))
	assert.ErrorIs(t, err, errDisabled)
	assert.Empty(t, f.calls)
	assert.Equal(t, []string{"This module is disabled on this server."}, f.replies)

	require.NoError(t, f.manager.SetEnabled(ctx, "g1", "panel", true))
	require.NoError(t, f.router.Dispatch(ctx, nil, slash("panel", "g1", "user")))
	assert.Equal(t, "hi", f.lastCtx.Settings.String("greeting"))
}

func TestRouter_ComponentsAndModals(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SetEnabled(ctx, "g1", "panel", true))

	require.NoError(t, f.router.Dispatch(ctx, nil, button("panel:toggle:123456789012345678", "g1")))
	require.NoError(t, f.router.Dispatch(ctx, nil, modal("panel:edit", "g1")))
	assert.Equal(t, []string{"toggle", "edit"}, f.calls)

	err := f.router.Dispatch(ctx, nil, button("panel:gone", "g1"))
	assert.ErrorIs(t, err, errNoRoute)
	assert.Equal(t, []string{"This action is no longer available."}, f.replies)
}

func TestRouter_AdminOnly(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	err := f.router.Dispatch(ctx, nil, slash("modules", "g1", "user"))
	assert.ErrorIs(t, err, errNotPermitted)

	require.NoError(t, f.router.Dispatch(ctx, nil, slash("modules", "g1", "owner")))
	require.NoError(t, f.router.Dispatch(ctx, nil, slash("modules", "g1", "admin")))
	assert.Equal(t, []string{"modules", "modules"}, f.calls)
}

func TestRouter_GuildOnly(t *testing.T) {
	f := newRouterFixture(t)
	err := f.router.Dispatch(context.Background(), nil, slash("ping", "", "user"))
	assert.ErrorIs(t, err, errGuildOnly)
}

func TestRouter_RecoversPanics(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Dispatch(context.Background(), nil, slash("boom", "g1", "user"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, []string{"Something went wrong. Try again later."}, f.replies)
}

func TestRouter_HandlerError(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Dispatch(context.Background(), nil, slash("fail", "g1", "user"))
	assert.EqualError(t, err, "discord said no")
	assert.Equal(t, []string{"Something went wrong. Try again later."}, f.replies)
}

func TestRouter_MemberJoinHooks(t *testing.T) {
	store := db.NewMemoryStore()
	reg := modules.NewRegistry()

	var joined []string
	reg.MustRegister(
		&modules.Module{Name: "welcome", OnMemberJoin: func(c *modules.Context, m *discordgo.GuildMemberAdd) error {
			joined = append(joined, "welcome:"+c.UserID)
			return nil
		}},
		&modules.Module{Name: "broken", DefaultEnabled: true, OnMemberJoin: func(*modules.Context, *discordgo.GuildMemberAdd) error {
			panic("bad hook")
		}},
		&modules.Module{Name: "audit", DefaultEnabled: true, OnMemberJoin: func(c *modules.Context, m *discordgo.GuildMemberAdd) error {
			joined = append(joined, "audit:"+c.UserID)
			return nil
		}},
	)
	manager := modules.NewManager(reg, store, zap.NewNop())
	router := NewRouter(manager, store, nil, nil, zap.NewNop())

	ctx := context.Background()
	m := &discordgo.GuildMemberAdd{Member: &discordgo.Member{GuildID: "g1", User: &discordgo.User{ID: "newbie"}}}

	errs := router.memberJoined(ctx, nil, m)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "bad hook")
	assert.Equal(t, []string{"audit:newbie"}, joined)

	require.NoError(t, manager.SetEnabled(ctx, "g1", "welcome", true))
	joined = nil
	router.memberJoined(ctx, nil, m)
	assert.Equal(t, []string{"welcome:newbie", "audit:newbie"}, joined)
}
