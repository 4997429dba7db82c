package modules

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewgaim/homebot/internal/settings"
)

func noop(*Context, *discordgo.InteractionCreate) error { return nil }

func command(name string) *Command {
	return &Command{
		Definition: &discordgo.ApplicationCommand{Name: name, Description: name},
		Handler:    noop,
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Module{Name: "core", Locked: true, Commands: []*Command{command("ping")}}))
	require.NoError(t, r.Register(&Module{
		Name:       "rolepanel",
		Commands:   []*Command{command("rolepanel")},
		Components: []*Component{{Prefix: "rolepanel:toggle", Handler: noop}},
	}))

	mods := r.Modules()
	require.Len(t, mods, 2)
	assert.Equal(t, "core", mods[0].Name)
	assert.Equal(t, "rolepanel", mods[1].Name)

	mod, cmd, ok := r.ResolveCommand("rolepanel")
	require.True(t, ok)
	assert.Equal(t, "rolepanel", mod.Name)
	assert.Equal(t, "rolepanel", cmd.Definition.Name)

	_, err := r.Module("missing")
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestRegistry_RegisterConflicts(t *testing.T) {
	base := func() *Registry {
		r := NewRegistry()
		r.MustRegister(&Module{
			Name:       "welcome",
			Commands:   []*Command{command("welcome")},
			Components: []*Component{{Prefix: "welcome:edit", Handler: noop}},
		})
		return r
	}

	tests := []struct {
		name string
		mod  *Module
		want string
	}{
		{"empty name", &Module{}, "needs a name"},
		{"colon in name", &Module{Name: "a:b"}, "must not contain"},
		{"duplicate module", &Module{Name: "welcome"}, "registered twice"},
		{"duplicate command", &Module{Name: "other", Commands: []*Command{command("welcome")}}, "already provided by \"welcome\""},
		{"command twice in module", &Module{Name: "other", Commands: []*Command{command("x"), command("x")}}, "declared twice"},
		{"command without handler", &Module{Name: "other", Commands: []*Command{{Definition: &discordgo.ApplicationCommand{Name: "x"}}}}, "needs a definition"},
		{"foreign prefix", &Module{Name: "other", Components: []*Component{{Prefix: "welcome:edit2", Handler: noop}}}, "must start with \"other:\""},
		{"bare prefix", &Module{Name: "other", Components: []*Component{{Prefix: "other:", Handler: noop}}}, "must start with"},
		{"bad schema", &Module{Name: "other", Schema: &settings.Schema{Fields: []settings.Field{{Key: "a", Type: "nope"}}}}, "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			err := r.Register(tt.mod)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Len(t, r.Modules(), 1)
		})
	}
}

func TestRegistry_ResolveComponentLongestPrefix(t *testing.T) {
	r := NewRegistry()
	var hit string
	handler := func(name string) HandlerFunc {
		return func(*Context, *discordgo.InteractionCreate) error { hit = name; return nil }
	}
	r.MustRegister(&Module{
		Name: "panel",
		Components: []*Component{
			{Prefix: "panel:toggle", Handler: handler("toggle")},
			{Prefix: "panel:toggle:all", Handler: handler("all")},
		},
		Modals: []*Component{{Prefix: "panel:edit", Handler: handler("edit")}},
	})

	tests := []struct {
		customID string
		want     string
		found    bool
	}{
		{"panel:toggle:123", "toggle", true},
		{"panel:toggle", "toggle", true},
		{"panel:toggle:all", "all", true},
		{"panel:toggle:all:x", "all", true},
		{"panel:togglex", "", false},
		{"panel", "", false},
		{"other:toggle", "", false},
		{"panel:edit", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.customID, func(t *testing.T) {
			hit = ""
			_, c, ok := r.ResolveComponent(tt.customID)
			assert.Equal(t, tt.found, ok)
			if ok {
				require.NoError(t, c.Handler(nil, nil))
			}
			assert.Equal(t, tt.want, hit)
		})
	}

	_, c, ok := r.ResolveModal("panel:edit")
	require.True(t, ok)
	assert.Equal(t, "panel:edit", c.Prefix)
}

func TestRegistry_Commands(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		&Module{Name: "core", Locked: true, Commands: []*Command{command("ping"), command("about")}},
		&Module{Name: "welcome", Commands: []*Command{command("welcome")}},
		&Module{Name: "rolepanel", Commands: []*Command{command("rolepanel")}},
	)

	names := func(cmds []*discordgo.ApplicationCommand) []string {
		var out []string
		for _, c := range cmds {
			out = append(out, c.Name)
		}
		return out
	}

	assert.Equal(t, []string{"ping", "about", "welcome", "rolepanel"}, names(r.Commands(nil)))
	assert.Equal(t, []string{"ping", "about", "rolepanel"}, names(r.Commands(func(m string) bool { return m == "rolepanel" })))
	assert.Equal(t, []string{"ping", "about"}, names(r.Commands(func(string) bool { return false })))
}

func TestCustomID(t *testing.T) {
	id := CustomID("rolepanel", "toggle", "123456789012345678")
	assert.Equal(t, "rolepanel:toggle:123456789012345678", id)
	assert.Equal(t, []string{"123456789012345678"}, SplitCustomID(id, "rolepanel:toggle"))
	assert.Equal(t, []string{}, SplitCustomID("rolepanel:toggle", "rolepanel:toggle"))
	assert.Nil(t, SplitCustomID("rolepanel:togglex", "rolepanel:toggle"))
}
