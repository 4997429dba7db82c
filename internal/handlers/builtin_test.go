package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/modules"
	"github.com/matthewgaim/homebot/internal/modules/core"
	"github.com/matthewgaim/homebot/internal/modules/rolepanel"
	"github.com/matthewgaim/homebot/internal/modules/welcome"
	"github.com/matthewgaim/homebot/internal/settings"
)

const (
	testGuild  = "100000000000000001"
	testMember = "200000000000000002"
	roleA      = "300000000000000003"
	roleB      = "300000000000000004"
	welcomeCh  = "400000000000000005"
	dmChannel  = "500000000000000006"
)

var apiPrefix = "/" + strings.TrimPrefix(discordgo.EndpointAPI, discordgo.EndpointDiscord)

type restCall struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeDiscord answers the REST calls a session makes and records them.
type fakeDiscord struct {
	mu    sync.Mutex
	calls []restCall
	fail  map[string]int
}

func (fd *fakeDiscord) RoundTrip(req *http.Request) (*http.Response, error) {
	call := restCall{Method: req.Method, Path: strings.TrimPrefix(req.URL.Path, apiPrefix)}
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &call.Body)
		}
	}

	fd.mu.Lock()
	fd.calls = append(fd.calls, call)
	status, ok := fd.fail[call.Method+" "+call.Path]
	fd.mu.Unlock()

	body := `{}`
	switch {
	case ok:
		body = `{"code": 50007, "message": "Cannot send messages to this user"}`
	case call.Method == http.MethodPost && call.Path == "users/@me/channels":
		status, body = http.StatusOK, `{"id": "`+dmChannel+`", "type": 1}`
	default:
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (fd *fakeDiscord) Calls() []restCall {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return append([]restCall(nil), fd.calls...)
}

// Replies returns the content of every interaction response.
func (fd *fakeDiscord) Replies() []string {
	var out []string
	for _, c := range fd.Calls() {
		if c.Method != http.MethodPost || !strings.HasPrefix(c.Path, "interactions/") {
			continue
		}
		data, _ := c.Body["data"].(map[string]any)
		content, _ := data["content"].(string)
		out = append(out, content)
	}
	return out
}

// Sent returns channel ID to message content for every message posted.
func (fd *fakeDiscord) Sent() map[string][]string {
	out := map[string][]string{}
	for _, c := range fd.Calls() {
		ch, ok := strings.CutPrefix(c.Path, "channels/")
		if c.Method != http.MethodPost || !ok || !strings.HasSuffix(ch, "/messages") {
			continue
		}
		content, _ := c.Body["content"].(string)
		id := strings.TrimSuffix(ch, "/messages")
		out[id] = append(out[id], content)
	}
	return out
}

type fakeRuntime struct {
	mu     sync.Mutex
	synced []string
}

func (r *fakeRuntime) Version() string        { return "test" }
func (r *fakeRuntime) Uptime() time.Duration { return time.Minute }

func (r *fakeRuntime) SyncGuildCommands(_ context.Context, guildID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, guildID)
	return nil
}

type builtinFixture struct {
	router  *Router
	session *discordgo.Session
	discord *fakeDiscord
	store   *db.MemoryStore
	manager *modules.Manager
	runtime *fakeRuntime
}

func newBuiltinFixture(t *testing.T) *builtinFixture {
	t.Helper()
	reg := modules.NewRegistry()
	reg.MustRegister(core.New(), welcome.New(), rolepanel.New())

	f := &builtinFixture{
		discord: &fakeDiscord{fail: map[string]int{}},
		store:   db.NewMemoryStore(),
		runtime: &fakeRuntime{},
	}
	f.manager = modules.NewManager(reg, f.store, zap.NewNop())
	f.router = NewRouter(f.manager, f.store, f.runtime, func(string) bool { return false }, zap.NewNop())

	s, err := discordgo.New("Bot test")
	require.NoError(t, err)
	s.Client = &http.Client{Transport: f.discord}
	s.MaxRestRetries = 0
	require.NoError(t, s.State.GuildAdd(&discordgo.Guild{
		ID:          testGuild,
		Name:        "Home",
		OwnerID:     testMember,
		MemberCount: 42,
	}))
	f.session = s
	return f
}

func (f *builtinFixture) enable(t *testing.T, module string, values settings.Values) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.manager.SetEnabled(ctx, testGuild, module, true))
	if values != nil {
		_, err := f.manager.UpdateSettings(ctx, testGuild, module, values)
		require.NoError(t, err)
	}
}

func interaction(typ discordgo.InteractionType, data discordgo.InteractionData, member *discordgo.Member) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:      "600000000000000007",
		Token:   "token",
		Type:    typ,
		GuildID: testGuild,
		Member:  member,
		Data:    data,
	}}
}

func modulesSubcommand(sub, module string) *discordgo.InteractionCreate {
	return interaction(discordgo.InteractionApplicationCommand, discordgo.ApplicationCommandInteractionData{
		Name: "modules",
		Options: []*discordgo.ApplicationCommandInteractionDataOption{{
			Name: sub,
			Type: discordgo.ApplicationCommandOptionSubCommand,
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:  "module",
				Type:  discordgo.ApplicationCommandOptionString,
				Value: module,
			}},
		}},
	}, &discordgo.Member{User: &discordgo.User{ID: testMember}})
}

func roleButton(roleID string, held ...string) *discordgo.InteractionCreate {
	return interaction(discordgo.InteractionMessageComponent, discordgo.MessageComponentInteractionData{
		CustomID: modules.CustomID(rolepanel.Name, "toggle", roleID),
	}, &discordgo.Member{User: &discordgo.User{ID: testMember}, Roles: held})
}

func TestRolePanel_ToggleRole(t *testing.T) {
	f := newBuiltinFixture(t)
	f.enable(t, rolepanel.Name, settings.Values{"roles": []any{roleA}})
	ctx := context.Background()
	rolePath := "guilds/" + testGuild + "/members/" + testMember + "/roles/"

	require.NoError(t, f.router.Dispatch(ctx, f.session, roleButton(roleA)))
	require.NoError(t, f.router.Dispatch(ctx, f.session, roleButton(roleA, roleA)))

	var roleCalls []string
	for _, c := range f.discord.Calls() {
		if strings.HasPrefix(c.Path, "guilds/") {
			roleCalls = append(roleCalls, c.Method+" "+c.Path)
		}
	}
	assert.Equal(t, []string{
		http.MethodPut + " " + rolePath + roleA,
		http.MethodDelete + " " + rolePath + roleA,
	}, roleCalls)
	assert.Equal(t, []string{"Added <@&" + roleA + ">.", "Removed <@&" + roleA + ">."}, f.discord.Replies())
}

func TestRolePanel_RefusesUnconfiguredRole(t *testing.T) {
	f := newBuiltinFixture(t)
	f.enable(t, rolepanel.Name, settings.Values{"roles": []any{roleA}})

	// a panel posted before roleB was removed from the settings
	require.NoError(t, f.router.Dispatch(context.Background(), f.session, roleButton(roleB)))

	for _, c := range f.discord.Calls() {
		assert.False(t, strings.HasPrefix(c.Path, "guilds/"), "unexpected %s %s", c.Method, c.Path)
	}
	assert.Equal(t, []string{"That role is no longer self-assignable."}, f.discord.Replies())
}

func TestCore_ModulesEnableAndDisable(t *testing.T) {
	f := newBuiltinFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Dispatch(ctx, f.session, modulesSubcommand("enable", "welcome")))
	enabled, err := f.manager.IsEnabled(ctx, testGuild, "welcome")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, f.router.Dispatch(ctx, f.session, modulesSubcommand("disable", "welcome")))
	enabled, err = f.manager.IsEnabled(ctx, testGuild, "welcome")
	require.NoError(t, err)
	assert.False(t, enabled)

	assert.Equal(t, []string{"✅ `welcome` is now enabled.", "✅ `welcome` is now disabled."}, f.discord.Replies())
	assert.Equal(t, []string{testGuild, testGuild}, f.runtime.synced)

	audit, err := f.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "module.disable", audit[0].Action)
	assert.Equal(t, "module.enable", audit[1].Action)
	for _, e := range audit {
		assert.Equal(t, testMember, e.UserID)
		assert.Equal(t, testGuild, e.GuildID)
		assert.Equal(t, "welcome", e.Module)
	}
}

func TestCore_ModulesRefusesToDisableCore(t *testing.T) {
	f := newBuiltinFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Dispatch(ctx, f.session, modulesSubcommand("disable", "core")))
	require.NoError(t, f.router.Dispatch(ctx, f.session, modulesSubcommand("disable", "nope")))

	assert.Equal(t, []string{"`core` cannot be disabled.", "There is no module called `nope`."}, f.discord.Replies())
	assert.Empty(t, f.runtime.synced)
	audit, err := f.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, audit)

	enabled, err := f.manager.IsEnabled(ctx, testGuild, "core")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestCore_ModulesRequiresOwnerOrAdmin(t *testing.T) {
	f := newBuiltinFixture(t)
	i := modulesSubcommand("enable", "welcome")
	i.Member.User.ID = "700000000000000008"

	err := f.router.Dispatch(context.Background(), f.session, i)
	assert.ErrorIs(t, err, errNotPermitted)
	assert.Equal(t, []string{"Only the server owner or a bot admin can use this."}, f.discord.Replies())
	assert.Empty(t, f.runtime.synced)
}

func TestWelcome_MemberJoined(t *testing.T) {
	f := newBuiltinFixture(t)
	f.enable(t, welcome.Name, settings.Values{
		"channel_id": welcomeCh,
		"message":    "Hi {user}, welcome to {server} (member {member_count})",
		"dm":         true,
	})

	f.router.MemberJoinHandler()(f.session, &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: testMember, Username: "sam"},
	}})

	want := "Hi <@" + testMember + ">, welcome to Home (member 42)"
	assert.Equal(t, map[string][]string{
		welcomeCh: {want},
		dmChannel: {want},
	}, f.discord.Sent())
}

func TestWelcome_SkipsBots(t *testing.T) {
	f := newBuiltinFixture(t)
	f.enable(t, welcome.Name, settings.Values{"channel_id": welcomeCh, "dm": true})

	errs := f.router.memberJoined(context.Background(), f.session, &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: testMember, Bot: true},
	}})
	assert.Empty(t, errs)
	assert.Empty(t, f.discord.Calls())
}

func TestWelcome_ClosedDMsAreNotAnError(t *testing.T) {
	f := newBuiltinFixture(t)
	f.enable(t, welcome.Name, settings.Values{"dm": true})
	f.discord.fail[http.MethodPost+" users/@me/channels"] = http.StatusForbidden

	errs := f.router.memberJoined(context.Background(), f.session, &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: testMember, Username: "sam"},
	}})
	assert.Empty(t, errs)
	assert.Empty(t, f.discord.Sent())
}

func TestWelcome_DisabledModuleStaysQuiet(t *testing.T) {
	f := newBuiltinFixture(t)

	errs := f.router.memberJoined(context.Background(), f.session, &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: testGuild,
		User:    &discordgo.User{ID: testMember, Username: "sam"},
	}})
	assert.Empty(t, errs)
	assert.Empty(t, f.discord.Calls())
}
