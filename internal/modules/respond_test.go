package modules

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))

	parts := SplitMessage(strings.Repeat("a", 25), 10)
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	parts = SplitMessage("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one\n", "line two\n", "line three"}, parts)

	parts = SplitMessage(strings.Repeat("é", 15), 10)
	assert.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("é", 10), parts[0])
}

func TestInteractionUser(t *testing.T) {
	member := &discordgo.User{ID: "member"}
	dm := &discordgo.User{ID: "dm"}

	assert.Equal(t, member, InteractionUser(&discordgo.Interaction{Member: &discordgo.Member{User: member}, User: dm}))
	assert.Equal(t, dm, InteractionUser(&discordgo.Interaction{User: dm}))
	assert.Nil(t, InteractionUser(&discordgo.Interaction{}))
}
