package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func backlogOf(h *Hub) []string {
	backlog, _, cancel := h.Subscribe(1)
	cancel()
	return backlog
}

func TestHub_BacklogWraps(t *testing.T) {
	h := NewHub(3)
	for i := 1; i <= 5; i++ {
		_, err := fmt.Fprintf(h, "line %d\n", i)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, backlogOf(h))
}

func TestHub_BacklogPartial(t *testing.T) {
	h := NewHub(10)
	h.Write([]byte("a\n"))
	h.Write([]byte("b\n"))
	assert.Equal(t, []string{"a", "b"}, backlogOf(h))
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub(10)
	h.Write([]byte("before\n"))

	backlog, lines, cancel := h.Subscribe(4)
	assert.Equal(t, []string{"before"}, backlog)
	assert.Equal(t, 1, h.Subscribers())

	h.Write([]byte("after\n"))
	assert.Equal(t, "after", <-lines)

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())
	_, open := <-lines
	assert.False(t, open)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, lines, cancel := h.Subscribe(1)
	defer cancel()

	for i := 0; i < 100; i++ {
		h.Write([]byte("spam\n"))
	}
	assert.Len(t, lines, 1)
}

func TestNew_TeesIntoHub(t *testing.T) {
	h := NewHub(10)
	logger, err := New("info", "json", h)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("module enabled", zap.String("module", "welcome"))

	backlog := backlogOf(h)
	require.Len(t, backlog, 1)
	assert.Contains(t, backlog[0], `"msg":"module enabled"`)
	assert.Contains(t, backlog[0], `"module":"welcome"`)
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", "console", nil)
	assert.Error(t, err)
}
