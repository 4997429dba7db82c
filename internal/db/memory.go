package db

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matthewgaim/homebot/internal/settings"
)

type moduleKey struct {
	guildID string
	module  string
}

// MemoryStore keeps everything in process. It backs deployments without
// DATABASE_URL; state is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	guilds   map[string]JoinedServer
	enabled  map[moduleKey]bool
	settings map[moduleKey]settings.Values
	audit    []AuditEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		guilds:   make(map[string]JoinedServer),
		enabled:  make(map[moduleKey]bool),
		settings: make(map[moduleKey]settings.Values),
		now:      time.Now,
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) AddGuild(_ context.Context, guildID, ownerID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	js, ok := m.guilds[guildID]
	if !ok {
		js = JoinedServer{DiscordServerID: guildID, JoinedAt: m.now()}
	}
	js.OwnerID = ownerID
	js.Name = name
	m.guilds[guildID] = js
	return nil
}

func (m *MemoryStore) RemoveGuild(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guilds, guildID)
	for k := range m.enabled {
		if k.guildID == guildID {
			delete(m.enabled, k)
		}
	}
	for k := range m.settings {
		if k.guildID == guildID {
			delete(m.settings, k)
		}
	}
	return nil
}

func (m *MemoryStore) ListGuilds(_ context.Context) ([]JoinedServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.guilds))
	slices.SortFunc(out, func(a, b JoinedServer) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.DiscordServerID < b.DiscordServerID {
			return -1
		}
		if a.DiscordServerID > b.DiscordServerID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) ModuleEnabled(_ context.Context, guildID, module string) (bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	enabled, found := m.enabled[moduleKey{guildID, module}]
	return enabled, found, nil
}

func (m *MemoryStore) SetModuleEnabled(_ context.Context, guildID, module string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled[moduleKey{guildID, module}] = enabled
	return nil
}

func (m *MemoryStore) ModuleSettings(_ context.Context, guildID, module string) (settings.Values, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.settings[moduleKey{guildID, module}]), nil
}

func (m *MemoryStore) SaveModuleSettings(_ context.Context, guildID, module string, values settings.Values) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[moduleKey{guildID, module}] = maps.Clone(values)
	return nil
}

func (m *MemoryStore) AddAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.audit) + 1)
	entry.CreatedAt = m.now()
	m.audit = append(m.audit, entry)
	return nil
}

// ListAudit returns the newest entries first.
func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, 0, min(limit, len(m.audit)))
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
