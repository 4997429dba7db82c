package modules

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
	"github.com/matthewgaim/homebot/internal/settings"
)

var ErrLocked = errors.New("module cannot be disabled")

// Manager answers per-guild questions about modules: whether they are on and
// what their settings are.
type Manager struct {
	registry *Registry
	store    db.Store
	log      *zap.Logger
}

func NewManager(registry *Registry, store db.Store, log *zap.Logger) *Manager {
	return &Manager{registry: registry, store: store, log: log}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) IsEnabled(ctx context.Context, guildID, name string) (bool, error) {
	mod, err := m.registry.Module(name)
	if err != nil {
		return false, err
	}
	return m.isEnabled(ctx, guildID, mod)
}

func (m *Manager) isEnabled(ctx context.Context, guildID string, mod *Module) (bool, error) {
	if mod.Locked {
		return true, nil
	}
	enabled, found, err := m.store.ModuleEnabled(ctx, guildID, mod.Name)
	if err != nil {
		return false, err
	}
	if !found {
		return mod.DefaultEnabled, nil
	}
	return enabled, nil
}

func (m *Manager) SetEnabled(ctx context.Context, guildID, name string, enabled bool) error {
	mod, err := m.registry.Module(name)
	if err != nil {
		return err
	}
	if mod.Locked {
		if enabled {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrLocked, name)
	}
	if err := m.store.SetModuleEnabled(ctx, guildID, name, enabled); err != nil {
		return err
	}
	m.log.Info("Module toggled",
		zap.String("guild_id", guildID),
		zap.String("module", name),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// Settings returns the guild's validated settings for the module with
// defaults filled in.
func (m *Manager) Settings(ctx context.Context, guildID, name string) (settings.Values, error) {
	mod, err := m.registry.Module(name)
	if err != nil {
		return nil, err
	}
	return m.settings(ctx, guildID, mod)
}

func (m *Manager) settings(ctx context.Context, guildID string, mod *Module) (settings.Values, error) {
	if mod.Schema == nil {
		return settings.Values{}, nil
	}
	stored, err := m.store.ModuleSettings(ctx, guildID, mod.Name)
	if err != nil {
		return nil, err
	}
	values, dropped, err := mod.Schema.Merge(stored, nil)
	if len(dropped) > 0 {
		m.log.Warn("Ignoring stored settings that no longer validate",
			zap.String("guild_id", guildID),
			zap.String("module", mod.Name),
			zap.Strings("keys", dropped),
		)
	}
	if err != nil {
		// only a required field without value can fail here
		return nil, err
	}
	return values, nil
}

// UpdateSettings validates patch on top of the stored settings and saves the
// result.
func (m *Manager) UpdateSettings(ctx context.Context, guildID, name string, patch settings.Values) (settings.Values, error) {
	mod, err := m.registry.Module(name)
	if err != nil {
		return nil, err
	}
	if mod.Schema == nil {
		if len(patch) > 0 {
			return nil, fmt.Errorf("module %s has no settings", name)
		}
		return settings.Values{}, nil
	}
	stored, err := m.store.ModuleSettings(ctx, guildID, name)
	if err != nil {
		return nil, err
	}
	values, _, err := mod.Schema.Merge(stored, patch)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveModuleSettings(ctx, guildID, name, values); err != nil {
		return nil, err
	}
	m.log.Info("Module settings updated", zap.String("guild_id", guildID), zap.String("module", name))
	return values, nil
}

type ModuleStatus struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Enabled     bool             `json:"enabled"`
	Locked      bool             `json:"locked"`
	Commands    []string         `json:"commands"`
	Schema      *settings.Schema `json:"schema,omitempty"`
}

func (m *Manager) Status(ctx context.Context, guildID string) ([]ModuleStatus, error) {
	var out []ModuleStatus
	for _, mod := range m.registry.Modules() {
		enabled, err := m.isEnabled(ctx, guildID, mod)
		if err != nil {
			return nil, err
		}
		st := ModuleStatus{
			Name:        mod.Name,
			Description: mod.Description,
			Enabled:     enabled,
			Locked:      mod.Locked,
			Commands:    []string{},
			Schema:      mod.Schema,
		}
		for _, cmd := range mod.Commands {
			st.Commands = append(st.Commands, cmd.Definition.Name)
		}
		out = append(out, st)
	}
	return out, nil
}

// EnabledCommands is the command set to register in a guild.
func (m *Manager) EnabledCommands(ctx context.Context, guildID string) ([]*discordgo.ApplicationCommand, error) {
	var lookupErr error
	cmds := m.registry.Commands(func(name string) bool {
		mod, _ := m.registry.Module(name)
		enabled, err := m.isEnabled(ctx, guildID, mod)
		if err != nil {
			lookupErr = err
			return false
		}
		return enabled
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	return cmds, nil
}
