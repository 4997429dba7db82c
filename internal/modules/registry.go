package modules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var ErrUnknownModule = errors.New("unknown module")

type Registry struct {
	order      []*Module
	byName     map[string]*Module
	commands   map[string]commandRef
	components map[string]componentRef
	modals     map[string]componentRef
}

type commandRef struct {
	module  *Module
	command *Command
}

type componentRef struct {
	module    *Module
	component *Component
}

func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Module),
		commands:   make(map[string]commandRef),
		components: make(map[string]componentRef),
		modals:     make(map[string]componentRef),
	}
}

// Register adds m. Nothing is registered when m conflicts with a module that
// is already present.
func (r *Registry) Register(m *Module) error {
	if m == nil || m.Name == "" {
		return errors.New("module needs a name")
	}
	if strings.Contains(m.Name, ":") {
		return fmt.Errorf("module %q: name must not contain ':'", m.Name)
	}
	if _, ok := r.byName[m.Name]; ok {
		return fmt.Errorf("module %q registered twice", m.Name)
	}
	if m.Schema != nil {
		if err := m.Schema.Check(); err != nil {
			return fmt.Errorf("module %q: %w", m.Name, err)
		}
	}

	newCommands := make(map[string]bool)
	for _, cmd := range m.Commands {
		if cmd.Definition == nil || cmd.Definition.Name == "" || cmd.Handler == nil {
			return fmt.Errorf("module %q: command needs a definition, a name and a handler", m.Name)
		}
		name := cmd.Definition.Name
		if ref, ok := r.commands[name]; ok {
			return fmt.Errorf("module %q: command /%s already provided by %q", m.Name, name, ref.module.Name)
		}
		if newCommands[name] {
			return fmt.Errorf("module %q: command /%s declared twice", m.Name, name)
		}
		newCommands[name] = true
	}
	if err := r.checkPrefixes(m, m.Components, r.components); err != nil {
		return err
	}
	if err := r.checkPrefixes(m, m.Modals, r.modals); err != nil {
		return err
	}

	r.order = append(r.order, m)
	r.byName[m.Name] = m
	for _, cmd := range m.Commands {
		r.commands[cmd.Definition.Name] = commandRef{m, cmd}
	}
	for _, c := range m.Components {
		r.components[c.Prefix] = componentRef{m, c}
	}
	for _, c := range m.Modals {
		r.modals[c.Prefix] = componentRef{m, c}
	}
	return nil
}

func (r *Registry) checkPrefixes(m *Module, comps []*Component, existing map[string]componentRef) error {
	seen := make(map[string]bool)
	for _, c := range comps {
		if c.Handler == nil {
			return fmt.Errorf("module %q: component %q has no handler", m.Name, c.Prefix)
		}
		if !strings.HasPrefix(c.Prefix, m.Name+":") || len(c.Prefix) == len(m.Name)+1 {
			return fmt.Errorf("module %q: component prefix %q must start with %q", m.Name, c.Prefix, m.Name+":")
		}
		if _, ok := existing[c.Prefix]; ok || seen[c.Prefix] {
			return fmt.Errorf("module %q: component prefix %q registered twice", m.Name, c.Prefix)
		}
		seen[c.Prefix] = true
	}
	return nil
}

// MustRegister panics on conflicts; meant for wiring built-in modules.
func (r *Registry) MustRegister(mods ...*Module) {
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Modules returns modules in registration order.
func (r *Registry) Modules() []*Module {
	return append([]*Module(nil), r.order...)
}

func (r *Registry) Module(name string) (*Module, error) {
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return m, nil
}

func (r *Registry) ResolveCommand(name string) (*Module, *Command, bool) {
	ref, ok := r.commands[name]
	return ref.module, ref.command, ok
}

func (r *Registry) ResolveComponent(customID string) (*Module, *Component, bool) {
	return resolvePrefix(r.components, customID)
}

func (r *Registry) ResolveModal(customID string) (*Module, *Component, bool) {
	return resolvePrefix(r.modals, customID)
}

// resolvePrefix finds the longest registered prefix of customID that ends on
// a ':' boundary (or is the whole ID).
func resolvePrefix(table map[string]componentRef, customID string) (*Module, *Component, bool) {
	candidate := customID
	for {
		if ref, ok := table[candidate]; ok {
			return ref.module, ref.component, true
		}
		idx := strings.LastIndex(candidate, ":")
		if idx <= 0 {
			return nil, nil, false
		}
		candidate = candidate[:idx]
	}
}

// Commands returns the slash command definitions of every module enabled()
// accepts, in registration order.
func (r *Registry) Commands(enabled func(module string) bool) []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	for _, m := range r.order {
		if !m.Locked && enabled != nil && !enabled(m.Name) {
			continue
		}
		for _, cmd := range m.Commands {
			out = append(out, cmd.Definition)
		}
	}
	return out
}

// CustomID joins module and parts into a component custom ID.
func CustomID(module string, parts ...string) string {
	return strings.Join(append([]string{module}, parts...), ":")
}

// SplitCustomID returns the parts following prefix, or nil if customID does not
// start with prefix.
func SplitCustomID(customID, prefix string) []string {
	if customID == prefix {
		return []string{}
	}
	rest, ok := strings.CutPrefix(customID, prefix+":")
	if !ok {
		return nil
	}
	return strings.Split(rest, ":")
}
