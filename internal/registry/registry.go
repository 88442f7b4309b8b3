// ABOUTME: Immutable agent directory mapping agent names to inbox streams
// ABOUTME: Readers share one snapshot; updates swap in a whole new map

package registry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/2389/aetherbus/internal/streamkey"
)

// ErrUnknownAgent is returned when a name is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentInfo describes one addressable agent.
type AgentInfo struct {
	Name             string         `json:"name,omitempty" yaml:"name" toml:"name"`
	Inbox            string         `json:"target_inbox,omitempty" yaml:"inbox" toml:"inbox"`
	Description      string         `json:"description,omitempty" yaml:"description" toml:"description"`
	ConnectorType    string         `json:"connector_type,omitempty" yaml:"connector_type" toml:"connector_type"`
	ConnectorDetails map[string]any `json:"connector_details,omitempty" yaml:"connector_details" toml:"connector_details"`
	Capabilities     []string       `json:"capabilities_keywords,omitempty" yaml:"capabilities" toml:"capabilities"`
}

// Directory is safe for concurrent use. Lookups never block updates.
type Directory struct {
	keys   streamkey.Builder
	agents atomic.Pointer[map[string]AgentInfo]
}

// NewDirectory builds a directory holding agents.
func NewDirectory(keys streamkey.Builder, agents ...AgentInfo) (*Directory, error) {
	d := &Directory{keys: keys}
	if err := d.Replace(agents); err != nil {
		return nil, err
	}
	return d, nil
}

// Replace validates agents and atomically swaps them in as the whole directory.
// Agents without an inbox get their default agent inbox.
func (d *Directory) Replace(agents []AgentInfo) error {
	next := make(map[string]AgentInfo, len(agents))
	for _, a := range agents {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return errors.New("registry: agent with empty name")
		}
		if _, dup := next[a.Name]; dup {
			return fmt.Errorf("registry: duplicate agent %q", a.Name)
		}
		if a.Inbox == "" {
			inbox, err := d.keys.AgentInbox(a.Name)
			if err != nil {
				return fmt.Errorf("registry: agent %q: %w", a.Name, err)
			}
			a.Inbox = inbox
		}
		a.ConnectorDetails = maps.Clone(a.ConnectorDetails)
		a.Capabilities = slices.Clone(a.Capabilities)
		next[a.Name] = a
	}
	d.agents.Store(&next)
	return nil
}

func (d *Directory) snapshot() map[string]AgentInfo {
	if m := d.agents.Load(); m != nil {
		return *m
	}
	return nil
}

// Lookup returns the agent registered as name.
func (d *Directory) Lookup(name string) (AgentInfo, bool) {
	a, ok := d.snapshot()[name]
	return a, ok
}

// Resolve returns the inbox stream for name.
func (d *Directory) Resolve(name string) (string, error) {
	a, ok := d.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return a.Inbox, nil
}

// List returns all agents sorted by name.
func (d *Directory) List() []AgentInfo {
	snap := d.snapshot()
	out := make([]AgentInfo, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b AgentInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered agents.
func (d *Directory) Len() int {
	return len(d.snapshot())
}

// Reload reads path and replaces the directory with its contents.
func (d *Directory) Reload(path string) error {
	agents, err := LoadFile(path)
	if err != nil {
		return err
	}
	return d.Replace(agents)
}
