// ABOUTME: Loads agent directory files in JSON, YAML or TOML
// ABOUTME: JSON accepts the name-keyed map shape or an {"agents": [...]} list

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type agentList struct {
	Agents []AgentInfo `json:"agents" yaml:"agents" toml:"agents"`
}

// LoadFile reads agents from path, choosing the format by extension.
func LoadFile(path string) ([]AgentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent registry: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		var list agentList
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parsing agent registry yaml: %w", err)
		}
		return list.Agents, nil
	case ".toml":
		var list agentList
		if _, err := toml.Decode(string(data), &list); err != nil {
			return nil, fmt.Errorf("parsing agent registry toml: %w", err)
		}
		return list.Agents, nil
	default:
		return nil, fmt.Errorf("unsupported agent registry format %q", ext)
	}
}

func parseJSON(data []byte) ([]AgentInfo, error) {
	trimmed := bytes.TrimSpace(data)
	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, fmt.Errorf("parsing agent registry json: %w", err)
	}
	if raw, ok := top["agents"]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		var list agentList
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parsing agent registry json: %w", err)
		}
		return list.Agents, nil
	}

	agents := make([]AgentInfo, 0, len(top))
	for name, raw := range top {
		var a AgentInfo
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("parsing agent %q: %w", name, err)
		}
		if a.Name == "" {
			a.Name = name
		}
		agents = append(agents, a)
	}
	return agents, nil
}
