// ABOUTME: Tests for the agent directory and its file loaders

package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aetherbus/internal/streamkey"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveDefaultsInbox(t *testing.T) {
	d, err := NewDirectory(streamkey.New("", ""),
		AgentInfo{Name: "bob"},
		AgentInfo{Name: "edge", Inbox: "AG1:edge:mcp:main:inbox"},
	)
	require.NoError(t, err)

	inbox, err := d.Resolve("bob")
	require.NoError(t, err)
	assert.Equal(t, "AG1:agent:bob:inbox", inbox)

	inbox, err = d.Resolve("edge")
	require.NoError(t, err)
	assert.Equal(t, "AG1:edge:mcp:main:inbox", inbox)

	_, err = d.Resolve("nobody")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestReplaceRejectsBadInput(t *testing.T) {
	d, err := NewDirectory(streamkey.New("", ""), AgentInfo{Name: "keep"})
	require.NoError(t, err)

	assert.Error(t, d.Replace([]AgentInfo{{Name: "a"}, {Name: "a"}}))
	assert.Error(t, d.Replace([]AgentInfo{{Name: "  "}}))
	assert.Error(t, d.Replace([]AgentInfo{{Name: "has:colon"}}))

	// Failed replacements leave the previous snapshot in place.
	_, ok := d.Lookup("keep")
	assert.True(t, ok)
}

func TestReplaceSwapsWholeMap(t *testing.T) {
	d, err := NewDirectory(streamkey.New("", ""), AgentInfo{Name: "old"})
	require.NoError(t, err)

	require.NoError(t, d.Replace([]AgentInfo{{Name: "b"}, {Name: "a"}}))
	_, ok := d.Lookup("old")
	assert.False(t, ok)

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
}

func TestConcurrentReadsDuringReplace(t *testing.T) {
	d, err := NewDirectory(streamkey.New("", ""), AgentInfo{Name: "x"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = d.Resolve("x")
				_ = d.List()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = d.Replace([]AgentInfo{{Name: "x"}, {Name: "y"}})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, d.Len())
}

func TestLoadJSONMap(t *testing.T) {
	path := writeFile(t, "agents.json", `{
		"DocReferenceAgent": {
			"target_inbox": "AG1:agent:DocReferenceAgent:inbox",
			"description": "Searches docs",
			"connector_type": "delegate",
			"capabilities_keywords": ["docs", "search"]
		},
		"Orchestrator": {}
	}`)

	agents, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	d, err := NewDirectory(streamkey.New("", ""), agents...)
	require.NoError(t, err)
	doc, ok := d.Lookup("DocReferenceAgent")
	require.True(t, ok)
	assert.Equal(t, "Searches docs", doc.Description)
	assert.Equal(t, []string{"docs", "search"}, doc.Capabilities)

	orch, err := d.Resolve("Orchestrator")
	require.NoError(t, err)
	assert.Equal(t, "AG1:agent:Orchestrator:inbox", orch)
}

func TestLoadJSONList(t *testing.T) {
	path := writeFile(t, "agents.json", `{"agents": [{"name": "a"}, {"name": "b", "target_inbox": "custom"}]}`)
	agents, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "custom", agents[1].Inbox)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "agents.yaml", `
agents:
  - name: writer
    inbox: AG1:agent:writer:inbox
    capabilities: [prose]
  - name: reviewer
`)
	agents, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "writer", agents[0].Name)
	assert.Equal(t, []string{"prose"}, agents[0].Capabilities)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "agents.toml", `
[[agents]]
name = "scheduler"
description = "Plans work"

[[agents]]
name = "poster"
inbox = "AG1:edge:social:main:inbox"
`)
	d, err := NewDirectory(streamkey.New("", ""))
	require.NoError(t, err)
	require.NoError(t, d.Reload(path))

	inbox, err := d.Resolve("poster")
	require.NoError(t, err)
	assert.Equal(t, "AG1:edge:social:main:inbox", inbox)
	assert.Equal(t, 2, d.Len())
}

func TestLoadUnsupported(t *testing.T) {
	path := writeFile(t, "agents.ini", "x=1")
	_, err := LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
