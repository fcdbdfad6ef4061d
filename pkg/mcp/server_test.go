package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleServer(t *testing.T) {
	s := NewLifecycleServer(LifecycleServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.watchers)
}

func TestToolRegistration(t *testing.T) {
	s := NewLifecycleServer(LifecycleServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"lifecycle.create",
		"lifecycle.submit_event",
		"lifecycle.status",
		"lifecycle.definitions",
		"lifecycle.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"create", "lifecycle.create", "Bind a new entity to the initial state of its object type"},
		{"submit_event", "lifecycle.submit_event", "Submit an event to an entity's state machine"},
		{"status", "lifecycle.status", "Get an entity's state, fields, pending actions and available events"},
		{"definitions", "lifecycle.definitions", "List the served state machine definitions"},
	}

	s := NewLifecycleServer(LifecycleServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
