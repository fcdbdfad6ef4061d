package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/engine"
	"github.com/rendis/lifecycle/internal/store"
)

// LifecycleServerDeps holds the dependencies for creating a LifecycleServer.
type LifecycleServerDeps struct {
	Executor    engine.Executor
	Store       store.Store
	Definitions *definition.Registry
	Logger      *slog.Logger
}

// LifecycleServer wraps an MCP server with lifecycle tool handlers.
type LifecycleServer struct {
	executor  engine.Executor
	store     store.Store
	defs      *definition.Registry
	logger    *slog.Logger
	watchers  *WatchRegistry
	mcpServer *server.MCPServer
}

// NewLifecycleServer creates a new LifecycleServer with all 5 tools registered.
func NewLifecycleServer(deps LifecycleServerDeps) *LifecycleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LifecycleServer{
		executor: deps.Executor,
		store:    deps.Store,
		defs:     deps.Definitions,
		logger:   logger,
		watchers: NewWatchRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"lifecycle",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Lifecycle drives business entities through declarative state machines. Use lifecycle.definitions to see the served object types, lifecycle.create to bind an entity, lifecycle.submit_event to move it, lifecycle.status to inspect it (watch=true streams its changes), and lifecycle.diagram to draw a state machine."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve forwards watched instance changes and runs the stdio transport
// until ctx is cancelled or stdin closes.
func (s *LifecycleServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.executor != nil {
		fwd := NewStreamForwarder(s.mcpServer, s.watchers, s.logger)
		go func() {
			if err := fwd.Run(ctx, s.executor); err != nil && ctx.Err() == nil {
				s.logger.Error("stream forwarder stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LifecycleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LifecycleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: submitEventTool(), Handler: s.handleSubmitEvent},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: definitionsTool(), Handler: s.handleDefinitions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("lifecycle.create",
		mcp.WithDescription("Bind a new entity to the initial state of its object type"),
		mcp.WithString("object_type", mcp.Required(), mcp.Description("Object type served by a loaded definition")),
		mcp.WithString("instance_id", mcp.Description("Entity ID (generated when omitted)")),
		mcp.WithObject("fields", mcp.Description("Initial entity fields")),
	)
}

func submitEventTool() mcp.Tool {
	return mcp.NewTool("lifecycle.submit_event",
		mcp.WithDescription("Submit an event to an entity's state machine"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the target entity")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name declared by the definition")),
		mcp.WithString("object_type", mcp.Description("Object type (read from the instance when omitted)")),
		mcp.WithObject("payload", mcp.Description("Field values merged into the entity")),
		mcp.WithString("origin",
			mcp.Enum("user", "admin"),
			mcp.Description("Who submits the event (default: user)"),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("lifecycle.status",
		mcp.WithDescription("Get an entity's state, fields, pending actions and available events"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the entity to query")),
		mcp.WithString("watch", mcp.Description("\"true\" to receive notifications when the entity changes")),
	)
}

func definitionsTool() mcp.Tool {
	return mcp.NewTool("lifecycle.definitions",
		mcp.WithDescription("List the served state machine definitions"),
		mcp.WithString("object_type", mcp.Description("Return only this object type, with its states and transitions")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("lifecycle.diagram",
		mcp.WithDescription("Draw a state machine. Returns Mermaid stateDiagram syntax, ASCII art, or a base64-encoded PNG image"),
		mcp.WithString("object_type", mcp.Description("Object type to draw")),
		mcp.WithString("instance_id", mcp.Description("Entity whose current state is highlighted (implies its object type)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (stateDiagram-v2), or image (base64 PNG)"),
		),
	)
}
