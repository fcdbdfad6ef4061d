package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/diagram"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

// handleCreate binds a new entity to its initial state.
func (s *LifecycleServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	objectType, err := req.RequireString("object_type")
	if err != nil {
		return mcp.NewToolResultError("object_type is required"), nil
	}
	instanceID := req.GetString("instance_id", "")
	fields := mcp.ParseStringMap(req, "fields", nil)

	res, createErr := s.executor.CreateInstance(ctx, objectType, instanceID, fields)
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", createErr)), nil
	}
	return marshalResult(res)
}

// handleSubmitEvent submits a user or admin event and returns its result.
func (s *LifecycleServer) handleSubmitEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	origin := schema.Origin(req.GetString("origin", string(schema.OriginUser)))

	objectType := req.GetString("object_type", "")
	if objectType == "" {
		inst, getErr := s.store.GetInstance(ctx, instanceID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", getErr)), nil
		}
		objectType = inst.ObjectType
	}

	res, submitErr := s.executor.SubmitEvent(ctx, objectType, instanceID, event, payload, origin)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", submitErr)), nil
	}
	return marshalResult(res)
}

// handleStatus returns the current state of an entity.
func (s *LifecycleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	status, statusErr := s.executor.Status(ctx, instanceID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	if req.GetString("watch", "") == "true" {
		s.captureSession(ctx, instanceID)
	}
	return marshalResult(status)
}

// definitionView is what lifecycle.definitions reports per object type.
type definitionView struct {
	Name       string      `json:"name"`
	ObjectType string      `json:"object_type"`
	Initial    string      `json:"initial"`
	Revision   string      `json:"revision"`
	Events     []string    `json:"events"`
	States     []stateView `json:"states,omitempty"`
}

type stateView struct {
	Name        string           `json:"name"`
	Final       bool             `json:"final,omitempty"`
	Transitions []transitionView `json:"transitions,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`
}

type transitionView struct {
	Event string `json:"event"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// handleDefinitions lists the served definitions. With object_type set the
// single definition is returned with its states.
func (s *LifecycleServer) handleDefinitions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if objectType := req.GetString("object_type", ""); objectType != "" {
		def, err := s.defs.MustGet(objectType)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return marshalResult(describe(def, true))
	}
	defs := s.defs.List()
	out := make([]definitionView, 0, len(defs))
	for _, def := range defs {
		out = append(out, describe(def, false))
	}
	return marshalResult(map[string]any{"definitions": out})
}

func describe(def *definition.Definition, withStates bool) definitionView {
	v := definitionView{
		Name:       def.Name,
		ObjectType: def.ObjectType,
		Initial:    def.Initial,
		Revision:   def.Revision,
		Events:     def.EventNames(),
	}
	if !withStates {
		return v
	}
	for _, name := range def.Order {
		st := def.States[name]
		sv := stateView{Name: name, Final: st.Final}
		for _, t := range st.Transitions {
			tv := transitionView{Event: t.Event, To: t.To}
			if t.Guard != nil {
				tv.Guard = t.Guard.Source
			}
			sv.Transitions = append(sv.Transitions, tv)
		}
		if st.Timeout != nil {
			sv.Timeout = fmt.Sprintf("%s after %s", st.Timeout.Event, st.Timeout.Duration)
		}
		v.States = append(v.States, sv)
	}
	return v
}

// handleDiagram draws a definition in the requested format.
func (s *LifecycleServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	objectType := req.GetString("object_type", "")
	instanceID := req.GetString("instance_id", "")
	if objectType == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of object_type or instance_id is required"), nil
	}

	var inst *store.Instance
	if instanceID != "" {
		got, getErr := s.store.GetInstance(ctx, instanceID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", getErr)), nil
		}
		inst = got
		if objectType == "" {
			objectType = inst.ObjectType
		}
	}
	def, defErr := s.defs.MustGet(objectType)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}
	if inst != nil && inst.ObjectType != def.ObjectType {
		return mcp.NewToolResultError(fmt.Sprintf("instance %s is a %s", inst.ID, inst.ObjectType)), nil
	}

	model := diagram.Build(def, inst)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// captureSession subscribes the calling MCP session to the instance.
func (s *LifecycleServer) captureSession(ctx context.Context, instanceID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watchers.Watch(instanceID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
