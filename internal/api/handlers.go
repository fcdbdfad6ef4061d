package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/lifecycle/internal/definition"
	"github.com/rendis/lifecycle/internal/diagram"
	"github.com/rendis/lifecycle/internal/hooks"
	"github.com/rendis/lifecycle/internal/store"
	"github.com/rendis/lifecycle/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"definitions": len(s.deps.Definitions.List()),
	})
}

// handleHook applies one entity mutation reported by the CRUD layer.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		writeError(w, http.StatusNotImplemented, "hooks are not enabled")
		return
	}
	var m hooks.Mutation
	if !decodeBody(w, r, &m) {
		return
	}
	res, err := s.deps.Router.Handle(r.Context(), m)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	insts, err := s.deps.Store.ListInstances(r.Context(), store.InstanceFilter{
		ObjectType: q.Get("object"),
		State:      q.Get("state"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": insts})
}

// handleCreateInstance binds a new entity to its initial state.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ObjectType string         `json:"object_type"`
		ID         string         `json:"id"`
		Fields     map[string]any `json:"fields"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ObjectType == "" {
		writeError(w, http.StatusBadRequest, "object_type is required")
		return
	}
	res, err := s.deps.Executor.CreateInstance(r.Context(), body.ObjectType, body.ID, body.Fields)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Executor.DeleteInstance(r.Context(), id, schema.OriginAdmin); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instance_id": id})
}

// handleSubmitEvent submits a user or admin event. The object type is read
// from the instance when the body leaves it out.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		ObjectType string         `json:"object_type"`
		Event      string         `json:"event"`
		Payload    map[string]any `json:"payload"`
		Origin     schema.Origin  `json:"origin"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if body.ObjectType == "" {
		inst, err := s.deps.Store.GetInstance(ctx, id)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}
		body.ObjectType = inst.ObjectType
	}

	res, err := s.deps.Executor.SubmitEvent(ctx, body.ObjectType, id, body.Event, body.Payload, body.Origin)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListEvents returns the journal of an instance after ?since=.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", v))
			return
		}
		since = n
	}
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Store.ListActions(r.Context(), store.ActionFilter{
		InstanceID: r.PathValue("id"),
		Status:     store.ActionStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": recs})
}

// definitionSummary is the listing view of a served definition.
type definitionSummary struct {
	Name       string    `json:"name"`
	ObjectType string    `json:"object_type"`
	Initial    string    `json:"initial"`
	States     []string  `json:"states"`
	Events     []string  `json:"events"`
	Revision   string    `json:"revision"`
	Source     string    `json:"source,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
}

func summarize(def *definition.Definition) definitionSummary {
	return definitionSummary{
		Name:       def.Name,
		ObjectType: def.ObjectType,
		Initial:    def.Initial,
		States:     def.Order,
		Events:     def.EventNames(),
		Revision:   def.Revision,
		Source:     def.Source,
		LoadedAt:   def.LoadedAt,
	}
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.deps.Definitions.List()
	out := make([]definitionSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summarize(def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": out})
}

// handleDiagram renders a definition, optionally overlaid with the current
// state of ?instance=. ?format= is mermaid (default), text, png or svg.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, err := s.deps.Definitions.MustGet(r.PathValue("object"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	var inst *store.Instance
	if id := r.URL.Query().Get("instance"); id != "" {
		inst, err = s.deps.Store.GetInstance(ctx, id)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}
		if inst.ObjectType != def.ObjectType {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("instance %s is a %s", id, inst.ObjectType))
			return
		}
	}
	model := diagram.Build(def, inst)

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "png", "svg":
		img, err := diagram.RenderImage(ctx, model, diagram.Format(format))
		if err != nil {
			s.deps.Logger.Error("diagram render failed", "object_type", def.ObjectType, "error", err)
			writeError(w, http.StatusInternalServerError, "render failed")
			return
		}
		if format == "png" {
			w.Header().Set("Content-Type", "image/png")
		} else {
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}
