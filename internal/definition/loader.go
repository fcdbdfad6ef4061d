package definition

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/lifecycle/internal/expressions"
	"github.com/rendis/lifecycle/internal/validation"
	"github.com/rendis/lifecycle/pkg/schema"
	"gopkg.in/yaml.v3"
)

// OccupancyFunc reports whether live instances of objectType sit in
// state. An empty state asks about any state.
type OccupancyFunc func(ctx context.Context, objectType, state string) (bool, error)

// Loader reads definition files, validates them and installs them in a
// Registry. A document that fails validation is never installed.
type Loader struct {
	registry  *Registry
	validator *validation.DefinitionValidator
	compiler  *expressions.Compiler
	logger    *slog.Logger

	mu       sync.Mutex
	sources  map[string]string // file path -> object type
	occupied OccupancyFunc
}

// NewLoader creates a Loader.
func NewLoader(registry *Registry, validator *validation.DefinitionValidator, compiler *expressions.Compiler, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if compiler == nil {
		compiler = expressions.NewCompiler()
	}
	return &Loader{
		registry:  registry,
		validator: validator,
		compiler:  compiler,
		logger:    logger,
		sources:   make(map[string]string),
	}
}

// CheckOccupancy makes reloads consult fn: a reload that drops a state
// live instances occupy, and an unload of an object type that still has
// instances, are refused.
func (l *Loader) CheckOccupancy(fn OccupancyFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.occupied = fn
}

// Parse decodes, validates and compiles one YAML or JSON document without
// installing it. The result carries warnings even on success.
func (l *Loader) Parse(data []byte, source string) (*Definition, *schema.ValidationResult, error) {
	var raw any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "decode: "+err.Error())
		return nil, r, r.DefinitionError(source)
	}

	doc, result := l.validator.ValidateRaw(raw)
	if !result.Valid() {
		return nil, result, result.DefinitionError(source)
	}

	def, err := Compile(doc, l.compiler)
	if err != nil {
		return nil, result, err
	}
	def.Source = source
	return def, result, nil
}

// LoadFile parses path and installs the definition.
func (l *Loader) LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read %s: %s", path, err.Error()).WithCause(err)
	}

	def, result, err := l.Parse(data, path)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		l.logger.Warn("definition warning", "source", path, "path", w.Path, "message", w.Message)
	}

	l.mu.Lock()
	for src, obj := range l.sources {
		if obj == def.ObjectType && src != path {
			l.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: object type %q is already defined by %s", path, def.ObjectType, src)
		}
	}
	prevObj, hadPrev := l.sources[path]
	occupied := l.occupied
	l.mu.Unlock()

	if err := l.checkStranding(occupied, def, prevObj, hadPrev); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.sources[path] = def.ObjectType
	l.mu.Unlock()

	if hadPrev && prevObj != def.ObjectType {
		l.registry.Remove(prevObj)
	}

	old := l.registry.Replace(def)
	if old != nil && old.Revision != def.Revision {
		l.logger.Info("definition reloaded", "object_type", def.ObjectType, "source", path,
			"old_revision", old.Revision, "revision", def.Revision)
	} else if old == nil {
		l.logger.Info("definition loaded", "object_type", def.ObjectType, "source", path,
			"states", len(def.States), "revision", def.Revision)
	}
	return def, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir. Each file loads
// independently; failures are joined into the returned error while valid
// files are still served.
func (l *Loader) LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "read dir %s: %s", dir, err.Error()).WithCause(err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var (
		defs []*Definition
		errs []error
	)
	for _, p := range paths {
		def, err := l.LoadFile(p)
		if err != nil {
			l.logger.Error("definition refused", "source", p, "error", err)
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

// LoadPaths loads files and directories.
func (l *Loader) LoadPaths(paths []string) ([]*Definition, error) {
	var (
		defs []*Definition
		errs []error
	)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			errs = append(errs, schema.NewErrorf(schema.ErrCodeDefinition, "stat %s: %s", p, err.Error()).WithCause(err))
			continue
		}
		if info.IsDir() {
			ds, err := l.LoadDir(p)
			defs = append(defs, ds...)
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		d, err := l.LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, d)
	}
	return defs, errors.Join(errs...)
}

// Unload removes the definition loaded from path, if any. An object type
// that still has instances keeps being served and an error is returned.
func (l *Loader) Unload(path string) (bool, error) {
	l.mu.Lock()
	obj, ok := l.sources[path]
	occupied := l.occupied
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	if occupied != nil {
		busy, err := occupied(context.Background(), obj, "")
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeDefinition, "%s: check instances of %s: %s", path, obj, err.Error()).WithCause(err)
		}
		if busy {
			return false, schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: object type %q still has live instances and stays served", path, obj)
		}
	}

	l.mu.Lock()
	delete(l.sources, path)
	l.mu.Unlock()
	l.logger.Info("definition unloaded", "object_type", obj, "source", path)
	return l.registry.Remove(obj), nil
}

// checkStranding refuses def when installing it would leave live
// instances in a state, or an object type, that is no longer served.
func (l *Loader) checkStranding(occupied OccupancyFunc, def *Definition, prevObj string, hadPrev bool) error {
	if occupied == nil {
		return nil
	}
	ctx := context.Background()
	if cur, ok := l.registry.Get(def.ObjectType); ok {
		for _, name := range cur.Order {
			if _, kept := def.States[name]; kept {
				continue
			}
			busy, err := occupied(ctx, def.ObjectType, name)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeDefinition, "%s: check instances in %s: %s", def.Source, name, err.Error()).WithCause(err)
			}
			if busy {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"%s: state %q of %s is removed but live instances are in it", def.Source, name, def.ObjectType).
					WithDetails(map[string]any{"state": name})
			}
		}
	}
	if hadPrev && prevObj != def.ObjectType {
		busy, err := occupied(ctx, prevObj, "")
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition, "%s: check instances of %s: %s", def.Source, prevObj, err.Error()).WithCause(err)
		}
		if busy {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"%s: object type %q is renamed but live instances remain", def.Source, prevObj)
		}
	}
	return nil
}

// IsDefinitionFile reports whether name has a definition file extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
