package marshal

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"ecstore/internal/domain"
	"ecstore/internal/mapping"
)

// programCache keeps compiled calculated-property expressions
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*vm.Program)}
}

func (c *programCache) get(source string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.programs[source]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double check
	if prog, ok := c.programs[source]; ok {
		return prog, nil
	}

	// Records differ in which properties they carry, so compile without a
	// typed environment
	prog, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	c.programs[source] = prog
	return prog, nil
}

// applyCalculated overwrites calculated properties with their evaluated
// values. Every expression sees the record as it was before any of them ran.
func (b *Binder) applyCalculated(cm *mapping.ClassMap, rec Record) error {
	var env map[string]any
	for i := range cm.Properties {
		pm := &cm.Properties[i]
		if pm.Calculated == "" {
			continue
		}
		if env == nil {
			env, _ = envValue(rec).(map[string]any)
		}
		prog, err := b.programs.get(pm.Calculated)
		if err != nil {
			return &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: pm.Path, Err: err}
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return &Error{Kind: KindMalformedRecord, Class: cm.Name, Path: pm.Path, Message: "failed to evaluate", Err: err}
		}
		if out == nil {
			deletePath(rec, pm.Path)
			continue
		}
		val, err := normalizeLeaf(cm.Name, pm.Path, pm.Type, out)
		if err != nil {
			return err
		}
		setPath(rec, pm.Path, val)
	}
	return nil
}

// envValue converts canonical values into plain maps and numbers that
// expressions can address (Origin.X, Owner.id)
func envValue(v any) any {
	switch val := v.(type) {
	case Record:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = envValue(item)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = envValue(item)
		}
		return out
	case Navigation:
		return map[string]any{"id": int64(val.ID), "className": val.Class}
	case Point2d:
		return map[string]any{"X": val.X, "Y": val.Y}
	case Point3d:
		return map[string]any{"X": val.X, "Y": val.Y, "Z": val.Z}
	case domain.InstanceID:
		return int64(val)
	}
	return v
}
