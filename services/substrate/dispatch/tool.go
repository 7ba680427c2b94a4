// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch is the single gate for agent side effects: every
// tool invocation passes validation, safety classification, governance,
// timeout-bounded execution, and dual-channel audit before its result
// reaches the caller.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/telemetry"
)

// ParamDef describes one argument a tool accepts.
type ParamDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Tool is an invocable capability. Implementations must be safe for
// concurrent invocation.
type Tool interface {
	ID() string
	Description() string
	Schema() []ParamDef
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolID string
	Desc   string
	Params []ParamDef
	Fn     func(ctx context.Context, args map[string]any) (any, error)
}

// ID implements Tool.
func (t *FuncTool) ID() string { return t.ToolID }

// Description implements Tool.
func (t *FuncTool) Description() string { return t.Desc }

// Schema implements Tool.
func (t *FuncTool) Schema() []ParamDef { return t.Params }

// Invoke implements Tool.
func (t *FuncTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.Fn(ctx, args)
}

// Registry holds the registered tools. Registration also reserves the
// tool id as a metrics label so dispatch counters stay bounded.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.ID() == "" {
		return fmt.Errorf("dispatch: tool without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.ID()] = tool
	telemetry.RegisterToolID(tool.ID())
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(toolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, toolID)
}

// Get returns the tool and whether it exists.
func (r *Registry) Get(toolID string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[toolID]
	return tool, ok
}

// Names returns the registered tool ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for id := range r.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the registered tool count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
