// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/dispatch"
	"github.com/AleutianAI/AleutianSubstrate/services/substrate/store"
)

// maxFileReadBytes caps the file_read tool so a tool result never
// balloons a prompt.
const maxFileReadBytes = 1 << 20

const defaultSearchTopK = 5

// buildToolRegistry registers the built-in tool set. These are the
// process-local tools every deployment carries; deployments add their
// own through Service.Tools().
func buildToolRegistry(packets store.PacketStore, index store.SemanticIndex, embedder llm.Embedder, logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry()

	register := func(tool dispatch.Tool) {
		if err := registry.Register(tool); err != nil {
			logger.Warn("Tool registration failed", "tool_id", tool.ID(), "error", err)
		}
	}

	register(&dispatch.FuncTool{
		ToolID: "file_read",
		Desc:   "Read a file from the local filesystem (capped at 1 MiB)",
		Params: []dispatch.ParamDef{
			{Name: "path", Type: "string", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			info, err := os.Stat(path)
			if err != nil {
				return nil, err
			}
			if info.Size() > maxFileReadBytes {
				return nil, fmt.Errorf("file exceeds %d bytes", maxFileReadBytes)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "content": string(data)}, nil
		},
	})

	register(&dispatch.FuncTool{
		ToolID: "file_write",
		Desc:   "Write content to a file on the local filesystem",
		Params: []dispatch.ParamDef{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "bytes": len(content)}, nil
		},
	})

	register(&dispatch.FuncTool{
		ToolID: "list_directory",
		Desc:   "List the entries of a directory, sorted by name",
		Params: []dispatch.ParamDef{
			{Name: "path", Type: "string", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]any{"path": path, "entries": names}, nil
		},
	})

	if index != nil && embedder != nil {
		register(&dispatch.FuncTool{
			ToolID: "search",
			Desc:   "Semantic search over the substrate memory index",
			Params: []dispatch.ParamDef{
				{Name: "query", Type: "string", Required: true},
				{Name: "top_k", Type: "int", Required: false},
				{Name: "agent_id", Type: "string", Required: false},
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				topK := defaultSearchTopK
				if v, ok := args["top_k"].(float64); ok && v > 0 {
					topK = int(v)
				}
				agentID, _ := args["agent_id"].(string)

				vectors, err := embedder.Embed(ctx, []string{query})
				if err != nil {
					return nil, fmt.Errorf("embed query: %w", err)
				}
				matches, err := index.Search(ctx, vectors[0], topK, agentID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"query": query, "matches": matches}, nil
			},
		})

		register(&dispatch.FuncTool{
			ToolID: "memory_store",
			Desc:   "Embed a text and store it in the semantic memory index",
			Params: []dispatch.ParamDef{
				{Name: "text", Type: "string", Required: true},
				{Name: "agent_id", Type: "string", Required: false},
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				text, _ := args["text"].(string)
				agentID, _ := args["agent_id"].(string)

				vectors, err := embedder.Embed(ctx, []string{text})
				if err != nil {
					return nil, fmt.Errorf("embed text: %w", err)
				}
				id := uuid.NewString()
				payload := map[string]any{"text": text}
				if err := index.Upsert(ctx, id, vectors[0], payload, agentID); err != nil {
					return nil, err
				}
				return map[string]any{"embedding_id": id}, nil
			},
		})
	}

	register(&dispatch.FuncTool{
		ToolID: "health_check",
		Desc:   "Check packet store reachability",
		Params: nil,
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			if packets == nil {
				return map[string]any{"packet_store": "not configured"}, nil
			}
			if err := packets.Ping(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"packet_store": "ok"}, nil
		},
	})

	return registry
}
