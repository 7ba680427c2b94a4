// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianSubstrate/services/llm"
)

// CompressionRatio is the target output/input length for SUMMARIZE.
const CompressionRatio = 0.25

const summarizeChunkSize = 4000

const summarizeSystem = "You are a context summarizer. Compress the given text " +
	"to roughly a quarter of its length. Keep every identifier, decision, and " +
	"numeric fact; drop pleasantries and repetition. Output only the summary."

// Summarizer implements the SUMMARIZE recovery action: chunk the
// oversized context, compress each chunk through the chat client, and
// join the parts.
type Summarizer struct {
	chat     llm.ChatClient
	splitter textsplitter.TextSplitter
}

// NewSummarizer creates the summarizer around a chat backend.
func NewSummarizer(chat llm.ChatClient) *Summarizer {
	return &Summarizer{
		chat: chat,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(summarizeChunkSize),
			textsplitter.WithChunkOverlap(200),
		),
	}
}

// Compress shrinks text toward CompressionRatio. Short inputs pass
// through unchanged: there is nothing to win below one chunk of slack.
func (s *Summarizer) Compress(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("summarize: empty context")
	}
	if len(text) <= summarizeChunkSize/4 {
		return text, nil
	}

	chunks, err := s.splitter.SplitText(text)
	if err != nil {
		return "", fmt.Errorf("summarize: split context: %w", err)
	}

	maxTokens := int(float64(summarizeChunkSize) * CompressionRatio / 4)
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		resp, err := s.chat.Chat(ctx, llm.ChatRequest{
			Messages:  llm.SystemPrompt(summarizeSystem, chunk),
			MaxTokens: llm.IntPtr(maxTokens),
		})
		if err != nil {
			return "", fmt.Errorf("summarize: chunk %d of %d: %w", i+1, len(chunks), err)
		}
		parts = append(parts, strings.TrimSpace(resp.Content))
	}
	return strings.Join(parts, "\n\n"), nil
}
