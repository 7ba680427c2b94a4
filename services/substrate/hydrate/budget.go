// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydrate

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// budgetEncoding is the tokenizer used for context accounting. Exact
// per-model counts matter less than a stable, conservative measure.
const budgetEncoding = "cl100k_base"

// Budget counts system-prompt tokens against the configured maximum.
//
// Thread Safety: safe for concurrent use after construction.
type Budget struct {
	encoding  *tiktoken.Tiktoken
	maxTokens int
}

// NewBudget builds a Budget for maxTokens. When the tiktoken encoding
// cannot be initialized (offline environments), counting falls back to
// a chars/4 estimate rather than failing hydration.
func NewBudget(maxTokens int, logger *slog.Logger) *Budget {
	if maxTokens <= 0 {
		return nil
	}
	enc, err := tiktoken.GetEncoding(budgetEncoding)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("Token encoding unavailable, using estimate", "encoding", budgetEncoding, "error", err)
		enc = nil
	}
	return &Budget{encoding: enc, maxTokens: maxTokens}
}

// MaxTokens returns the configured ceiling.
func (b *Budget) MaxTokens() int { return b.maxTokens }

// Count returns the token count of text.
func (b *Budget) Count(text string) int {
	if b.encoding == nil {
		return len(text) / 4
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// Check counts text and reports whether it exceeds the budget.
func (b *Budget) Check(text string) (tokens int, overflow bool) {
	tokens = b.Count(text)
	return tokens, tokens > b.maxTokens
}
