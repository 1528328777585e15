// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package finalizer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
)

// DefaultFollowupCount is the number of suggested questions per answer.
const DefaultFollowupCount = 3

// followupHeaders are header lines models like to prepend.
var followupHeaders = []string{"predložena pitanja", "predlozena pitanja", "suggested questions"}

// FollowupGenerator asks the model for short next questions.
type FollowupGenerator struct {
	client llm.LLMClient
	count  int
}

// NewFollowupGenerator creates a generator. count <= 0 uses
// DefaultFollowupCount.
func NewFollowupGenerator(client llm.LLMClient, count int) *FollowupGenerator {
	if count <= 0 {
		count = DefaultFollowupCount
	}
	return &FollowupGenerator{client: client, count: count}
}

// Generate returns up to count follow-up questions for one exchange.
//
// # Inputs
//
//   - question: The user's utterance.
//   - answer: The assistant answer as plain text.
//   - lang: "sr" or "en".
func (g *FollowupGenerator) Generate(ctx context.Context, question, answer, lang string) ([]string, error) {
	temperature := float32(0.7)
	raw, err := g.client.Chat(ctx, []datatypes.Message{
		{Role: string(datatypes.RoleSystem), Content: followupInstruction(g.count, lang)},
		{Role: string(datatypes.RoleUser), Content: "Question: " + question + "\n\nAnswer: " + answer},
	}, llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		return nil, err
	}
	return ParseFollowups(raw, g.count), nil
}

func followupInstruction(count int, lang string) string {
	language := "Serbian (Latin script)"
	if lang == "en" {
		language = "English"
	}
	return fmt.Sprintf("You suggest what a website visitor could ask next. "+
		"Given the last question and answer, write exactly %d short follow-up questions in %s, "+
		"written as the visitor would type them. One question per line, no numbering, no introduction.",
		count, language)
}

// ParseFollowups extracts at most count questions from model output.
//
// # Description
//
// Drops header lines such as "Predložena pitanja:", list numbering,
// bullets and surrounding quotes. Blank entries are skipped.
//
// # Examples
//
//	ParseFollowups("Suggested questions:\n1. \"Koliko košta?\"\n\n- Kako da počnem?", 3)
//	// []string{"Koliko košta?", "Kako da počnem?"}
func ParseFollowups(raw string, count int) []string {
	out := make([]string, 0, count)
	for _, line := range strings.Split(raw, "\n") {
		if len(out) == count {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || isFollowupHeader(line) {
			continue
		}
		line = stripListMarker(line)
		line = strings.Trim(line, "\"'“”„*` ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func isFollowupHeader(line string) bool {
	l := strings.ToLower(strings.Trim(line, "*#: "))
	for _, h := range followupHeaders {
		if l == h {
			return true
		}
	}
	return false
}

// stripListMarker removes "1.", "1)", "-", "*" or "•" at the start.
func stripListMarker(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimLeftFunc(line[i+1:], unicode.IsSpace)
	}
	for _, m := range []string{"-", "*", "•"} {
		if strings.HasPrefix(line, m) {
			return strings.TrimLeftFunc(line[len(m):], unicode.IsSpace)
		}
	}
	return line
}
