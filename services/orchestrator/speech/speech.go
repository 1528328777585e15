// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package speech turns a finished answer into transport-ready audio.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
)

const (
	// MaxInputChars is the TTS input limit per request.
	MaxInputChars = 4096

	// DefaultTimeout bounds one Encode call.
	DefaultTimeout = 20 * time.Second

	// maxParallel caps concurrent synthesis requests for one answer.
	maxParallel = 4
)

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("speech: empty text")

// Encoder splits, synthesizes and base64-encodes text.
type Encoder struct {
	synth    llm.SpeechSynthesizer
	splitter textsplitter.TextSplitter
	timeout  time.Duration
}

// NewEncoder creates an Encoder. timeout <= 0 uses DefaultTimeout.
func NewEncoder(synth llm.SpeechSynthesizer, timeout time.Duration) *Encoder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Encoder{
		synth: synth,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(MaxInputChars),
			textsplitter.WithChunkOverlap(0),
		),
		timeout: timeout,
	}
}

// Encode returns base64 audio for plain text.
//
// # Description
//
// Text longer than MaxInputChars is split on paragraph, line and word
// boundaries. Chunks are synthesized concurrently and their audio is
// concatenated in order; mp3 frames concatenate into a playable stream.
// The whole call is bounded by the encoder timeout.
//
// # Outputs
//
//   - string: Standard base64 of the concatenated audio.
//   - error: ErrEmptyText, a synthesis error, or the deadline error.
func (e *Encoder) Encode(ctx context.Context, plain string) (string, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return "", ErrEmptyText
	}

	chunks, err := e.split(plain)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	audio := make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, chunk := range chunks {
		g.Go(func() error {
			b, err := e.synth.Synthesize(gctx, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			audio[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(bytes.Join(audio, nil)), nil
}

func (e *Encoder) split(plain string) ([]string, error) {
	if len([]rune(plain)) <= MaxInputChars {
		return []string{plain}, nil
	}
	chunks, err := e.splitter.SplitText(plain)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyText
	}
	return out, nil
}
