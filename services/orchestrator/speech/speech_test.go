// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSynth returns "[x]" where x is the first rune of the input.
type fakeSynth struct {
	mu     sync.Mutex
	inputs []string
	err    error
	block  bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	r, _ := utf8.DecodeRuneInString(text)
	return []byte("[" + string(r) + "]"), nil
}

func decode(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return string(b)
}

func TestEncode_Short(t *testing.T) {
	synth := &fakeSynth{}
	e := NewEncoder(synth, 0)

	out, err := e.Encode(context.Background(), "  Dobar dan!  ")
	require.NoError(t, err)
	assert.Equal(t, "[D]", decode(t, out))
	assert.Equal(t, []string{"Dobar dan!"}, synth.inputs)
}

func TestEncode_SplitsLongTextInOrder(t *testing.T) {
	synth := &fakeSynth{}
	e := NewEncoder(synth, 0)

	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000) + "\n\n" + strings.Repeat("č", 3000)
	out, err := e.Encode(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, "[a][b][č]", decode(t, out))
	require.Len(t, synth.inputs, 3)
	for _, in := range synth.inputs {
		assert.LessOrEqual(t, utf8.RuneCountInString(in), MaxInputChars)
	}
}

func TestEncode_Empty(t *testing.T) {
	e := NewEncoder(&fakeSynth{}, 0)
	_, err := e.Encode(context.Background(), " \n ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestEncode_SynthError(t *testing.T) {
	boom := errors.New("tts unavailable")
	e := NewEncoder(&fakeSynth{err: boom}, 0)

	_, err := e.Encode(context.Background(), "Dobar dan")
	assert.ErrorIs(t, err, boom)
}

func TestEncode_Timeout(t *testing.T) {
	e := NewEncoder(&fakeSynth{block: true}, 20*time.Millisecond)

	_, err := e.Encode(context.Background(), "Dobar dan")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
