// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package finalizer commits a streamed answer and runs the post-processing
// that follows it.
//
// # Description
//
// Finalize appends the assistant turn, then runs speech synthesis and
// persistence side by side. Follow-up generation is started in the
// background and handed back as a FollowupJob, so the caller is never
// blocked on it. Everything after the append is best-effort: a failure is
// logged and counted, and the assistant turn stays in place.
package finalizer

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/markup"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/persistence"
)

const (
	// DefaultPersistTimeout bounds one persistence call.
	DefaultPersistTimeout = 10 * time.Second

	// DefaultFollowupTimeout bounds background follow-up generation.
	DefaultFollowupTimeout = 30 * time.Second

	// DefaultSpeechTimeout bounds speech synthesis of one answer.
	DefaultSpeechTimeout = 60 * time.Second
)

// TranscriptStore is the part of the session store the finalizer writes.
type TranscriptStore interface {
	Append(sessionID string, turns ...datatypes.Turn) error
	Snapshot(sessionID string) ([]datatypes.Turn, string, error)
}

// SpeechEncoder produces base64 audio for plain text.
type SpeechEncoder interface {
	Encode(ctx context.Context, plain string) (string, error)
}

// Followups generates follow-up questions.
type Followups interface {
	Generate(ctx context.Context, question, answer, lang string) ([]string, error)
}

// Config holds the finalizer collaborators. Followups, Speech and
// Persister may be nil.
type Config struct {
	Store           TranscriptStore
	Followups       Followups
	Speech          SpeechEncoder
	Persister       persistence.Persister
	Metrics         *observability.Metrics
	Logger          *slog.Logger
	PersistTimeout  time.Duration
	FollowupTimeout time.Duration
	SpeechTimeout   time.Duration
	Now             func() time.Time
}

// Finalizer commits finished turns.
type Finalizer struct {
	cfg Config
	wg  sync.WaitGroup
}

// New creates a Finalizer.
func New(cfg Config) *Finalizer {
	if cfg.Persister == nil {
		cfg.Persister = persistence.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.FollowupTimeout <= 0 {
		cfg.FollowupTimeout = DefaultFollowupTimeout
	}
	if cfg.SpeechTimeout <= 0 {
		cfg.SpeechTimeout = DefaultSpeechTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Finalizer{cfg: cfg}
}

// Input describes one finished stream.
type Input struct {
	SessionID string
	Utterance string
	Flags     datatypes.TurnFlags

	// Content is the final display text, without the cursor glyph.
	Content string
}

// Result is what the transport still needs after the final frame.
type Result struct {
	// Audio is base64 speech, empty unless requested and successful.
	Audio string

	// Followups is nil unless follow-ups were requested.
	Followups *FollowupJob
}

// Finalize commits in.Content as the assistant turn.
//
// # Description
//
// An empty final buffer appends nothing. Otherwise the assistant turn is
// appended first; if that fails the error is returned and nothing else
// runs. Speech and persistence then run in parallel and are bounded by
// their own timeouts. Persistence is detached from ctx so a client that
// leaves right after the last frame does not lose the transcript.
//
// # Outputs
//
//   - Result: Audio and the follow-up job, when requested.
//   - error: Only the append error.
func (f *Finalizer) Finalize(ctx context.Context, in Input) (Result, error) {
	var res Result
	logger := f.cfg.Logger.With("session_id", in.SessionID)

	if strings.TrimSpace(in.Content) == "" {
		logger.Warn("Model returned an empty answer, no assistant turn written")
		f.Persist(ctx, in.SessionID)
		return res, nil
	}

	err := f.cfg.Store.Append(in.SessionID, datatypes.Turn{
		Role:      datatypes.RoleAssistant,
		Content:   in.Content,
		CreatedAt: f.cfg.Now(),
	})
	if err != nil {
		return res, datatypes.NewInternalError("append assistant turn", err)
	}

	plain := markup.PlainText(in.Content)

	if in.Flags.SuggestQuestions && f.cfg.Followups != nil {
		res.Followups = f.startFollowups(ctx, in, plain)
	}

	var g errgroup.Group
	if in.Flags.PlayAudio && f.cfg.Speech != nil {
		g.Go(func() error {
			// The client may hang up after the final frame and still
			// fetch the audio.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.SpeechTimeout)
			defer cancel()
			audio, err := f.cfg.Speech.Encode(ctx, plain)
			f.cfg.Metrics.RecordPostprocess(observability.StepSpeech, err == nil)
			if err != nil {
				logger.Warn("Speech synthesis failed", "error", err)
				return nil
			}
			res.Audio = audio
			return nil
		})
	}
	g.Go(func() error {
		f.Persist(ctx, in.SessionID)
		return nil
	})
	_ = g.Wait()

	return res, nil
}

// Persist hands the current transcript to the persister. Failures are
// logged and counted, never returned.
func (f *Finalizer) Persist(ctx context.Context, sessionID string) {
	turns, conversationID, err := f.cfg.Store.Snapshot(sessionID)
	if err != nil {
		f.cfg.Logger.Warn("Transcript snapshot failed, not persisted",
			"session_id", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.PersistTimeout)
	defer cancel()

	backend := f.cfg.Persister.Name()
	err = f.cfg.Persister.Persist(ctx, conversationID, turns)
	f.cfg.Metrics.RecordPersist(backend, err == nil)
	if err != nil {
		f.cfg.Logger.Error("Failed to persist transcript",
			"session_id", sessionID,
			"conversation_id", conversationID,
			"backend", backend,
			"error", err)
		return
	}
	f.cfg.Logger.Debug("Transcript persisted",
		"session_id", sessionID,
		"conversation_id", conversationID,
		"backend", backend,
		"turns", len(turns))
}

func (f *Finalizer) startFollowups(ctx context.Context, in Input, plain string) *FollowupJob {
	job := newFollowupJob()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.FollowupTimeout)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		questions, err := f.cfg.Followups.Generate(ctx, in.Utterance, plain, in.Flags.Lang())
		f.cfg.Metrics.RecordPostprocess(observability.StepFollowups, err == nil)
		if err != nil {
			f.cfg.Logger.Warn("Follow-up generation failed",
				"session_id", in.SessionID, "error", err)
		}
		job.finish(questions, err)
	}()
	return job
}

// Wait blocks until background follow-up jobs have finished.
func (f *Finalizer) Wait() {
	f.wg.Wait()
}

// FollowupJob is an in-flight follow-up generation.
type FollowupJob struct {
	done      chan struct{}
	questions []string
	err       error
}

func newFollowupJob() *FollowupJob {
	return &FollowupJob{done: make(chan struct{})}
}

// ReadyFollowups returns a finished job holding questions.
func ReadyFollowups(questions []string) *FollowupJob {
	j := newFollowupJob()
	j.finish(questions, nil)
	return j
}

func (j *FollowupJob) finish(questions []string, err error) {
	j.questions, j.err = questions, err
	close(j.done)
}

// Wait returns the questions once generation finished, or ctx.Err().
// A failed generation yields an empty list and its error. Every caller
// gets its own copy.
func (j *FollowupJob) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-j.done:
		if j.questions == nil {
			return []string{}, j.err
		}
		return slices.Clone(j.questions), j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when generation finished.
func (j *FollowupJob) Done() <-chan struct{} { return j.done }
