// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation runs chat turns end to end.
//
// # Description
//
// A turn is split in two calls so the transport can answer the POST
// quickly and stream separately:
//
//	BeginTurn   validate, take the session's turn slot, record the user
//	            turn, classify, retrieve, then either short-circuit to
//	            the booking link or leave a pending turn.
//	StreamTurn  claim the pending turn, stream frames, finalize, release
//	            the slot.
//
// The slot is held from BeginTurn until the turn is finalized, fails,
// short-circuits or is abandoned, so two turns of one session never
// interleave. A pending turn that nobody streams within PendingTimeout is
// abandoned: its user turn stays and no assistant turn is written.
//
// # Thread Safety
//
// Service is safe for concurrent use across sessions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/finalizer"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/routing"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/sessions"
)

// DefaultPendingTimeout is how long a pending turn waits for StreamTurn.
const DefaultPendingTimeout = 2 * time.Minute

// =============================================================================
// Collaborators
// =============================================================================

// Augmenter returns retrieval context for an utterance.
type Augmenter interface {
	Augment(ctx context.Context, utterance string) (datatypes.ContextResult, error)
}

// Streamer streams one completion as frames.
type Streamer interface {
	Respond(ctx context.Context, messages []datatypes.Message, emit datatypes.FrameFunc) (string, error)
}

// Finalizer commits finished turns.
type Finalizer interface {
	Finalize(ctx context.Context, in finalizer.Input) (finalizer.Result, error)
	Persist(ctx context.Context, sessionID string)
}

// Options wires a Service. Store, Slots, Router, Responder and Finalizer
// are required; Augmenter may be nil, in which case RetrieveContext turns
// are answered without context.
type Options struct {
	Store      *sessions.Store
	Slots      *sessions.TurnSlots
	Router     routing.Classifier
	Augmenter  Augmenter
	Responder  Streamer
	Finalizer  Finalizer
	Scheduling SchedulingConfig

	PendingTimeout time.Duration
	Metrics        *observability.Metrics
	Logger         *slog.Logger
	Now            func() time.Time
}

// =============================================================================
// Service
// =============================================================================

// Service implements begin_turn, stream_turn, fetch_followups,
// fetch_audio, reset and transcript export.
type Service struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*pendingTurn
	outputs map[string]*outputsHandle

	// waiting counts callers queued on a session's slot that supersede
	// whatever turn is pending there.
	waiting map[string]int
}

// pendingTurn is a classified turn waiting for StreamTurn.
type pendingTurn struct {
	utterance string
	prompt    string
	flags     datatypes.TurnFlags
	decision  datatypes.RoutingDecision
	release   func()
	timer     *time.Timer
	outputs   *outputsHandle
}

// outputsHandle carries the follow-ups and audio of one turn. It resolves
// once the turn that owns it is finalized or dropped.
type outputsHandle struct {
	once  sync.Once
	done  chan struct{}
	job   *finalizer.FollowupJob
	audio string
}

func newOutputsHandle() *outputsHandle {
	return &outputsHandle{done: make(chan struct{})}
}

func (h *outputsHandle) resolve(res finalizer.Result) {
	h.once.Do(func() {
		h.job = res.Followups
		h.audio = res.Audio
		close(h.done)
	})
}

// wait blocks until h resolves or ctx ends.
func (h *outputsHandle) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New creates a Service and registers its eviction hook on the store.
func New(opts Options) *Service {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Scheduling.Links == nil && opts.Scheduling.Messages == nil {
		opts.Scheduling = DefaultSchedulingConfig()
	}

	s := &Service{
		opts:    opts,
		pending: make(map[string]*pendingTurn),
		outputs: make(map[string]*outputsHandle),
		waiting: make(map[string]int),
	}
	opts.Store.OnEvict(func(info sessions.Info) {
		s.dropSession(info.SessionID, "evicted")
	})
	return s
}

// BeginTurn accepts one user utterance.
//
// # Description
//
// Waits for the session's previous turn to finish, records the user turn
// and a meta turn with the flags and decision, then either answers with
// the booking link (OutcomeSchedule, slot released) or leaves a pending
// turn for StreamTurn (OutcomeStream, slot held). A classification
// failure degrades to DirectAnswer; a retrieval failure degrades to no
// context.
//
// An unclaimed pending turn of the same session is abandoned first. A
// turn that is still classifying when a newer turn or a reset queues up
// registers no pending turn, so its stream finds nothing to claim.
//
// # Outputs
//
//   - RoutingOutcome: What the transport should do next.
//   - error: A ValidationError before any state change, or ctx.Err().
func (s *Service) BeginTurn(ctx context.Context, sessionID, utterance string, flags datatypes.TurnFlags) (datatypes.RoutingOutcome, error) {
	return s.beginTurn(ctx, sessionID, utterance, nil, flags)
}

// BeginTurnWithFiles is BeginTurn with uploaded documents.
//
// # Description
//
// The text of every attachment is placed in front of this turn's model
// prompt only. The stored user turn, the classifier input and later
// turns see the utterance alone.
func (s *Service) BeginTurnWithFiles(ctx context.Context, sessionID, utterance string, files []datatypes.Attachment, flags datatypes.TurnFlags) (datatypes.RoutingOutcome, error) {
	return s.beginTurn(ctx, sessionID, utterance, files, flags)
}

func (s *Service) beginTurn(ctx context.Context, sessionID, utterance string, files []datatypes.Attachment, flags datatypes.TurnFlags) (datatypes.RoutingOutcome, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return datatypes.RoutingOutcome{}, err
	}
	if strings.TrimSpace(utterance) == "" {
		return datatypes.RoutingOutcome{}, datatypes.NewValidationError("utterance is required")
	}
	logger := s.opts.Logger.With("session_id", sessionID)

	release, err := s.acquireSuperseding(ctx, sessionID, "superseded")
	if err != nil {
		return datatypes.RoutingOutcome{}, err
	}
	held := true
	defer func() {
		if held {
			release()
		}
	}()

	info, _, err := s.opts.Store.GetOrCreate(sessionID)
	if err != nil {
		return datatypes.RoutingOutcome{}, err
	}
	logger = logger.With("conversation_id", info.ConversationID)

	if err := s.opts.Store.Append(sessionID, datatypes.Turn{
		Role:      datatypes.RoleUser,
		Content:   utterance,
		CreatedAt: s.opts.Now(),
	}); err != nil {
		return datatypes.RoutingOutcome{}, datatypes.NewInternalError("append user turn", err)
	}
	logger.Info("Turn accepted", "utterance_bytes", len(utterance), "language", flags.Lang())

	decision, err := s.opts.Router.Classify(ctx, utterance)
	if err != nil && !errors.Is(err, datatypes.ErrClassification) {
		return datatypes.RoutingOutcome{}, err
	}

	prompt := utterance
	if decision == datatypes.RetrieveContext && s.opts.Augmenter != nil {
		res, err := s.opts.Augmenter.Augment(ctx, utterance)
		if err != nil {
			return datatypes.RoutingOutcome{}, err
		}
		if res.IsScheduling() {
			logger.Info("Retrieval requested scheduling, overriding the router")
			decision = datatypes.ScheduleMeeting
		} else {
			prompt = retrieval.BuildPrompt(res.Text(), utterance)
		}
	}

	if len(files) > 0 {
		prompt = withAttachments(files, prompt)
	}

	s.opts.Metrics.RecordTurn(decision.String())
	if err := s.opts.Store.Append(sessionID, flags.MetaTurn(decision, s.opts.Now())); err != nil {
		return datatypes.RoutingOutcome{}, datatypes.NewInternalError("append meta turn", err)
	}

	if decision == datatypes.ScheduleMeeting {
		s.clearOutputs(sessionID)
		s.opts.Finalizer.Persist(ctx, sessionID)
		link, message := s.opts.Scheduling.Localize(flags.Lang())
		logger.Info("Turn answered with the scheduling link")
		return datatypes.RoutingOutcome{
			Kind:              datatypes.OutcomeSchedule,
			Decision:          decision,
			ConversationID:    info.ConversationID,
			SchedulingLink:    link,
			SchedulingMessage: message,
		}, nil
	}

	p := &pendingTurn{
		utterance: utterance,
		prompt:    prompt,
		flags:     flags,
		decision:  decision,
		release:   release,
	}
	s.mu.Lock()
	if s.waiting[sessionID] > 0 {
		// A newer turn or a reset queued up while this one was classifying.
		delete(s.outputs, sessionID)
		s.mu.Unlock()
		logger.Info("Pending turn abandoned", "reason", "superseded")
		return datatypes.RoutingOutcome{
			Kind:           datatypes.OutcomeStream,
			Decision:       decision,
			ConversationID: info.ConversationID,
		}, nil
	}
	if flags.SuggestQuestions || flags.PlayAudio {
		p.outputs = newOutputsHandle()
		s.outputs[sessionID] = p.outputs
	} else {
		delete(s.outputs, sessionID)
	}
	s.pending[sessionID] = p
	p.timer = time.AfterFunc(s.opts.PendingTimeout, func() {
		s.abandon(sessionID, p, "timeout")
	})
	s.mu.Unlock()
	held = false

	logger.Debug("Turn pending", "decision", decision.String())
	return datatypes.RoutingOutcome{
		Kind:           datatypes.OutcomeStream,
		Decision:       decision,
		ConversationID: info.ConversationID,
	}, nil
}

// StreamTurn streams the pending turn of sessionID into emit.
//
// # Description
//
// Frames go to emit in order: in-progress frames with the cursor glyph,
// then the final frame with Done set. When speech was requested and
// succeeded, one more frame with the same content and the audio follows;
// clients that stop at the final frame fetch it with FetchAudio. On any
// error before the final frame the transcript keeps only the user's turn.
//
// # Outputs
//
//   - error: A ValidationError when no turn is pending, the model error,
//     ctx.Err(), or the error returned by emit.
func (s *Service) StreamTurn(ctx context.Context, sessionID string, emit datatypes.FrameFunc) error {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return err
	}
	p, ok := s.claim(sessionID)
	if !ok {
		return datatypes.NewValidationError("no pending turn for this session")
	}
	defer p.release()
	// Resolves to empty if finalize never hands over a result.
	if p.outputs != nil {
		defer p.outputs.resolve(finalizer.Result{})
	}

	logger := s.opts.Logger.With("session_id", sessionID)

	turns, _, err := s.opts.Store.Snapshot(sessionID)
	if err != nil {
		return datatypes.NewInternalError("snapshot transcript", err)
	}
	messages := projectWithPrompt(turns, p.prompt)

	final, err := s.opts.Responder.Respond(ctx, messages, emit)
	if err != nil {
		logger.Warn("Turn ended without an answer", "error", err)
		return err
	}

	res, err := s.opts.Finalizer.Finalize(ctx, finalizer.Input{
		SessionID: sessionID,
		Utterance: p.utterance,
		Flags:     p.flags,
		Content:   final,
	})
	if err != nil {
		logger.Error("Failed to finalize turn", "error", err)
		return err
	}
	if p.outputs != nil {
		p.outputs.resolve(res)
	}

	if res.Audio != "" {
		if err := emit(datatypes.Frame{Content: final, Audio: res.Audio, Done: true}); err != nil {
			return err
		}
	}
	return nil
}

// FetchFollowups returns the suggested questions of the latest turn. It
// waits for in-flight generation, bounded by ctx. Generation failures
// yield an empty list.
func (s *Service) FetchFollowups(ctx context.Context, sessionID string) ([]string, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	h := s.outputsOf(sessionID)
	if h == nil {
		return []string{}, nil
	}
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	if h.job == nil {
		return []string{}, nil
	}

	questions, err := h.job.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.opts.Logger.Debug("Follow-ups unavailable", "session_id", sessionID, "error", err)
		return []string{}, nil
	}
	return questions, nil
}

// FetchAudio returns the base64 speech of the latest turn, waiting for
// synthesis still in flight, bounded by ctx. It is empty when speech was
// not requested or failed.
func (s *Service) FetchAudio(ctx context.Context, sessionID string) (string, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	h := s.outputsOf(sessionID)
	if h == nil {
		return "", nil
	}
	if err := h.wait(ctx); err != nil {
		return "", err
	}
	return h.audio, nil
}

// Reset truncates the session to its system turn and rotates the
// conversation id. It waits for an in-flight turn to finish first.
func (s *Service) Reset(ctx context.Context, sessionID string) (string, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	release, err := s.acquireSuperseding(ctx, sessionID, "reset")
	if err != nil {
		return "", err
	}
	defer release()

	if _, _, err := s.opts.Store.GetOrCreate(sessionID); err != nil {
		return "", err
	}
	conversationID, err := s.opts.Store.Reset(sessionID)
	if err != nil {
		return "", datatypes.NewInternalError("reset transcript", err)
	}
	s.clearOutputs(sessionID)

	s.opts.Logger.Info("Session reset",
		"session_id", sessionID,
		"conversation_id", conversationID)
	return conversationID, nil
}

// Transcript returns a copy of every turn, meta turns included. It does
// not wait for an in-flight turn.
func (s *Service) Transcript(sessionID string) ([]datatypes.Turn, string, error) {
	if err := datatypes.ValidateSessionID(sessionID); err != nil {
		return nil, "", err
	}
	turns, conversationID, err := s.opts.Store.Snapshot(sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("transcript: %w", err)
	}
	return turns, conversationID, nil
}

// Close abandons every pending turn.
func (s *Service) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.dropPending(id, "shutdown")
	}
}

// =============================================================================
// Pending turns
// =============================================================================

// acquireSuperseding takes the session's turn slot. The pending turn is
// dropped, and a turn still classifying will not register one while the
// caller waits.
func (s *Service) acquireSuperseding(ctx context.Context, sessionID, reason string) (func(), error) {
	s.mu.Lock()
	s.waiting[sessionID]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.waiting[sessionID]--; s.waiting[sessionID] <= 0 {
			delete(s.waiting, sessionID)
		}
		s.mu.Unlock()
	}()

	s.dropPending(sessionID, reason)
	return s.opts.Slots.Acquire(ctx, sessionID)
}

func (s *Service) claim(sessionID string) (*pendingTurn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sessionID]
	if !ok {
		return nil, false
	}
	delete(s.pending, sessionID)
	p.timer.Stop()
	return p, true
}

func (s *Service) dropPending(sessionID, reason string) {
	s.mu.Lock()
	p := s.pending[sessionID]
	s.mu.Unlock()
	if p != nil {
		s.abandon(sessionID, p, reason)
	}
}

// abandon drops p if it is still the pending turn of sessionID.
func (s *Service) abandon(sessionID string, p *pendingTurn, reason string) {
	s.mu.Lock()
	if s.pending[sessionID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, sessionID)
	p.timer.Stop()
	s.mu.Unlock()

	if p.outputs != nil {
		p.outputs.resolve(finalizer.Result{})
	}
	p.release()
	s.opts.Logger.Info("Pending turn abandoned", "session_id", sessionID, "reason", reason)
}

func (s *Service) outputsOf(sessionID string) *outputsHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs[sessionID]
}

func (s *Service) clearOutputs(sessionID string) {
	s.mu.Lock()
	delete(s.outputs, sessionID)
	s.mu.Unlock()
}

func (s *Service) dropSession(sessionID, reason string) {
	s.dropPending(sessionID, reason)
	s.clearOutputs(sessionID)
}

// projectWithPrompt projects turns for the model and swaps the last user
// message for the augmented prompt.
func projectWithPrompt(turns []datatypes.Turn, prompt string) []datatypes.Message {
	messages := datatypes.Project(turns)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(datatypes.RoleUser) {
			messages[i].Content = prompt
			break
		}
	}
	return messages
}

// withAttachments puts the uploaded documents in front of prompt.
//
//	withAttachments([]datatypes.Attachment{{Name: "ponuda.txt", Text: "Cena: 100"}}, "Koliko košta?")
//	// "Document ponuda.txt:\nCena: 100\n\nKoliko košta?"
func withAttachments(files []datatypes.Attachment, prompt string) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString("Document ")
		b.WriteString(f.Name)
		b.WriteString(":\n")
		b.WriteString(strings.TrimSpace(f.Text))
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}
