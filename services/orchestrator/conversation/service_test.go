// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianConcierge/services/llm"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/finalizer"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/responder"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/sessions"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Mocks
// =============================================================================

// keywordRouter decides by substring; unmatched utterances get fallback.
// Utterances containing a key of gates wait for that channel to close.
type keywordRouter struct {
	mu       sync.Mutex
	rules    map[string]datatypes.RoutingDecision
	fallback datatypes.RoutingDecision
	err      error
	calls    int
	gates    map[string]chan struct{}
}

func (r *keywordRouter) Classify(ctx context.Context, utterance string) (datatypes.RoutingDecision, error) {
	r.mu.Lock()
	gates := r.gates
	r.mu.Unlock()
	for k, gate := range gates {
		if strings.Contains(utterance, k) {
			select {
			case <-gate:
			case <-ctx.Done():
				return datatypes.DirectAnswer, ctx.Err()
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return datatypes.DirectAnswer, r.err
	}
	for k, d := range r.rules {
		if strings.Contains(utterance, k) {
			return d, nil
		}
	}
	return r.fallback, nil
}

// streamLLM streams fixed tokens, optionally waiting on gate first.
type streamLLM struct {
	mu       sync.Mutex
	tokens   []string
	failWith error
	gate     chan struct{}
	calls    int
	messages [][]datatypes.Message
}

func (l *streamLLM) Chat(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return "Koliko košta?\nKako da počnem?\nKo ste vi?", nil
}

func (l *streamLLM) ChatJSON(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
	return `{"tool":"None"}`, nil
}

func (l *streamLLM) ChatStream(ctx context.Context, msgs []datatypes.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	l.mu.Lock()
	l.calls++
	l.messages = append(l.messages, msgs)
	tokens, failWith, gate := l.tokens, l.failWith, l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, tok := range tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if failWith != nil {
		return failWith
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (l *streamLLM) streamCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *streamLLM) lastMessages() []datatypes.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[len(l.messages)-1]
}

type fakeSpeech struct{}

func (fakeSpeech) Encode(context.Context, string) (string, error) { return "bXAz", nil }

type recordingPersister struct {
	mu    sync.Mutex
	saved map[string]int
}

func (p *recordingPersister) Persist(_ context.Context, id string, turns []datatypes.Turn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[id] = len(turns)
	return nil
}

func (p *recordingPersister) Name() string { return "recording" }

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	svc       *Service
	store     *sessions.Store
	slots     *sessions.TurnSlots
	router    *keywordRouter
	llm       *streamLLM
	retrieved datatypes.ContextResult
	persister *recordingPersister
	fin       *finalizer.Finalizer
}

func newFixture(t *testing.T, pendingTimeout time.Duration) *fixture {
	t.Helper()
	fx := &fixture{
		slots: sessions.NewTurnSlots(),
		router: &keywordRouter{
			rules: map[string]datatypes.RoutingDecision{
				"sastanak": datatypes.ScheduleMeeting,
				"sajber":   datatypes.RetrieveContext,
			},
			fallback: datatypes.DirectAnswer,
		},
		llm:       &streamLLM{tokens: []string{"Kompanija ", "**Posi", "tive**", " nudi", " zaštitu."}},
		retrieved: datatypes.TextContext("Sajber bezbednost podrazumeva..."),
		persister: &recordingPersister{saved: map[string]int{}},
	}
	var seq int
	fx.store = sessions.NewStore(sessions.StoreOptions{
		SystemPrompt: func() string { return "persona" },
		Slots:        fx.slots,
		NewConversationID: func() string {
			seq++
			return "conv-" + string(rune('0'+seq))
		},
	})
	fx.fin = finalizer.New(finalizer.Config{
		Store:     fx.store,
		Followups: finalizer.NewFollowupGenerator(fx.llm, 3),
		Speech:    fakeSpeech{},
		Persister: fx.persister,
	})
	fx.svc = New(Options{
		Store:  fx.store,
		Slots:  fx.slots,
		Router: fx.router,
		Augmenter: retrieval.NewAugmenter(retrieval.RetrieverFunc(
			func(context.Context, string) (datatypes.ContextResult, error) {
				return fx.retrieved, nil
			}), nil, nil),
		Responder:      responder.New(fx.llm, responder.WithMinFrameInterval(0)),
		Finalizer:      fx.fin,
		PendingTimeout: pendingTimeout,
	})
	t.Cleanup(func() {
		fx.svc.Close()
		fx.fin.Wait()
	})
	return fx
}

func (fx *fixture) stream(t *testing.T, sessionID string) []datatypes.Frame {
	t.Helper()
	var frames []datatypes.Frame
	err := fx.svc.StreamTurn(context.Background(), sessionID, func(f datatypes.Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func (fx *fixture) turns(t *testing.T, sessionID string) []datatypes.Turn {
	t.Helper()
	turns, _, err := fx.svc.Transcript(sessionID)
	require.NoError(t, err)
	return turns
}

func roles(turns []datatypes.Turn) []datatypes.Role {
	out := make([]datatypes.Role, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Role)
	}
	return out
}

func withoutMeta(turns []datatypes.Turn) []datatypes.Turn {
	var out []datatypes.Turn
	for _, t := range turns {
		if t.Role != datatypes.RoleMeta {
			out = append(out, t)
		}
	}
	return out
}

var sr = datatypes.TurnFlags{Language: "sr"}

// =============================================================================
// Scheduling
// =============================================================================

func TestBeginTurn_SchedulingShortCircuit(t *testing.T) {
	fx := newFixture(t, 0)

	out, err := fx.svc.BeginTurn(context.Background(), "s1", "Zelim da zakazem sastanak", sr)
	require.NoError(t, err)

	assert.Equal(t, datatypes.OutcomeSchedule, out.Kind)
	assert.Equal(t, datatypes.ScheduleMeeting, out.Decision)
	assert.Equal(t, DefaultSchedulingLink, out.SchedulingLink)
	assert.Equal(t, "Možete zakazati sastanak sa našim timom ovde:", out.SchedulingMessage)
	assert.Equal(t, 0, fx.llm.streamCalls())

	turns := fx.turns(t, "s1")
	assert.Equal(t, []datatypes.Role{datatypes.RoleSystem, datatypes.RoleUser, datatypes.RoleMeta}, roles(turns))
	assert.Equal(t, "Zelim da zakazem sastanak", turns[1].Content)
	assert.False(t, fx.slots.Held("s1"))
	assert.Equal(t, 3, fx.persister.saved["conv-1"])

	err = fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestBeginTurn_SchedulingEnglish(t *testing.T) {
	fx := newFixture(t, 0)

	out, err := fx.svc.BeginTurn(context.Background(), "s1", "Can we book a sastanak?", datatypes.TurnFlags{Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "You can book a meeting with our team here:", out.SchedulingMessage)
}

func TestBeginTurn_SentinelOverridesRouter(t *testing.T) {
	fx := newFixture(t, 0)
	fx.retrieved = datatypes.SchedulingRequested()

	out, err := fx.svc.BeginTurn(context.Background(), "s1", "Šta je sajber bezbednost?", sr)
	require.NoError(t, err)

	assert.Equal(t, datatypes.OutcomeSchedule, out.Kind)
	assert.Equal(t, datatypes.ScheduleMeeting, out.Decision)
	assert.Equal(t, 0, fx.llm.streamCalls())
	for _, turn := range fx.turns(t, "s1") {
		assert.NotEqual(t, datatypes.RoleAssistant, turn.Role)
	}
}

// =============================================================================
// Streaming
// =============================================================================

func TestTurn_RetrieveAndStream(t *testing.T) {
	fx := newFixture(t, 0)

	out, err := fx.svc.BeginTurn(context.Background(), "s1", "Šta je sajber bezbednost?", sr)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeStream, out.Kind)
	assert.Equal(t, datatypes.RetrieveContext, out.Decision)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.True(t, fx.slots.Held("s1"))

	frames := fx.stream(t, "s1")
	require.NotEmpty(t, frames)
	final := frames[len(frames)-1]
	assert.True(t, final.Done)
	assert.Equal(t, "Kompanija <strong>Positive</strong> nudi zaštitu.", final.Content)

	sawStrong := false
	for _, f := range frames[:len(frames)-1] {
		assert.True(t, strings.HasSuffix(f.Content, datatypes.CursorGlyph))
		if strings.Contains(f.Content, "<strong>Positive</strong>") {
			sawStrong = true
		}
	}
	assert.True(t, sawStrong)

	msgs := fx.llm.lastMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "persona", msgs[0].Content)
	assert.Equal(t, "Context:\nSajber bezbednost podrazumeva...\n\nQuestion: Šta je sajber bezbednost?", msgs[1].Content)

	turns := fx.turns(t, "s1")
	assert.Equal(t, []datatypes.Role{datatypes.RoleSystem, datatypes.RoleUser, datatypes.RoleMeta, datatypes.RoleAssistant}, roles(turns))
	assert.Equal(t, "Šta je sajber bezbednost?", turns[1].Content)
	assert.Equal(t, "retrieve_context", turns[2].Flags[datatypes.FlagDecision])
	assert.Equal(t, final.Content, turns[3].Content)
	assert.False(t, fx.slots.Held("s1"))
}

func TestTurn_AudioFrameFollowsFinal(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", datatypes.TurnFlags{PlayAudio: true})
	require.NoError(t, err)
	frames := fx.stream(t, "s1")

	require.GreaterOrEqual(t, len(frames), 2)
	final, audio := frames[len(frames)-2], frames[len(frames)-1]
	assert.True(t, final.Done)
	assert.Empty(t, final.Audio)
	assert.Equal(t, final.Content, audio.Content)
	assert.Equal(t, "bXAz", audio.Audio)
}

func TestFetchAudio(t *testing.T) {
	fx := newFixture(t, 0)

	got, err := fx.svc.FetchAudio(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", datatypes.TurnFlags{PlayAudio: true})
	require.NoError(t, err)

	fetched := make(chan string, 1)
	go func() {
		a, _ := fx.svc.FetchAudio(context.Background(), "s1")
		fetched <- a
	}()

	// The client hangs up as soon as it sees the final frame.
	ctx, hangUp := context.WithCancel(context.Background())
	defer hangUp()
	err = fx.svc.StreamTurn(ctx, "s1", func(f datatypes.Frame) error {
		if f.Done {
			hangUp()
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case a := <-fetched:
		assert.Equal(t, "bXAz", a)
	case <-time.After(time.Second):
		t.Fatal("audio never resolved")
	}

	// Follow-ups were not requested, so none are pending.
	q, err := fx.svc.FetchFollowups(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, q)

	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Hvala", sr)
	require.NoError(t, err)
	got, err = fx.svc.FetchAudio(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchAudio_BoundedByContext(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", datatypes.TurnFlags{PlayAudio: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fx.svc.FetchAudio(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTurn_NoAudioWithoutFlag(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)
	frames := fx.stream(t, "s1")

	done := 0
	for _, f := range frames {
		assert.Empty(t, f.Audio)
		if f.Done {
			done++
		}
	}
	assert.Equal(t, 1, done)
}

func TestTurn_AttachmentsReachPromptOnly(t *testing.T) {
	fx := newFixture(t, 0)
	files := []datatypes.Attachment{
		{Name: "ponuda.txt", Text: "Revizija: 100 EUR\n"},
		{Name: "uslovi.md", Text: "Plaćanje unapred."},
	}

	_, err := fx.svc.BeginTurnWithFiles(context.Background(), "s1", "Koliko košta revizija?", files, sr)
	require.NoError(t, err)
	fx.stream(t, "s1")

	assert.Equal(t,
		"Document ponuda.txt:\nRevizija: 100 EUR\n\nDocument uslovi.md:\nPlaćanje unapred.\n\nKoliko košta revizija?",
		fx.llm.lastMessages()[1].Content)

	turns := fx.turns(t, "s1")
	assert.Equal(t, "Koliko košta revizija?", turns[1].Content)

	// The next turn sees the plain utterance only.
	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Hvala", sr)
	require.NoError(t, err)
	fx.stream(t, "s1")
	for _, m := range fx.llm.lastMessages() {
		assert.NotContains(t, m.Content, "Revizija: 100 EUR")
	}
}

func TestTurn_AttachmentsWithRetrievedContext(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurnWithFiles(context.Background(), "s1", "Šta je sajber bezbednost?",
		[]datatypes.Attachment{{Name: "beleske.txt", Text: "Interne beleške"}}, sr)
	require.NoError(t, err)
	fx.stream(t, "s1")

	prompt := fx.llm.lastMessages()[1].Content
	assert.True(t, strings.HasPrefix(prompt, "Document beleske.txt:\nInterne beleške\n\nContext:\n"), prompt)
	assert.True(t, strings.HasSuffix(prompt, "Question: Šta je sajber bezbednost?"), prompt)
}

func TestTurn_ClassificationFailureDegrades(t *testing.T) {
	fx := newFixture(t, 0)
	fx.router.err = datatypes.NewClassificationError("unparseable", nil)

	out, err := fx.svc.BeginTurn(context.Background(), "s1", "Šta je sajber bezbednost?", sr)
	require.NoError(t, err)
	assert.Equal(t, datatypes.DirectAnswer, out.Decision)

	fx.stream(t, "s1")
	assert.Equal(t, "Šta je sajber bezbednost?", fx.llm.lastMessages()[1].Content)
}

func TestTurn_QuotaKeepsOnlyUserTurn(t *testing.T) {
	fx := newFixture(t, 0)
	fx.llm.failWith = datatypes.NewQuotaExceededError("You exceeded your current quota", nil)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)

	err = fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrQuotaExceeded)
	assert.Equal(t, "You exceeded your current quota", datatypes.ClientDetail(err))

	turns := fx.turns(t, "s1")
	assert.Equal(t, []datatypes.Role{datatypes.RoleSystem, datatypes.RoleUser, datatypes.RoleMeta}, roles(turns))
	assert.False(t, fx.slots.Held("s1"))
}

func TestTurn_ClientDisconnectAppendsNothing(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = fx.svc.StreamTurn(ctx, "s1", func(datatypes.Frame) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	for _, turn := range fx.turns(t, "s1") {
		assert.NotEqual(t, datatypes.RoleAssistant, turn.Role)
	}
	assert.False(t, fx.slots.Held("s1"))
}

func TestTurn_AlternationAcrossTurns(t *testing.T) {
	fx := newFixture(t, 0)

	for _, u := range []string{"Zdravo", "Šta je sajber bezbednost?", "Hvala"} {
		_, err := fx.svc.BeginTurn(context.Background(), "s1", u, sr)
		require.NoError(t, err)
		fx.stream(t, "s1")
	}

	turns := withoutMeta(fx.turns(t, "s1"))
	require.Len(t, turns, 7)
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role)
	for i := 1; i < len(turns); i += 2 {
		assert.Equal(t, datatypes.RoleUser, turns[i].Role)
		assert.Equal(t, datatypes.RoleAssistant, turns[i+1].Role)
	}
}

func TestTurn_SessionIsolation(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "A", "Pitanje za A", sr)
	require.NoError(t, err)
	fx.stream(t, "A")
	_, err = fx.svc.BeginTurn(context.Background(), "B", "Pitanje za B", sr)
	require.NoError(t, err)
	fx.stream(t, "B")

	for _, turn := range fx.turns(t, "B") {
		assert.NotContains(t, turn.Content, "Pitanje za A")
	}
	for _, turn := range fx.turns(t, "A") {
		assert.NotContains(t, turn.Content, "Pitanje za B")
	}
}

func TestTurn_SecondTurnWaitsForFinalize(t *testing.T) {
	fx := newFixture(t, 0)
	gate := make(chan struct{})
	fx.llm.gate = gate

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Prvo", sr)
	require.NoError(t, err)

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	}()
	require.Eventually(t, func() bool { return fx.llm.streamCalls() == 1 }, time.Second, time.Millisecond)

	beginDone := make(chan error, 1)
	go func() {
		_, err := fx.svc.BeginTurn(context.Background(), "s1", "Drugo", sr)
		beginDone <- err
	}()

	select {
	case <-beginDone:
		t.Fatal("second turn started while the first was streaming")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-streamDone)
	require.NoError(t, <-beginDone)

	turns := withoutMeta(fx.turns(t, "s1"))
	require.Len(t, turns, 4)
	assert.Equal(t, "Prvo", turns[1].Content)
	assert.Equal(t, datatypes.RoleAssistant, turns[2].Role)
	assert.Equal(t, "Drugo", turns[3].Content)
}

// =============================================================================
// Pending turns
// =============================================================================

func TestStreamTurn_NothingPending(t *testing.T) {
	fx := newFixture(t, 0)
	err := fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestPendingTurn_AbandonedAfterTimeout(t *testing.T) {
	fx := newFixture(t, 20*time.Millisecond)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !fx.slots.Held("s1") }, time.Second, 5*time.Millisecond)

	err = fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrValidation)
	assert.Equal(t, []datatypes.Role{datatypes.RoleSystem, datatypes.RoleUser, datatypes.RoleMeta}, roles(fx.turns(t, "s1")))
}

func TestPendingTurn_SupersededByNextTurn(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Prvo", sr)
	require.NoError(t, err)
	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Drugo", sr)
	require.NoError(t, err)

	fx.stream(t, "s1")
	assert.Equal(t, "Drugo", fx.llm.lastMessages()[len(fx.llm.lastMessages())-1].Content)
}

func (s *Service) waitingOn(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[sessionID]
}

func TestPendingTurn_SupersededWhileClassifying(t *testing.T) {
	fx := newFixture(t, 0)
	gate := make(chan struct{})
	fx.router.gates = map[string]chan struct{}{"Prvo": gate}

	first := make(chan error, 1)
	go func() {
		_, err := fx.svc.BeginTurn(context.Background(), "s1", "Prvo", sr)
		first <- err
	}()
	require.Eventually(t, func() bool {
		return fx.slots.Held("s1") && fx.svc.waitingOn("s1") == 0
	}, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := fx.svc.BeginTurn(context.Background(), "s1", "Drugo", sr)
		second <- err
	}()
	require.Eventually(t, func() bool { return fx.svc.waitingOn("s1") == 1 }, time.Second, 5*time.Millisecond)

	close(gate)
	start := time.Now()
	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("BeginTurn stayed blocked behind a superseded turn")
		}
	}
	assert.Less(t, time.Since(start), DefaultPendingTimeout)
	assert.Equal(t, 0, fx.svc.waitingOn("s1"))

	fx.stream(t, "s1")
	msgs := fx.llm.lastMessages()
	assert.Equal(t, "Drugo", msgs[len(msgs)-1].Content)
	assert.Equal(t, 1, fx.llm.streamCalls())
	assert.False(t, fx.slots.Held("s1"))
}

func TestReset_SupersedesTurnStillClassifying(t *testing.T) {
	fx := newFixture(t, 0)
	gate := make(chan struct{})
	fx.router.gates = map[string]chan struct{}{"Prvo": gate}

	begun := make(chan error, 1)
	go func() {
		_, err := fx.svc.BeginTurn(context.Background(), "s1", "Prvo", sr)
		begun <- err
	}()
	require.Eventually(t, func() bool {
		return fx.slots.Held("s1") && fx.svc.waitingOn("s1") == 0
	}, time.Second, 5*time.Millisecond)

	reset := make(chan error, 1)
	go func() {
		_, err := fx.svc.Reset(context.Background(), "s1")
		reset <- err
	}()
	require.Eventually(t, func() bool { return fx.svc.waitingOn("s1") == 1 }, time.Second, 5*time.Millisecond)

	close(gate)
	for _, ch := range []chan error{begun, reset} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Reset stayed blocked behind a classifying turn")
		}
	}

	assert.Equal(t, []datatypes.Role{datatypes.RoleSystem}, roles(fx.turns(t, "s1")))
	err := fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

func TestEviction_DropsPendingTurn(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)
	require.True(t, fx.store.Delete("s1"))

	assert.False(t, fx.slots.Held("s1"))
	err = fx.svc.StreamTurn(context.Background(), "s1", func(datatypes.Frame) error { return nil })
	assert.ErrorIs(t, err, datatypes.ErrValidation)
}

// =============================================================================
// Validation, follow-ups, reset
// =============================================================================

func TestBeginTurn_Validation(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "", "Zdravo", sr)
	assert.ErrorIs(t, err, datatypes.ErrValidation)
	_, err = fx.svc.BeginTurn(context.Background(), "s1", "   ", sr)
	assert.ErrorIs(t, err, datatypes.ErrValidation)

	assert.Equal(t, 0, fx.store.Len())
	assert.Equal(t, 0, fx.router.calls)
}

func TestFetchFollowups(t *testing.T) {
	fx := newFixture(t, 0)

	got, err := fx.svc.FetchFollowups(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", datatypes.TurnFlags{SuggestQuestions: true})
	require.NoError(t, err)

	fetched := make(chan []string, 1)
	go func() {
		q, _ := fx.svc.FetchFollowups(context.Background(), "s1")
		fetched <- q
	}()

	fx.stream(t, "s1")
	select {
	case q := <-fetched:
		assert.Equal(t, []string{"Koliko košta?", "Kako da počnem?", "Ko ste vi?"}, q)
	case <-time.After(time.Second):
		t.Fatal("follow-ups never resolved")
	}

	_, err = fx.svc.BeginTurn(context.Background(), "s1", "Hvala", sr)
	require.NoError(t, err)
	got, err = fx.svc.FetchFollowups(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchFollowups_BoundedByContext(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", datatypes.TurnFlags{SuggestQuestions: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fx.svc.FetchFollowups(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	fx := newFixture(t, 0)

	_, err := fx.svc.BeginTurn(context.Background(), "s1", "Zdravo", sr)
	require.NoError(t, err)
	fx.stream(t, "s1")

	convID, err := fx.svc.Reset(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", convID)

	turns, id, err := fx.svc.Transcript("s1")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", id)
	require.Len(t, turns, 1)
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role)
}

func TestTranscript_UnknownSession(t *testing.T) {
	fx := newFixture(t, 0)
	_, _, err := fx.svc.Transcript("nope")
	assert.True(t, errors.Is(err, sessions.ErrNotFound))
}

func TestSchedulingConfig_Localize(t *testing.T) {
	cfg := SchedulingConfig{
		Links:    map[string]string{"sr": "https://a/", "en": "https://b/"},
		Messages: map[string]string{"sr": "Zakažite:"},
	}
	link, msg := cfg.Localize("en")
	assert.Equal(t, "https://b/", link)
	assert.Equal(t, "Zakažite:", msg)

	link, _ = cfg.Localize("de")
	assert.Equal(t, "https://a/", link)
}
