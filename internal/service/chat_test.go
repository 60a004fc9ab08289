package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/civic-assistant/internal/llm"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/retrieval"
	"github.com/capitalize-ai/civic-assistant/internal/sse"
)

func TestChat_FirstTurnWithoutSources(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, "Kada je odvoz glomaznog otpada?").Return(queryVec, nil)

	out := h.turn(t, "zagreb", "conv-1", "m1", "Kada je odvoz glomaznog otpada?")

	assert.Equal(t, PathFallback, out.result.Path)
	assert.Contains(t, out.body, "data: "+FallbackText+"\n\n")
	assert.True(t, strings.HasSuffix(out.body, "data: [DONE]\n\n"))

	meta := metaFrame(t, out.body)
	assert.Nil(t, meta["model"])
	assert.Equal(t, true, meta["used_fallback"])
	assert.Equal(t, false, meta["needs_human"])
	assert.NotContains(t, meta, "error")
	assert.Equal(t, float64(0), meta["retrieved_docs_count"])
	assert.Equal(t, []any{}, meta["retrieved_docs_top3"])

	conv := h.conversation(t, zagreb.ID, "conv-1")
	assert.Equal(t, model.StatusOpen, conv.Status)
	assert.Equal(t, 1, conv.FallbackCount)
	assert.False(t, conv.NeedsHuman)
	assert.Equal(t, "Kada je odvoz glomaznog otpada?", conv.Title)
	assert.Equal(t, model.TitleSourceFirstMessage, conv.TitleSource)

	ticket, err := h.store.GetTicket(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, model.TicketStatusOpen, ticket.Status)
	assert.True(t, strings.HasPrefix(ticket.TicketRef, "ZG-"))

	gaps := h.store.KnowledgeGaps(zagreb.ID)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, gaps[0].Occurrences)
	assert.Equal(t, model.GapReasonNoSources, gaps[0].Reason)

	h.client.AssertNotCalled(t, "CompleteStream", mock.Anything, mock.Anything, mock.Anything)
	assert.Len(t, h.publisher.ofType(model.EventTypeFallback), 1)
	assert.Equal(t, []string{conv.ID}, h.scheduler.scheduled)
}

func TestChat_FallbackIsAlwaysTheFixedSentence(t *testing.T) {
	h := newHarness(t, ChatConfig{Buffered: true})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(split.ID, "Split only", strongVec)

	for i, q := range []string{"Pitanje jedan", "Pitanje dva", "Pitanje tri"} {
		out := h.turn(t, "zagreb", "conv-1", "m"+string(rune('a'+i)), q)
		assert.Equal(t, FallbackText, out.result.Content)
		assert.Equal(t, 1, strings.Count(out.body, "data: "+FallbackText))
	}

	msgs, err := h.store.ListMessages(context.Background(), h.conversation(t, zagreb.ID, "conv-1").ID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			assert.Equal(t, FallbackText, m.ContentRedacted)
			assert.True(t, m.Metadata.UsedFallback)
		}
	}
}

func TestChat_NeedsHumanSingleWriter(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)

	for i := 0; i < 4; i++ {
		h.turn(t, "zagreb", "conv-1", "fb"+string(rune('0'+i)), "Nešto što ne znamo")
		conv := h.conversation(t, zagreb.ID, "conv-1")
		assert.False(t, conv.NeedsHuman)
		assert.Equal(t, i+1, conv.FallbackCount)
	}

	out := h.turn(t, "zagreb", "conv-1", "gate", "Želim prijaviti problem s rasvjetom")
	assert.Equal(t, true, metaFrame(t, out.body)["needs_human"])
	assert.True(t, h.conversation(t, zagreb.ID, "conv-1").NeedsHuman)

	// A later fallback does not undo the escalation.
	h.turn(t, "zagreb", "conv-1", "after", "Još jedno pitanje")
	conv := h.conversation(t, zagreb.ID, "conv-1")
	assert.True(t, conv.NeedsHuman)
	assert.Equal(t, 5, conv.FallbackCount)

	gaps := h.store.KnowledgeGaps(zagreb.ID)
	var repeated *model.KnowledgeGap
	for i := range gaps {
		if gaps[i].Question == "Nešto što ne znamo" {
			repeated = &gaps[i]
		}
	}
	require.NotNil(t, repeated)
	assert.Equal(t, 4, repeated.Occurrences)
}

func TestChat_TicketIntentBypassesRetrieval(t *testing.T) {
	h := newHarness(t, ChatConfig{})

	out := h.turn(t, "zagreb", "conv-2", "m1", "Želim prijaviti problem s rasvjetom")

	assert.Equal(t, PathTicketIntent, out.result.Path)
	assert.NotContains(t, strings.SplitN(out.body, "event: meta", 2)[0], "data: ")
	meta := metaFrame(t, out.body)
	assert.Equal(t, true, meta["needs_human"])
	assert.Nil(t, meta["model"])
	assert.True(t, strings.HasSuffix(out.body, "data: [DONE]\n\n"))

	h.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
	h.client.AssertNotCalled(t, "CompleteStream", mock.Anything, mock.Anything, mock.Anything)

	conv := h.conversation(t, zagreb.ID, "conv-2")
	assert.True(t, conv.NeedsHuman)
	assert.Equal(t, model.StatusOpen, conv.Status)

	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)

	ticket, err := h.store.GetTicket(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, ticket)

	escalated := h.publisher.ofType(model.EventTypeEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, TriggerTicketIntent, escalated[0].Reason)
}

func TestChat_IdempotentMessageInsert(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)

	h.turn(t, "zagreb", "conv-3", "same", "Prva verzija")
	h.turn(t, "zagreb", "conv-3", "same", "Druga verzija")

	conv := h.conversation(t, zagreb.ID, "conv-3")
	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)

	var users []model.Message
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			users = append(users, m)
		}
	}
	require.Len(t, users, 1)
	assert.Equal(t, "Druga verzija", users[0].ContentRedacted)
	assert.Equal(t, "user:same", users[0].ExternalID)
	assert.Len(t, msgs, 2)
}

func TestChat_KnowledgeGapIsRedacted(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)

	h.turn(t, "zagreb", "conv-gap", "m1", "Moj mail je ana@x.hr, nazovite 091 234 5678 za odvoz")

	gaps := h.store.KnowledgeGaps(zagreb.ID)
	require.Len(t, gaps, 1)
	assert.Equal(t, "Moj mail je [email], nazovite [phone] za odvoz", gaps[0].Question)
	assert.NotContains(t, gaps[0].Question, "ana@x.hr")

	events := h.publisher.ofType(model.EventTypeKnowledgeGap)
	require.Len(t, events, 1)
	question, _ := events[0].Metadata["question"].(string)
	assert.Contains(t, question, "[email]")
	assert.NotContains(t, question, "ana@x.hr")
	assert.NotContains(t, question, "234 5678")
}

func TestChat_ReplayedFallbackCountsOnce(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)

	first := h.turn(t, "zagreb", "conv-replay", "same", "Gdje platiti parking?")
	second := h.turn(t, "zagreb", "conv-replay", "same", "Gdje platiti parking?")

	assert.Equal(t, PathFallback, second.result.Path)
	assert.Equal(t, first.result.Content, second.result.Content)
	assert.True(t, strings.HasSuffix(second.body, "data: [DONE]\n\n"))

	conv := h.conversation(t, zagreb.ID, "conv-replay")
	assert.Equal(t, 1, conv.FallbackCount)

	gaps := h.store.KnowledgeGaps(zagreb.ID)
	require.Len(t, gaps, 1)
	assert.Equal(t, 1, gaps[0].Occurrences)

	assert.Len(t, h.publisher.ofType(model.EventTypeFallback), 1)
	assert.Len(t, h.publisher.ofType(model.EventTypeKnowledgeGap), 1)

	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// A new message id on the same conversation is counted again.
	h.turn(t, "zagreb", "conv-replay", "next", "Gdje platiti parking?")
	assert.Equal(t, 2, h.conversation(t, zagreb.ID, "conv-replay").FallbackCount)
}

func TestChat_StreamsTokensIncrementally(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(zagreb.ID, "Radno vrijeme", strongVec)
	h.client.streamTokens("Gradska ", "uprava\nradi", " od 8h.")

	out := h.turn(t, "zagreb", "conv-4", "m1", "Kada radi gradska uprava?")

	assert.Equal(t, PathAnswered, out.result.Path)
	assert.Contains(t, out.body, "data: Gradska \n\n")
	assert.Contains(t, out.body, "data: uprava\ndata: radi\n\n")
	assert.Contains(t, out.body, "data:  od 8h.\n\n")

	meta := metaFrame(t, out.body)
	assert.Equal(t, "gpt-test", meta["model"])
	assert.Equal(t, float64(1), meta["retrieved_docs_count"])
	assert.Equal(t, false, meta["used_fallback"])
	top := meta["retrieved_docs_top3"].([]any)
	require.Len(t, top, 1)
	assert.Equal(t, "Radno vrijeme", top[0].(map[string]any)["title"])

	metaAt := strings.Index(out.body, "event: meta")
	assert.Less(t, strings.Index(out.body, "data: Gradska"), metaAt)
	assert.Less(t, metaAt, strings.Index(out.body, "data: [DONE]"))

	conv := h.conversation(t, zagreb.ID, "conv-4")
	assert.Equal(t, 0, conv.FallbackCount)
	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, "assistant:m1", assistant.ExternalID)
	assert.Equal(t, "Gradska uprava\nradi od 8h.", assistant.ContentRedacted)
	require.NotNil(t, assistant.Metadata.Model)
	assert.Equal(t, "gpt-test", *assistant.Metadata.Model)
	assert.Equal(t, 0.50, assistant.Metadata.ThresholdUsed)

	req := h.client.Calls[0].Arguments.Get(1).(*llm.CompletionRequest)
	assert.Contains(t, req.System, "TITLE: Radno vrijeme")
	assert.Contains(t, req.System, "Zagreb")
}

func TestChat_BufferedModeSendsOneFrame(t *testing.T) {
	h := newHarness(t, ChatConfig{Buffered: true})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(zagreb.ID, "Parkiranje", strongVec)
	h.client.streamTokens("Zona ", "1 ", "košta 1 €.")

	out := h.turn(t, "zagreb", "conv-5", "m1", "Koliko košta parkiranje?")

	assert.Contains(t, out.body, "data: Zona 1 košta 1 €.\n\n")
	assert.NotContains(t, out.body, "data: Zona \n\n")
}

func TestChat_RelaxedPassMatch(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(zagreb.ID, "Slabo povezan", weakVec)
	h.addDoc(zagreb.ID, "Nepovezan", unrelated)
	h.client.streamTokens("Odgovor.")

	out := h.turn(t, "zagreb", "conv-6", "m1", "Pitanje")

	assert.Equal(t, PathAnswered, out.result.Path)
	assert.Equal(t, float64(1), metaFrame(t, out.body)["retrieved_docs_count"])

	msgs, err := h.store.ListMessages(context.Background(), h.conversation(t, zagreb.ID, "conv-6").ID)
	require.NoError(t, err)
	assert.Equal(t, 0.35, msgs[1].Metadata.ThresholdUsed)
}

func TestChat_CompletionFailureStreamsApology(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(zagreb.ID, "Radno vrijeme", strongVec)
	h.client.On("CompleteStream", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream 503"))

	// Escalate first so the reset is observable.
	h.turn(t, "zagreb", "conv-7", "m0", "Želim prijaviti kvar")
	require.True(t, h.conversation(t, zagreb.ID, "conv-7").NeedsHuman)

	out := h.turn(t, "zagreb", "conv-7", "m1", "Kada radi uprava?")

	assert.Equal(t, PathError, out.result.Path)
	assert.Contains(t, out.body, "data: "+ApologyText+"\n\n")
	meta := metaFrame(t, out.body)
	assert.Equal(t, false, meta["needs_human"])
	assert.Equal(t, "completion_failed", meta["error"])
	assert.True(t, strings.HasSuffix(out.body, "data: [DONE]\n\n"))

	conv := h.conversation(t, zagreb.ID, "conv-7")
	assert.False(t, conv.NeedsHuman)
	assert.Len(t, h.publisher.ofType(model.EventTypeErrorReset), 1)

	msgs, err := h.store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, ApologyText, last.ContentRedacted)
	assert.Equal(t, "completion_failed", last.Metadata.Error)
}

func TestChat_RetrievalFailureIsHard(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(nil, errors.New("embedding timeout"))

	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec)
	require.NoError(t, err)

	_, err = h.chat.HandleTurn(context.Background(), &TurnRequest{
		TenantIdentifier: "zagreb",
		ConversationID:   "conv-8",
		MessageID:        "m1",
		Message:          "Pitanje",
	}, w)

	var rerr *retrieval.RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, retrieval.ReasonEmbeddingFailed, rerr.Reason)
	assert.False(t, w.Started())
	assert.Empty(t, rec.Body.String())
	assert.False(t, h.conversation(t, zagreb.ID, "conv-8").NeedsHuman)
	h.client.AssertNotCalled(t, "CompleteStream", mock.Anything, mock.Anything, mock.Anything)
}

func TestChat_Validation(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec)
	require.NoError(t, err)

	_, err = h.chat.HandleTurn(context.Background(), &TurnRequest{
		TenantIdentifier: "zagreb", ConversationID: "c", MessageID: "m", Message: "   ",
	}, w)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.chat.HandleTurn(context.Background(), &TurnRequest{
		TenantIdentifier: "", ConversationID: "c", MessageID: "m", Message: "Bok",
	}, w)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.chat.HandleTurn(context.Background(), &TurnRequest{
		TenantIdentifier: "osijek", ConversationID: "c", MessageID: "m", Message: "Bok",
	}, w)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

type brokenSink struct {
	frames int
}

func (b *brokenSink) Data(string) error {
	b.frames++
	return sse.ErrClosed
}
func (b *brokenSink) Event(string, any) error { return sse.ErrClosed }
func (b *brokenSink) Done() error             { return sse.ErrClosed }

func TestChat_ClientDisconnectStillPersists(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	h.embedder.On("Embed", mock.Anything, mock.Anything).Return(queryVec, nil)
	h.addDoc(zagreb.ID, "Radno vrijeme", strongVec)
	h.client.streamTokens("jedan ", "dva ", "tri")

	ctx, cancel := context.WithCancel(context.Background())
	sink := &brokenSink{}
	res, err := h.chat.HandleTurn(ctx, &TurnRequest{
		TenantIdentifier: "zagreb",
		ConversationID:   "conv-9",
		MessageID:        "m1",
		Message:          "Kada radi uprava?",
	}, sink)
	cancel()
	require.NoError(t, err)

	assert.Equal(t, PathAnswered, res.Path)
	assert.Equal(t, 1, sink.frames, "relay stops after the first failed write")

	msgs, err := h.store.ListMessages(context.Background(), h.conversation(t, zagreb.ID, "conv-9").ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "jedan dva tri", msgs[1].ContentRedacted)
}

func TestChat_TenantResolvedByCode(t *testing.T) {
	h := newHarness(t, ChatConfig{})
	out := h.turn(t, "st", "conv-10", "m1", "Htio bih prijaviti kvar")
	assert.Equal(t, PathTicketIntent, out.result.Path)
	h.conversation(t, split.ID, "conv-10")
}
