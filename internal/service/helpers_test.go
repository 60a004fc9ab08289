package service

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/intent"
	"github.com/capitalize-ai/civic-assistant/internal/llm"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/retrieval"
	"github.com/capitalize-ai/civic-assistant/internal/sse"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

func nopLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.CompletionResponse), args.Error(1)
}

func (m *mockClient) CompleteStream(ctx context.Context, req *llm.CompletionRequest, cb llm.StreamCallback) (*llm.CompletionResponse, error) {
	args := m.Called(ctx, req, cb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.CompletionResponse), args.Error(1)
}

func (m *mockClient) Name() string         { return "mock" }
func (m *mockClient) DefaultModel() string { return "gpt-test" }

// streamTokens makes CompleteStream relay tokens and return their
// concatenation.
func (m *mockClient) streamTokens(tokens ...string) *mock.Call {
	return m.On("CompleteStream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cb := args.Get(2).(llm.StreamCallback)
			for i, tok := range tokens {
				_ = cb(tok, i)
			}
		}).
		Return(&llm.CompletionResponse{Content: strings.Join(tokens, ""), Model: "gpt-test"}, nil)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return uint64(len(p.events)), nil
}

func (p *recordingPublisher) ofType(t model.EventType) []model.ConversationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ConversationEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (r *recordingScheduler) Schedule(conv *model.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, conv.ID)
}

var (
	queryVec    = []float32{1, 0}
	strongVec   = []float32{1, 0}
	weakVec     = []float32{0.4, float32(math.Sqrt(1 - 0.16))}
	unrelated   = []float32{0, 1}
	zagreb      = model.Tenant{ID: "city-zg", Code: "ZG", Slug: "zagreb", Name: "Zagreb"}
	split       = model.Tenant{ID: "city-st", Code: "ST", Slug: "split", Name: "Split"}
)

type harness struct {
	store     *store.MemoryStore
	embedder  *mockEmbedder
	client    *mockClient
	publisher *recordingPublisher
	scheduler *recordingScheduler
	chat      *ChatService
	events    *EventService
	admin     *AdminService
}

func newHarness(t *testing.T, cfg ChatConfig) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	st.AddTenant(zagreb)
	st.AddTenant(split)

	h := &harness{
		store:     st,
		embedder:  &mockEmbedder{},
		client:    &mockClient{},
		publisher: &recordingPublisher{},
		scheduler: &recordingScheduler{},
	}

	log := nopLogger()
	tenants := NewTenantResolver(st)
	conversations := NewConversationStore(st, log)
	escalation := NewEscalationMachine(st, h.publisher, log)
	tickets := NewTicketUpserter(st, h.publisher, log)

	h.chat = NewChatService(ChatDeps{
		Tenants:       tenants,
		Conversations: conversations,
		Messages:      NewMessagePersister(st),
		Gate:          intent.NewGate(),
		Retriever:     retrieval.NewRetriever(h.embedder, st, retrieval.DefaultConfig(), log),
		Context:       retrieval.NewContextBuilder(2000, 8000),
		Client:        h.client,
		Escalation:    escalation,
		Tickets:       tickets,
		Summarizer:    h.scheduler,
	}, cfg, log)
	h.events = NewEventService(tenants, conversations, escalation, tickets, st, h.publisher, log)
	h.admin = NewAdminService(st, escalation, nil, log)
	return h
}

func (h *harness) addDoc(tenantID, title string, vec []float32) {
	h.store.AddDocument(model.Document{
		TenantID:  tenantID,
		Title:     title,
		SourceURL: "https://grad.example/" + strings.ToLower(strings.ReplaceAll(title, " ", "-")),
		Content:   title + " sadržaj",
		Embedding: vec,
	})
}

type turnOutput struct {
	result *TurnResult
	body   string
}

func (h *harness) turn(t *testing.T, tenant, convID, msgID, message string) turnOutput {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec)
	require.NoError(t, err)

	res, err := h.chat.HandleTurn(context.Background(), &TurnRequest{
		TenantIdentifier: tenant,
		ConversationID:   convID,
		MessageID:        msgID,
		Message:          message,
	}, w)
	require.NoError(t, err)
	return turnOutput{result: res, body: rec.Body.String()}
}

func (h *harness) conversation(t *testing.T, tenantID, externalID string) *model.Conversation {
	t.Helper()
	conv, err := h.store.GetConversation(context.Background(), tenantID, externalID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	return conv
}

// metaFrame extracts the meta payload from a framed body.
func metaFrame(t *testing.T, body string) map[string]any {
	t.Helper()
	const marker = "event: meta\ndata: "
	i := strings.Index(body, marker)
	require.GreaterOrEqual(t, i, 0, "no meta frame in %q", body)
	rest := body[i+len(marker):]
	end := strings.Index(rest, "\n")
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(rest[:end]), &meta))
	return meta
}
