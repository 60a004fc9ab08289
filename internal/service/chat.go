package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/intent"
	"github.com/capitalize-ai/civic-assistant/internal/llm"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/retrieval"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
	"github.com/capitalize-ai/civic-assistant/pkg/tracing"
)

const systemPrompt = `Ti si službeni digitalni asistent grada %s.
Odgovaraj na hrvatskom jeziku, kratko i točno.
Koristi isključivo informacije iz priloženog konteksta. Ako kontekst ne sadrži odgovor, reci da nemaš tu informaciju i uputi građanina na gradsku upravu.
Na kraju navedi izvore (SOURCE) koje si koristio.

KONTEKST:
%s`

// MaxMessageChars bounds a citizen message.
const MaxMessageChars = 4000

// TurnPath names the branch a chat turn took.
type TurnPath string

const (
	PathAnswered     TurnPath = "answered"
	PathFallback     TurnPath = "fallback"
	PathTicketIntent TurnPath = "ticket_intent"
	PathError        TurnPath = "error"
)

// DocumentRetriever finds tenant documents for a query.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, query, tenantID string) (*retrieval.Result, error)
}

// SummaryScheduler starts background summarization.
type SummaryScheduler interface {
	Schedule(conv *model.Conversation)
}

// ChatConfig configures the streaming orchestrator.
type ChatConfig struct {
	// Model overrides the completion client's default model.
	Model string
	// Buffered sends the whole answer as one data frame instead of relaying
	// tokens as they arrive.
	Buffered          bool
	CompletionTimeout time.Duration
	MaxTokens         int
	Temperature       float64
}

// ChatDeps are the collaborators of a ChatService.
type ChatDeps struct {
	Tenants       *TenantResolver
	Conversations *ConversationStore
	Messages      *MessagePersister
	Gate          *intent.Gate
	Retriever     DocumentRetriever
	Context       *retrieval.ContextBuilder
	Client        llm.Client
	Escalation    *EscalationMachine
	Tickets       *TicketUpserter
	Summarizer    SummaryScheduler
}

// TurnRequest is one citizen chat turn.
type TurnRequest struct {
	TenantIdentifier string
	ConversationID   string
	MessageID        string
	Message          string
	CorrelationID    string
}

// TurnResult describes a completed turn.
type TurnResult struct {
	ConversationID string
	Path           TurnPath
	Content        string
	Meta           model.MetaFrame
}

// ChatService runs one chat turn end to end and writes the framed stream.
type ChatService struct {
	deps   ChatDeps
	cfg    ChatConfig
	logger *logger.Logger
}

// NewChatService creates the streaming orchestrator.
func NewChatService(deps ChatDeps, cfg ChatConfig, log *logger.Logger) *ChatService {
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 90 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	return &ChatService{deps: deps, cfg: cfg, logger: log}
}

type turn struct {
	req     *TurnRequest
	tenant  *model.Tenant
	conv    *model.Conversation
	started time.Time
	log     *logger.Logger
	sink    FrameSink
	// bg outlives the client connection so bookkeeping completes after a
	// disconnect.
	bg context.Context
}

// HandleTurn processes a citizen message. Errors returned before any frame
// was written (validation, unknown tenant, retrieval failure) are for the
// caller to render; once streaming starts every outcome is reported through
// the frame grammar and the returned error is nil.
func (s *ChatService) HandleTurn(ctx context.Context, req *TurnRequest, sink FrameSink) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &model.ValidationError{Field: "message", Reason: "is required"}
	}
	if len([]rune(message)) > MaxMessageChars {
		return nil, &model.ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", MaxMessageChars)}
	}
	if req.ConversationID == "" || req.MessageID == "" {
		return nil, &model.ValidationError{Field: "conversationId", Reason: "conversation and message ids are required"}
	}

	tenant, err := s.deps.Tenants.Resolve(ctx, req.TenantIdentifier)
	if err != nil {
		return nil, err
	}

	t := &turn{
		req:     req,
		tenant:  tenant,
		started: time.Now(),
		sink:    sink,
		bg:      context.WithoutCancel(ctx),
	}
	t.log = s.logger.ForTurn(req.CorrelationID, tenant.ID, req.ConversationID)

	conv, err := s.deps.Conversations.ResolveOrCreate(ctx, tenant.ID, req.ConversationID)
	if err != nil {
		t.log.Error("conversation unavailable, continuing without persistence", zap.Error(err))
		metrics.RecordPersistenceFailure("conversation_create")
	}
	t.conv = conv

	if t.conv != nil {
		if _, err := s.deps.Messages.PersistUser(ctx, t.conv, tenant.ID, req.MessageID, message); err != nil {
			s.persistenceFailure(t, "user_message", err)
		}
	}

	if matched, phrase := s.deps.Gate.Match(message); matched {
		return s.ticketIntent(t, phrase)
	}

	rctx, span := tracing.Tracer("service").Start(ctx, "chat.retrieve")
	span.SetAttributes(attribute.String("tenant_id", tenant.ID))
	result, err := s.deps.Retriever.Retrieve(rctx, message, tenant.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		span.End()
		t.log.Error("retrieval failed", zap.Error(err))
		s.resetOnError(t, "retrieval_failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("documents", len(result.Documents)),
		attribute.Float64("threshold_used", result.ThresholdUsed),
	)
	span.End()

	if len(result.Documents) == 0 {
		return s.fallback(t, message, result)
	}
	return s.answer(t, message, result)
}

// ticketIntent escalates without touching retrieval or the completion service.
func (s *ChatService) ticketIntent(t *turn, phrase string) (*TurnResult, error) {
	meta := model.MetaFrame{
		Model:             nil,
		LatencyMs:         time.Since(t.started).Milliseconds(),
		RetrievedDocsTop3: []model.DocumentSource{},
		NeedsHuman:        true,
	}
	s.writeMeta(t, meta)

	if t.conv != nil {
		conv, err := s.deps.Escalation.TicketIntent(t.bg, t.conv, phrase)
		if err != nil {
			s.persistenceFailure(t, "escalate", err)
		} else {
			t.conv = conv
		}
		if _, err := s.deps.Tickets.Open(t.bg, t.tenant, t.conv, TriggerTicketIntent); err != nil {
			s.persistenceFailure(t, "ticket_upsert", err)
		}
	}

	s.writeDone(t)
	t.log.Info("ticket intent matched", zap.String("phrase", phrase))
	return s.result(t, PathTicketIntent, "", meta), nil
}

// fallback answers with the fixed no-sources sentence and records the gap.
func (s *ChatService) fallback(t *turn, question string, result *retrieval.Result) (*TurnResult, error) {
	metrics.FallbackTurns.WithLabelValues(t.tenant.ID).Inc()

	needsHuman := t.conv != nil && t.conv.NeedsHuman
	meta := model.MetaFrame{
		Model:             nil,
		LatencyMs:         time.Since(t.started).Milliseconds(),
		RetrievedDocsTop3: []model.DocumentSource{},
		UsedFallback:      true,
		NeedsHuman:        needsHuman,
	}

	s.writeData(t, FallbackText)
	s.writeMeta(t, meta)

	if t.conv != nil {
		replayed := s.persistAssistant(t, FallbackText, model.MessageMetadata{
			LatencyMs:     meta.LatencyMs,
			UsedFallback:  true,
			NeedsHuman:    needsHuman,
			ThresholdUsed: result.ThresholdUsed,
		})
		if replayed {
			// A retried send was already counted.
			t.log.Info("fallback turn replayed, skipping escalation bookkeeping")
			s.writeDone(t)
			return s.result(t, PathFallback, FallbackText, meta), nil
		}

		conv, err := s.deps.Escalation.Fallback(t.bg, t.conv)
		if err != nil {
			s.persistenceFailure(t, "fallback_count", err)
		} else {
			t.conv = conv
		}
		if _, err := s.deps.Tickets.Open(t.bg, t.tenant, t.conv, string(model.GapReasonNoSources)); err != nil {
			s.persistenceFailure(t, "ticket_upsert", err)
		}
		if _, err := s.deps.Tickets.KnowledgeGap(t.bg, t.conv, question); err != nil {
			s.persistenceFailure(t, "knowledge_gap", err)
		}
		s.scheduleSummary(t)
	}

	s.writeDone(t)
	return s.result(t, PathFallback, FallbackText, meta), nil
}

// answer streams a grounded completion.
func (s *ChatService) answer(t *turn, question string, result *retrieval.Result) (*TurnResult, error) {
	docs := result.Documents
	modelName := s.cfg.Model
	if modelName == "" {
		modelName = s.deps.Client.DefaultModel()
	}

	// The completion runs detached from the client: a disconnect stops the
	// relay but the answer is still collected and persisted.
	cctx, cancel := context.WithTimeout(t.bg, s.cfg.CompletionTimeout)
	defer cancel()
	cctx, span := tracing.Tracer("service").Start(cctx, "chat.complete")
	span.SetAttributes(attribute.String("model", modelName), attribute.Int("documents", len(docs)))
	defer span.End()

	relaying := !s.cfg.Buffered
	resp, err := s.deps.Client.CompleteStream(cctx, &llm.CompletionRequest{
		Model:       modelName,
		System:      fmt.Sprintf(systemPrompt, t.tenant.Name, s.deps.Context.Build(docs)),
		Messages:    []llm.ChatMessage{{Role: "user", Content: question}},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Stream:      true,
	}, func(token string, _ int) error {
		if !relaying {
			return nil
		}
		if err := t.sink.Data(token); err != nil {
			relaying = false
			t.log.Info("client disconnected, collecting remaining answer", zap.Error(err))
		}
		return nil
	})

	latency := time.Since(t.started).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		metrics.RecordLLMStream(modelName, "error", float64(latency)/1000, 0, 0)
		t.log.Error("completion failed", zap.Error(fmt.Errorf("%w: %v", ErrCompletionFailed, err)))
		return s.completionFailed(t, modelName, latency, result)
	}

	if resp.Model != "" {
		modelName = resp.Model
	}
	metrics.RecordLLMStream(modelName, "success", float64(latency)/1000, resp.TokensIn, resp.TokensOut)

	if s.cfg.Buffered {
		s.writeData(t, resp.Content)
	}

	needsHuman := t.conv != nil && t.conv.NeedsHuman
	meta := model.MetaFrame{
		Model:              &modelName,
		LatencyMs:          latency,
		RetrievedDocsCount: len(docs),
		RetrievedDocsTop3:  model.TopSources(docs, 3),
		NeedsHuman:         needsHuman,
	}
	s.writeMeta(t, meta)

	if t.conv != nil {
		s.persistAssistant(t, resp.Content, model.MessageMetadata{
			Model:              &modelName,
			LatencyMs:          latency,
			RetrievedDocsCount: len(docs),
			RetrievedDocsTop3:  meta.RetrievedDocsTop3,
			NeedsHuman:         needsHuman,
			ThresholdUsed:      result.ThresholdUsed,
		})
		s.scheduleSummary(t)
	}

	s.writeDone(t)
	return s.result(t, PathAnswered, resp.Content, meta), nil
}

// completionFailed streams the fixed apology through the normal frames.
func (s *ChatService) completionFailed(t *turn, modelName string, latency int64, result *retrieval.Result) (*TurnResult, error) {
	meta := model.MetaFrame{
		Model:              &modelName,
		LatencyMs:          latency,
		RetrievedDocsCount: len(result.Documents),
		RetrievedDocsTop3:  model.TopSources(result.Documents, 3),
		NeedsHuman:         false,
		Error:              "completion_failed",
	}

	s.writeData(t, ApologyText)
	s.writeMeta(t, meta)

	s.resetOnError(t, "completion_failed")
	if t.conv != nil {
		s.persistAssistant(t, ApologyText, model.MessageMetadata{
			Model:              &modelName,
			LatencyMs:          latency,
			RetrievedDocsCount: len(result.Documents),
			RetrievedDocsTop3:  meta.RetrievedDocsTop3,
			ThresholdUsed:      result.ThresholdUsed,
			Error:              "completion_failed",
		})
	}

	s.writeDone(t)
	return s.result(t, PathError, ApologyText, meta), nil
}

func (s *ChatService) resetOnError(t *turn, reason string) {
	if t.conv == nil {
		return
	}
	conv, err := s.deps.Escalation.ErrorReset(t.bg, t.conv, reason)
	if err != nil {
		s.persistenceFailure(t, "error_reset", err)
		return
	}
	t.conv = conv
}

// persistAssistant stores the assistant turn and reports whether the same
// message id had already been answered.
func (s *ChatService) persistAssistant(t *turn, content string, meta model.MessageMetadata) bool {
	msg, err := s.deps.Messages.PersistAssistant(t.bg, t.conv, t.tenant.ID, t.req.MessageID, content, meta)
	if err != nil {
		s.persistenceFailure(t, "assistant_message", err)
		return false
	}
	return msg.Replayed
}

func (s *ChatService) scheduleSummary(t *turn) {
	if s.deps.Summarizer != nil {
		s.deps.Summarizer.Schedule(t.conv)
	}
}

func (s *ChatService) persistenceFailure(t *turn, operation string, err error) {
	metrics.RecordPersistenceFailure(operation)
	t.log.Warn("persistence failure", zap.String("operation", operation), zap.Error(err))
}

func (s *ChatService) writeData(t *turn, text string) {
	if err := t.sink.Data(text); err != nil {
		t.log.Debug("data frame not delivered", zap.Error(err))
	}
}

func (s *ChatService) writeMeta(t *turn, meta model.MetaFrame) {
	if err := t.sink.Event("meta", meta); err != nil {
		t.log.Debug("meta frame not delivered", zap.Error(err))
	}
}

func (s *ChatService) writeDone(t *turn) {
	if err := t.sink.Done(); err != nil {
		t.log.Debug("done frame not delivered", zap.Error(err))
	}
}

func (s *ChatService) result(t *turn, path TurnPath, content string, meta model.MetaFrame) *TurnResult {
	res := &TurnResult{Path: path, Content: content, Meta: meta}
	if t.conv != nil {
		res.ConversationID = t.conv.ID
	}
	return res
}
