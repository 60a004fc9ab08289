package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/llm"
	"github.com/capitalize-ai/civic-assistant/internal/lock"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/internal/worker"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

const summaryPrompt = `Sažmi razgovor građanina s gradskim asistentom.
Odgovori isključivo JSON objektom oblika {"title": "...", "summary": "..."}.
Naslov neka ima najviše 60 znakova, sažetak najviše tri rečenice.`

// SummarizerConfig controls when a conversation is summarized.
type SummarizerConfig struct {
	MinUserMessages  int
	MinTotalMessages int
	LockTTL          time.Duration
	MaxTokens        int
}

// Summarizer generates conversation titles and summaries in the background.
type Summarizer struct {
	store  store.DataStore
	client llm.Client
	pool   *worker.Pool
	locker lock.Locker
	cfg    SummarizerConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewSummarizer creates a summarizer submitting work to pool.
func NewSummarizer(s store.DataStore, client llm.Client, pool *worker.Pool, locker lock.Locker, cfg SummarizerConfig, log *logger.Logger) *Summarizer {
	if cfg.MinUserMessages <= 0 {
		cfg.MinUserMessages = 2
	}
	if cfg.MinTotalMessages <= 0 {
		cfg.MinTotalMessages = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Summarizer{
		store:  s,
		client: client,
		pool:   pool,
		locker: locker,
		cfg:    cfg,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Schedule submits a summarization task for the conversation unless it
// already carries a generated title. It never blocks on the task.
func (s *Summarizer) Schedule(conv *model.Conversation) {
	if conv == nil || conv.TitleSource == model.TitleSourceLLM {
		return
	}
	tenantID, convID := conv.TenantID, conv.ID
	err := s.pool.Submit("summarize:"+convID, func(ctx context.Context) error {
		return s.Run(ctx, tenantID, convID)
	})
	if err != nil {
		s.logger.Warn("summary task not scheduled", zap.String("conversation_id", convID), zap.Error(err))
	}
}

// Run summarizes one conversation when it has crossed the message-count
// threshold. A failed generation falls back to the first citizen message as
// title; the original failure is returned for the pool's error handler.
func (s *Summarizer) Run(ctx context.Context, tenantID, convID string) error {
	release, ok, err := s.locker.TryAcquire(ctx, "summary:"+convID, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire summary lock: %w", err)
	}
	if !ok {
		metrics.SummariesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer release()

	conv, err := s.store.GetConversationByID(ctx, tenantID, convID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil || conv.TitleSource == model.TitleSourceLLM {
		return nil
	}

	users, total, err := s.store.CountMessages(ctx, convID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if users < s.cfg.MinUserMessages && total < s.cfg.MinTotalMessages {
		return nil
	}

	messages, err := s.store.ListMessages(ctx, convID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	title, summary, genErr := s.generate(ctx, messages)
	if genErr == nil {
		generatedAt := s.now()
		if err := s.store.SetSummary(ctx, convID, title, summary, model.TitleSourceLLM, &generatedAt); err != nil {
			genErr = fmt.Errorf("store summary: %w", err)
		} else {
			metrics.SummariesTotal.WithLabelValues("llm").Inc()
			return nil
		}
	}

	metrics.SummariesTotal.WithLabelValues("fallback").Inc()
	if first := firstUserMessage(messages); first != "" {
		if err := s.store.SetSummary(ctx, convID, FirstMessageTitle(first), conv.Summary, model.TitleSourceFirstMessage, nil); err != nil {
			s.logger.Warn("fallback title failed", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	return fmt.Errorf("summarize conversation %s: %w", convID, genErr)
}

func (s *Summarizer) generate(ctx context.Context, messages []model.Message) (string, string, error) {
	if s.client == nil {
		return "", "", llm.ErrNotConfigured
	}

	resp, err := s.client.Complete(ctx, &llm.CompletionRequest{
		System:      summaryPrompt,
		Messages:    []llm.ChatMessage{{Role: "user", Content: transcript(messages)}},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", "", err
	}
	return parseSummary(resp.Content)
}

func parseSummary(content string) (string, string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return "", "", fmt.Errorf("parse summary: %w", err)
	}
	title := strings.TrimSpace(out.Title)
	if title == "" {
		return "", "", errors.New("parse summary: empty title")
	}
	return store.TruncateRunes(title, model.TitleMaxChars), strings.TrimSpace(out.Summary), nil
}

func transcript(messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case model.RoleUser:
			b.WriteString("Građanin: ")
		case model.RoleAssistant:
			b.WriteString("Asistent: ")
		default:
			continue
		}
		b.WriteString(m.ContentRedacted)
		b.WriteString("\n")
	}
	return b.String()
}

func firstUserMessage(messages []model.Message) string {
	for _, m := range messages {
		if m.Role == model.RoleUser && strings.TrimSpace(m.ContentRedacted) != "" {
			return m.ContentRedacted
		}
	}
	return ""
}
