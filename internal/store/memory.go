package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

// MemoryStore is a process-local DataStore. It backs tests and development
// runs without a database.
type MemoryStore struct {
	mu sync.RWMutex

	tenants       map[string]*model.Tenant
	conversations map[string]*model.Conversation
	convByExt     map[string]string
	messages      map[string][]*model.Message
	notes         map[string][]model.Note
	documents     []model.Document
	tickets       map[string]*model.Ticket
	ticketSeq     map[string]int64
	gaps          map[string]*model.KnowledgeGap
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:       make(map[string]*model.Tenant),
		conversations: make(map[string]*model.Conversation),
		convByExt:     make(map[string]string),
		messages:      make(map[string][]*model.Message),
		notes:         make(map[string][]model.Note),
		tickets:       make(map[string]*model.Ticket),
		ticketSeq:     make(map[string]int64),
		gaps:          make(map[string]*model.KnowledgeGap),
	}
}

// AddTenant registers a tenant.
func (s *MemoryStore) AddTenant(t model.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.tenants[t.ID] = &t
}

// AddDocument registers a tenant document with its embedding.
func (s *MemoryStore) AddDocument(d model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.documents = append(s.documents, d)
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// GetTenantBySlug finds a tenant by exact slug.
func (s *MemoryStore) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

// GetTenantByCode finds a tenant by exact code.
func (s *MemoryStore) GetTenantByCode(ctx context.Context, code string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Code == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func extKey(tenantID, externalID string) string {
	return tenantID + "\x00" + externalID
}

// GetConversation looks a conversation up by its external id.
func (s *MemoryStore) GetConversation(ctx context.Context, tenantID, externalID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.convByExt[extKey(tenantID, externalID)]
	if !ok {
		return nil, nil
	}
	cp := *s.conversations[id]
	return &cp, nil
}

// GetConversationByID looks a conversation up by internal id within a tenant.
func (s *MemoryStore) GetConversationByID(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

// CreateConversation inserts a conversation, returning the existing row when
// (tenantID, externalID) is already present.
func (s *MemoryStore) CreateConversation(ctx context.Context, tenantID, externalID string, now time.Time) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.convByExt[extKey(tenantID, externalID)]; ok {
		conv := s.conversations[id]
		conv.LastActivityAt = now
		conv.UpdatedAt = now
		cp := *conv
		return &cp, nil
	}

	conv := &model.Conversation{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TenantID:       tenantID,
		ExternalID:     externalID,
		Status:         model.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	s.conversations[conv.ID] = conv
	s.convByExt[extKey(tenantID, externalID)] = conv.ID

	cp := *conv
	return &cp, nil
}

// TouchConversation refreshes the activity timestamps.
func (s *MemoryStore) TouchConversation(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.LastActivityAt = now
	conv.UpdatedAt = now
	return nil
}

// UpdateConversation applies a partial escalation update.
func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, update *model.ConversationUpdate) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if update.NeedsHuman != nil {
		conv.NeedsHuman = *update.NeedsHuman
	}
	if update.Status != nil {
		conv.Status = *update.Status
	}
	if update.IncrementFallback {
		conv.FallbackCount++
	}
	if update.SubmittedAt != nil {
		t := *update.SubmittedAt
		conv.SubmittedAt = &t
	}
	if update.Department != nil {
		d := *update.Department
		conv.Department = &d
	}
	if update.Urgent != nil {
		conv.Urgent = *update.Urgent
	}
	if update.Category != nil {
		c := *update.Category
		conv.Category = &c
	}
	conv.LastActivityAt = update.ActivityAt
	conv.UpdatedAt = update.ActivityAt

	cp := *conv
	return &cp, nil
}

// SetFirstMessageTitle sets the title from the first citizen message unless a
// title already exists or was generated by the model.
func (s *MemoryStore) SetFirstMessageTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.Title != "" || conv.TitleSource == model.TitleSourceLLM {
		return nil
	}
	conv.Title = title
	conv.TitleSource = model.TitleSourceFirstMessage
	return nil
}

// SetSummary writes the title and summary.
func (s *MemoryStore) SetSummary(ctx context.Context, id, title, summary string, source model.TitleSource, generatedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	if summary != "" {
		conv.Summary = summary
	}
	conv.TitleSource = source
	if generatedAt != nil {
		t := *generatedAt
		conv.TitleGeneratedAt = &t
	}
	return nil
}

// UpsertMessage inserts or replaces the message keyed by
// (ConversationID, ExternalID).
func (s *MemoryStore) UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	for _, existing := range s.messages[msg.ConversationID] {
		if existing.ExternalID == msg.ExternalID {
			existing.Role = msg.Role
			existing.ContentRedacted = msg.ContentRedacted
			existing.Metadata = msg.Metadata
			cp := *existing
			cp.Replayed = true
			return &cp, nil
		}
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)

	t := stored.CreatedAt
	conv.LastMessageAt = &t

	cp := stored
	return &cp, nil
}

// ListMessages returns messages in insertion order.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, *m)
	}
	return out, nil
}

// CountMessages returns the number of citizen messages and of all messages.
func (s *MemoryStore) CountMessages(ctx context.Context, conversationID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user := 0
	for _, m := range s.messages[conversationID] {
		if m.Role == model.RoleUser {
			user++
		}
	}
	return user, len(s.messages[conversationID]), nil
}

// AddNote appends a staff note.
func (s *MemoryStore) AddNote(ctx context.Context, note *model.Note) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *note
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}
	s.notes[note.ConversationID] = append(s.notes[note.ConversationID], stored)
	return &stored, nil
}

// ListNotes returns staff notes in insertion order.
func (s *MemoryStore) ListNotes(ctx context.Context, conversationID string) ([]model.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Note(nil), s.notes[conversationID]...), nil
}

// SearchDocuments ranks the tenant's documents by cosine similarity.
func (s *MemoryStore) SearchDocuments(ctx context.Context, tenantID string, embedding []float32, threshold float64, topK int) ([]model.RetrievedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.RetrievedDocument
	for _, d := range s.documents {
		if d.TenantID != tenantID {
			continue
		}
		score := cosineSimilarity(embedding, d.Embedding)
		if score < threshold {
			continue
		}
		results = append(results, model.RetrievedDocument{
			ID:         d.ID,
			Title:      d.Title,
			SourceURL:  d.SourceURL,
			Content:    d.Content,
			Similarity: score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// UpsertTicket creates or updates the conversation's ticket. CreatedAt and
// TicketRef are assigned once.
func (s *MemoryStore) UpsertTicket(ctx context.Context, up *model.TicketUpsert) (*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[up.ConversationID]
	if !ok {
		s.ticketSeq[up.TenantID]++
		t = &model.Ticket{
			ConversationID: up.ConversationID,
			TenantID:       up.TenantID,
			Status:         model.TicketStatusOpen,
			TicketRef:      FormatTicketRef(up.TenantCode, up.Now.Year(), s.ticketSeq[up.TenantID]),
			CreatedAt:      up.Now,
		}
		s.tickets[up.ConversationID] = t
	}
	applyTicketUpsert(t, up)

	cp := *t
	return &cp, nil
}

func applyTicketUpsert(t *model.Ticket, up *model.TicketUpsert) {
	if up.Status != nil {
		t.Status = *up.Status
	}
	if up.Department != nil {
		t.Department = up.Department
	}
	if up.Urgent != nil {
		t.Urgent = *up.Urgent
	}
	if up.ContactName != nil {
		t.ContactName = up.ContactName
	}
	if up.ContactPhone != nil {
		t.ContactPhone = up.ContactPhone
	}
	if up.ContactEmail != nil {
		t.ContactEmail = up.ContactEmail
	}
	if up.ContactLocation != nil {
		t.ContactLocation = up.ContactLocation
	}
	if up.ContactNote != nil {
		t.ContactNote = up.ContactNote
	}
	if up.Description != nil {
		t.Description = up.Description
	}
	if up.ConsentAt != nil {
		t.ConsentAt = up.ConsentAt
	}
	t.UpdatedAt = up.Now
}

// GetTicket returns the conversation's ticket.
func (s *MemoryStore) GetTicket(ctx context.Context, conversationID string) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// UpsertKnowledgeGap increments the gap matching the normalized question or
// records a new one.
func (s *MemoryStore) UpsertKnowledgeGap(ctx context.Context, tenantID, conversationID, question string, reason model.GapReason, now time.Time) (*model.KnowledgeGap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "\x00" + NormalizeQuestion(question)
	if g, ok := s.gaps[key]; ok {
		g.Occurrences++
		g.LastSeenAt = now
		g.ConversationID = conversationID
		cp := *g
		return &cp, nil
	}

	g := &model.KnowledgeGap{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Question:       strings.TrimSpace(question),
		Occurrences:    1,
		Reason:         reason,
		Status:         "open",
		LastSeenAt:     now,
	}
	s.gaps[key] = g
	cp := *g
	return &cp, nil
}

// KnowledgeGaps returns all recorded gaps for a tenant.
func (s *MemoryStore) KnowledgeGaps(tenantID string) []model.KnowledgeGap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.KnowledgeGap
	for _, g := range s.gaps {
		if g.TenantID == tenantID {
			out = append(out, *g)
		}
	}
	return out
}
