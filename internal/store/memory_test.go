package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

func newTestStore(t *testing.T) (*MemoryStore, model.Tenant) {
	t.Helper()
	s := NewMemoryStore()
	tenant := model.Tenant{ID: "city-1", Code: "ZG", Slug: "zagreb"}
	s.AddTenant(tenant)
	return s, tenant
}

func TestMemoryStore_UpsertMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	now := time.Now().UTC()

	conv, err := s.CreateConversation(ctx, tenant.ID, "ext-1", now)
	require.NoError(t, err)

	first, err := s.UpsertMessage(ctx, &model.Message{
		ConversationID:  conv.ID,
		ExternalID:      model.UserExternalID("m-1"),
		Role:            model.RoleUser,
		ContentRedacted: "prvi pokušaj",
	})
	require.NoError(t, err)

	second, err := s.UpsertMessage(ctx, &model.Message{
		ConversationID:  conv.ID,
		ExternalID:      model.UserExternalID("m-1"),
		Role:            model.RoleUser,
		ContentRedacted: "drugi pokušaj",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)

	messages, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "drugi pokušaj", messages[0].ContentRedacted)
}

func TestMemoryStore_CreateConversationReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)

	a, err := s.CreateConversation(ctx, tenant.ID, "ext-1", time.Now())
	require.NoError(t, err)
	b, err := s.CreateConversation(ctx, tenant.ID, "ext-1", time.Now())
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, model.StatusOpen, b.Status)
	assert.False(t, b.NeedsHuman)
	assert.Zero(t, b.FallbackCount)
}

func TestMemoryStore_FirstMessageTitleRespectsLLMTitle(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	conv, err := s.CreateConversation(ctx, tenant.ID, "ext-1", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.SetSummary(ctx, conv.ID, "Generirani naslov", "sažetak", model.TitleSourceLLM, nil))
	require.NoError(t, s.SetFirstMessageTitle(ctx, conv.ID, "prva poruka"))

	got, err := s.GetConversationByID(ctx, tenant.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Generirani naslov", got.Title)
	assert.Equal(t, model.TitleSourceLLM, got.TitleSource)
}

func TestMemoryStore_UpsertTicketPreservesRefAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	conv, err := s.CreateConversation(ctx, tenant.ID, "ext-1", time.Now())
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first, err := s.UpsertTicket(ctx, &model.TicketUpsert{
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		TenantCode:     tenant.Code,
		Now:            t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "ZG-2026-00001", first.TicketRef)

	name := "Ana"
	second, err := s.UpsertTicket(ctx, &model.TicketUpsert{
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		TenantCode:     tenant.Code,
		ContactName:    &name,
		Now:            t0.Add(time.Hour),
	})
	require.NoError(t, err)

	assert.Equal(t, first.TicketRef, second.TicketRef)
	assert.Equal(t, t0, second.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), second.UpdatedAt)
	require.NotNil(t, second.ContactName)
	assert.Equal(t, "Ana", *second.ContactName)
}

func TestMemoryStore_TicketRefSequenceIsPerTenant(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	other := model.Tenant{ID: "city-2", Code: "ST", Slug: "split"}
	s.AddTenant(other)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c1, _ := s.CreateConversation(ctx, tenant.ID, "a", now)
	c2, _ := s.CreateConversation(ctx, tenant.ID, "b", now)
	c3, _ := s.CreateConversation(ctx, other.ID, "a", now)

	t1, err := s.UpsertTicket(ctx, &model.TicketUpsert{ConversationID: c1.ID, TenantID: tenant.ID, TenantCode: "zg", Now: now})
	require.NoError(t, err)
	t2, err := s.UpsertTicket(ctx, &model.TicketUpsert{ConversationID: c2.ID, TenantID: tenant.ID, TenantCode: "zg", Now: now})
	require.NoError(t, err)
	t3, err := s.UpsertTicket(ctx, &model.TicketUpsert{ConversationID: c3.ID, TenantID: other.ID, TenantCode: "st", Now: now})
	require.NoError(t, err)

	assert.Equal(t, "ZG-2026-00001", t1.TicketRef)
	assert.Equal(t, "ZG-2026-00002", t2.TicketRef)
	assert.Equal(t, "ST-2026-00001", t3.TicketRef)
}

func TestMemoryStore_KnowledgeGapGroupsByNormalizedQuestion(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	now := time.Now().UTC()

	g1, err := s.UpsertKnowledgeGap(ctx, tenant.ID, "c1", "Kada je odvoz smeća?", model.GapReasonNoSources, now)
	require.NoError(t, err)
	assert.Equal(t, 1, g1.Occurrences)

	g2, err := s.UpsertKnowledgeGap(ctx, tenant.ID, "c2", "  kada je ODVOZ smeća?  ", model.GapReasonNoSources, now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, g1.ID, g2.ID)
	assert.Equal(t, 2, g2.Occurrences)
	assert.Equal(t, now.Add(time.Minute), g2.LastSeenAt)
	assert.Len(t, s.KnowledgeGaps(tenant.ID), 1)
}

func TestMemoryStore_SearchDocumentsScopedToTenant(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)
	s.AddDocument(model.Document{TenantID: tenant.ID, Title: "A", Embedding: []float32{1, 0}})
	s.AddDocument(model.Document{TenantID: tenant.ID, Title: "B", Embedding: []float32{0.6, 0.8}})
	s.AddDocument(model.Document{TenantID: "other", Title: "C", Embedding: []float32{1, 0}})

	docs, err := s.SearchDocuments(ctx, tenant.ID, []float32{1, 0}, 0.5, 5)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "A", docs[0].Title)
	assert.InDelta(t, 1.0, docs[0].Similarity, 1e-9)
	assert.Equal(t, "B", docs[1].Title)
	assert.InDelta(t, 0.6, docs[1].Similarity, 1e-6)
}

func TestFormatTicketRef(t *testing.T) {
	assert.Equal(t, "RI-2025-00042", FormatTicketRef("ri", 2025, 42))
	assert.Equal(t, "TKT-2025-00001", FormatTicketRef("", 2025, 1))
}
