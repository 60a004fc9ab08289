package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/capitalize-ai/civic-assistant/internal/model"
)

//go:embed migrations/schema.sql
var schemaSQL string

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
// The vector type is registered on every new connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetTenantBySlug retrieves a city by slug.
func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	return s.getTenant(ctx, `SELECT id, code, slug, name FROM cities WHERE slug = $1`, slug)
}

// GetTenantByCode retrieves a city by code.
func (s *PostgresStore) GetTenantByCode(ctx context.Context, code string) (*model.Tenant, error) {
	return s.getTenant(ctx, `SELECT id, code, slug, name FROM cities WHERE code = $1`, code)
}

func (s *PostgresStore) getTenant(ctx context.Context, query, arg string) (*model.Tenant, error) {
	t := &model.Tenant{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(&t.ID, &t.Code, &t.Slug, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

const conversationColumns = `id, city_id, external_id, status, needs_human, fallback_count,
	category, department, urgent, title, summary, title_source, title_generated_at,
	created_at, updated_at, last_message_at, last_activity_at, submitted_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	c := &model.Conversation{}
	var status, titleSource string
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.ExternalID,
		&status,
		&c.NeedsHuman,
		&c.FallbackCount,
		&c.Category,
		&c.Department,
		&c.Urgent,
		&c.Title,
		&c.Summary,
		&titleSource,
		&c.TitleGeneratedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.LastMessageAt,
		&c.LastActivityAt,
		&c.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.Status(status)
	c.TitleSource = model.TitleSource(titleSource)
	return c, nil
}

// GetConversation retrieves a conversation by (city, external id).
func (s *PostgresStore) GetConversation(ctx context.Context, tenantID, externalID string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE city_id = $1 AND external_id = $2
	`, tenantID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// GetConversationByID retrieves a conversation by internal id within a city.
func (s *PostgresStore) GetConversationByID(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE city_id = $1 AND id = $2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// CreateConversation inserts a conversation. A concurrent insert for the same
// external id resolves to the existing row.
func (s *PostgresStore) CreateConversation(ctx context.Context, tenantID, externalID string, now time.Time) (*model.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, `
		INSERT INTO conversations (city_id, external_id, status, needs_human, fallback_count,
			created_at, updated_at, last_activity_at)
		VALUES ($1, $2, 'open', FALSE, 0, $3, $3, $3)
		ON CONFLICT (city_id, external_id)
		DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at, updated_at = EXCLUDED.updated_at
		RETURNING `+conversationColumns,
		tenantID, externalID, now))
}

// TouchConversation refreshes activity timestamps.
func (s *PostgresStore) TouchConversation(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_activity_at = $2, updated_at = $2 WHERE id = $1
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversation applies a partial escalation update.
func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, u *model.ConversationUpdate) (*model.Conversation, error) {
	var status *string
	if u.Status != nil {
		v := string(*u.Status)
		status = &v
	}
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		UPDATE conversations SET
			needs_human = COALESCE($2, needs_human),
			status = COALESCE($3, status),
			fallback_count = fallback_count + CASE WHEN $4 THEN 1 ELSE 0 END,
			submitted_at = COALESCE($5, submitted_at),
			department = COALESCE($6, department),
			urgent = COALESCE($7, urgent),
			category = COALESCE($8, category),
			last_activity_at = $9,
			updated_at = $9
		WHERE id = $1
		RETURNING `+conversationColumns,
		id, u.NeedsHuman, status, u.IncrementFallback, u.SubmittedAt, u.Department, u.Urgent, u.Category, u.ActivityAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// SetFirstMessageTitle sets the title from the first citizen message unless a
// title already exists or was generated by the model.
func (s *PostgresStore) SetFirstMessageTitle(ctx context.Context, id, title string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET title = $2, title_source = 'first_message'
		WHERE id = $1 AND title = '' AND title_source <> 'llm'
	`, id, title)
	return err
}

// SetSummary writes the conversation title and summary.
func (s *PostgresStore) SetSummary(ctx context.Context, id, title, summary string, source model.TitleSource, generatedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET
			title = $2,
			summary = CASE WHEN $3 = '' THEN summary ELSE $3 END,
			title_source = $4,
			title_generated_at = COALESCE($5, title_generated_at)
		WHERE id = $1
	`, id, title, summary, string(source), generatedAt)
	return err
}

// UpsertMessage inserts or overwrites the message keyed by
// (conversation_id, external_id). xmax is non-zero only for the updated row of
// an ON CONFLICT upsert, which marks the message as replayed.
func (s *PostgresStore) UpsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	stored := *msg
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, external_id, role, content_redacted, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, external_id)
		DO UPDATE SET
			role = EXCLUDED.role,
			content_redacted = EXCLUDED.content_redacted,
			metadata = EXCLUDED.metadata
		RETURNING id, created_at, xmax <> 0
	`, msg.ConversationID, msg.ExternalID, string(msg.Role), msg.ContentRedacted, metadata, createdAt).Scan(
		&stored.ID,
		&stored.CreatedAt,
		&stored.Replayed,
	)
	if err != nil {
		return nil, err
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2) WHERE id = $1
	`, msg.ConversationID, stored.CreatedAt); err != nil {
		return nil, err
	}

	return &stored, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, external_id, role, content_redacted, metadata, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var role string
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ExternalID, &role, &m.ContentRedacted, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = model.Role(role)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &m.Metadata)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of citizen messages and of all messages.
func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, int, error) {
	var user, total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE role = 'user'), COUNT(*)
		FROM messages WHERE conversation_id = $1
	`, conversationID).Scan(&user, &total)
	return user, total, err
}

// AddNote appends a staff note.
func (s *PostgresStore) AddNote(ctx context.Context, note *model.Note) (*model.Note, error) {
	stored := *note
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_notes (conversation_id, author, body, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, note.ConversationID, note.Author, note.Body, note.CreatedAt).Scan(&stored.ID)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListNotes returns staff notes in chronological order.
func (s *PostgresStore) ListNotes(ctx context.Context, conversationID string) ([]model.Note, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, author, body, created_at
		FROM conversation_notes WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Author, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// SearchDocuments performs cosine similarity search with pgvector.
// The <=> operator is cosine distance, so similarity is 1 - distance and rows
// come back most similar first.
func (s *PostgresStore) SearchDocuments(ctx context.Context, tenantID string, embedding []float32, threshold float64, topK int) ([]model.RetrievedDocument, error) {
	vector := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, source_url, content, 1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE city_id = $2 AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`, vector, tenantID, threshold, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []model.RetrievedDocument
	for rows.Next() {
		var d model.RetrievedDocument
		if err := rows.Scan(&d.ID, &d.Title, &d.SourceURL, &d.Content, &d.Similarity); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

const ticketColumns = `conversation_id, city_id, status, department, urgent, contact_name,
	contact_phone, contact_email, contact_location, contact_note, description, consent_at,
	ticket_ref, created_at, updated_at`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	t := &model.Ticket{}
	var status string
	err := row.Scan(
		&t.ConversationID,
		&t.TenantID,
		&status,
		&t.Department,
		&t.Urgent,
		&t.ContactName,
		&t.ContactPhone,
		&t.ContactEmail,
		&t.ContactLocation,
		&t.ContactNote,
		&t.Description,
		&t.ConsentAt,
		&t.TicketRef,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.TicketStatus(status)
	return t, nil
}

// UpsertTicket creates the conversation's ticket on first call, allocating a
// ticket reference from the city's sequence, then applies the non-nil fields.
func (s *PostgresStore) UpsertTicket(ctx context.Context, up *model.TicketUpsert) (*model.Ticket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existingRef string
	err = tx.QueryRow(ctx, `
		SELECT ticket_ref FROM tickets WHERE conversation_id = $1 FOR UPDATE
	`, up.ConversationID).Scan(&existingRef)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if existingRef == "" {
		var seq int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO ticket_sequences (city_id, last) VALUES ($1, 1)
			ON CONFLICT (city_id) DO UPDATE SET last = ticket_sequences.last + 1
			RETURNING last
		`, up.TenantID).Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to allocate ticket ref: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO tickets (conversation_id, city_id, status, ticket_ref, created_at, updated_at)
			VALUES ($1, $2, 'open', $3, $4, $4)
			ON CONFLICT (conversation_id) DO NOTHING
		`, up.ConversationID, up.TenantID, FormatTicketRef(up.TenantCode, up.Now.Year(), seq), up.Now); err != nil {
			return nil, err
		}
	}

	var status *string
	if up.Status != nil {
		v := string(*up.Status)
		status = &v
	}
	t, err := scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets SET
			status = COALESCE($2, status),
			department = COALESCE($3, department),
			urgent = COALESCE($4, urgent),
			contact_name = COALESCE($5, contact_name),
			contact_phone = COALESCE($6, contact_phone),
			contact_email = COALESCE($7, contact_email),
			contact_location = COALESCE($8, contact_location),
			contact_note = COALESCE($9, contact_note),
			description = COALESCE($10, description),
			consent_at = COALESCE($11, consent_at),
			updated_at = $12
		WHERE conversation_id = $1
		RETURNING `+ticketColumns,
		up.ConversationID, status, up.Department, up.Urgent, up.ContactName, up.ContactPhone,
		up.ContactEmail, up.ContactLocation, up.ContactNote, up.Description, up.ConsentAt, up.Now))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTicket retrieves the conversation's ticket.
func (s *PostgresStore) GetTicket(ctx context.Context, conversationID string) (*model.Ticket, error) {
	t, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE conversation_id = $1
	`, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// UpsertKnowledgeGap increments the gap for the normalized question or inserts it.
func (s *PostgresStore) UpsertKnowledgeGap(ctx context.Context, tenantID, conversationID, question string, reason model.GapReason, now time.Time) (*model.KnowledgeGap, error) {
	g := &model.KnowledgeGap{}
	var gapReason string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO knowledge_gaps (city_id, conversation_id, question, question_key, occurrences, reason, status, last_seen_at)
		VALUES ($1, $2, $3, $4, 1, $5, 'open', $6)
		ON CONFLICT (city_id, question_key)
		DO UPDATE SET
			occurrences = knowledge_gaps.occurrences + 1,
			last_seen_at = EXCLUDED.last_seen_at,
			conversation_id = EXCLUDED.conversation_id
		RETURNING id, city_id, conversation_id, question, occurrences, reason, status, last_seen_at
	`, tenantID, conversationID, strings.TrimSpace(question), NormalizeQuestion(question), string(reason), now).Scan(
		&g.ID,
		&g.TenantID,
		&g.ConversationID,
		&g.Question,
		&g.Occurrences,
		&gapReason,
		&g.Status,
		&g.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	g.Reason = model.GapReason(gapReason)
	return g, nil
}
