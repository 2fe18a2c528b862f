package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// ChatStore persists conversations and their messages.
type ChatStore struct {
	db *DB
}

// NewChatStore creates a ChatStore.
func NewChatStore(db *DB) *ChatStore {
	return &ChatStore{db: db}
}

// CreateConversation starts a conversation with its pinned document scope.
func (s *ChatStore) CreateConversation(ctx context.Context, title string, scopeDocIDs []int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (title, scope_doc_ids) VALUES ($1, $2) RETURNING id`,
		title, pq.Array(scopeDocIDs),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// GetConversation retrieves a conversation by ID.
func (s *ChatStore) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	var c domain.Conversation
	var scope pq.Int64Array
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, scope_doc_ids, created_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &scope, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.ScopeDocIDs = scope
	return &c, nil
}

// SetConversationScope pins the retrieval scope established by the first exchange.
func (s *ChatStore) SetConversationScope(ctx context.Context, id int64, scopeDocIDs []int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET scope_doc_ids = $2 WHERE id = $1`,
		id, pq.Array(scopeDocIDs))
	if err != nil {
		return fmt.Errorf("set conversation scope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

// AppendMessage persists one turn of a conversation.
func (s *ChatStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_messages (conversation_id, role, content, referenced_ids)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		msg.ConversationID, string(msg.Role), msg.Content, pq.Array(msg.ReferencedIDs),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append chat message: %w", err)
	}
	return id, nil
}

// Messages returns a conversation's messages in chronological order.
func (s *ChatStore) Messages(ctx context.Context, conversationID int64) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, referenced_ids, created_at
		 FROM chat_messages WHERE conversation_id = $1 ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		var refs pq.Int64Array
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &refs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Role = domain.ChatRole(role)
		m.ReferencedIDs = refs
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}
