// Package chat builds retrieval context over the document corpus and drives
// streaming conversations grounded in it.
package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kailas-cloud/docsense/internal/domain"
	"github.com/kailas-cloud/docsense/internal/repository/postgres"
)

// Retrieval depth: contextK normally, wideContextK when the caller narrowed
// the search to a small allow-list and likely wants all of it considered.
const (
	contextK      = 5
	wideContextK  = 10
	smallListSize = 10
)

// maxContextRunes bounds the rendered retrieval context.
const maxContextRunes = 20000

// ConversationStore persists conversations and turns.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string, scopeDocIDs []int64) (int64, error)
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)
	SetConversationScope(ctx context.Context, id int64, scopeDocIDs []int64) error
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) (int64, error)
	Messages(ctx context.Context, conversationID int64) ([]domain.ChatMessage, error)
}

// DocumentReader is the retrieval surface for context building.
type DocumentReader interface {
	GetMany(ctx context.Context, ids []int64) ([]domain.Document, error)
	SearchSemantic(ctx context.Context, vec []float32, limit int) ([]postgres.SemanticHit, error)
	SearchSemanticWithin(ctx context.Context, vec []float32, allowIDs []int64, limit int) ([]postgres.SemanticHit, error)
}

// EntityReader resolves taxonomy IDs to names for context headers.
type EntityReader interface {
	Get(ctx context.Context, id int64) (*domain.Entity, error)
}

// Streamer drives the completion model.
type Streamer interface {
	Stream(ctx context.Context, system string, history []domain.ChatMessage, onChunk func(string) error) (string, error)
	GenerateTitle(ctx context.Context, firstMessage string) string
}

// MessageRequest is one user turn.
type MessageRequest struct {
	ConversationID int64 // zero starts a new conversation
	Message        string
	AllowDocIDs    []int64 // restrict fresh retrieval to these documents
	ExcludeDocIDs  []int64 // drop these from a pinned scope
	SearchNew      bool    // ignore the pinned scope, search the corpus again
}

// Service is the chat usecase.
type Service struct {
	store    ConversationStore
	docs     DocumentReader
	entities EntityReader
	embed    domain.Embedder // query-instruction embedding chain
	streamer Streamer
	logger   *zap.Logger
}

// New creates the chat service.
func New(
	store ConversationStore, docs DocumentReader, entities EntityReader,
	embed domain.Embedder, streamer Streamer, logger *zap.Logger,
) *Service {
	return &Service{
		store: store, docs: docs, entities: entities,
		embed: embed, streamer: streamer, logger: logger,
	}
}

// StreamMessage runs one conversation turn: builds retrieval context, emits
// the referenced-documents event, streams completion chunks, persists both
// turns, and terminates with a done or error event. On a mid-stream failure
// the partial assistant text is persisted before the error event so the
// conversation history never loses delivered content. Returns the
// conversation ID (freshly created for a first turn).
func (s *Service) StreamMessage(
	ctx context.Context, req MessageRequest, emit func(domain.ChatEvent) error,
) (int64, error) {
	conv, history, err := s.loadConversation(ctx, req)
	if err != nil {
		return 0, err
	}

	contextText, refIDs, err := s.BuildContext(ctx, conv, history, req)
	if err != nil {
		_ = emit(domain.ChatEvent{Type: domain.ChatEventError, Err: "retrieval failed"})
		return conv.ID, fmt.Errorf("build context: %w", err)
	}

	if _, err := s.store.AppendMessage(ctx, &domain.ChatMessage{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        req.Message,
	}); err != nil {
		return conv.ID, fmt.Errorf("persist user turn: %w", err)
	}

	// First exchange pins the retrieval scope and names the conversation.
	if len(history) == 0 {
		if err := s.store.SetConversationScope(ctx, conv.ID, refIDs); err != nil {
			s.logger.Warn("pinning conversation scope failed",
				zap.Int64("conversation_id", conv.ID), zap.Error(err))
		}
	}

	if err := emit(domain.ChatEvent{Type: domain.ChatEventRefs, Refs: refIDs}); err != nil {
		return conv.ID, fmt.Errorf("emit refs: %w", err)
	}

	turns := append(history, domain.ChatMessage{Role: domain.RoleUser, Content: req.Message})
	text, streamErr := s.streamer.Stream(ctx, systemPrompt(contextText), turns, func(chunk string) error {
		return emit(domain.ChatEvent{Type: domain.ChatEventChunk, Chunk: chunk})
	})

	if text != "" {
		if _, err := s.store.AppendMessage(ctx, &domain.ChatMessage{
			ConversationID: conv.ID,
			Role:           domain.RoleAssistant,
			Content:        text,
			ReferencedIDs:  refIDs,
		}); err != nil {
			s.logger.Error("persisting assistant turn failed",
				zap.Int64("conversation_id", conv.ID), zap.Error(err))
		}
	}

	if streamErr != nil {
		if err := emit(domain.ChatEvent{Type: domain.ChatEventError, Err: "completion interrupted"}); err != nil {
			return conv.ID, fmt.Errorf("emit error event: %w", err)
		}
		return conv.ID, fmt.Errorf("chat stream: %w", streamErr)
	}

	if err := emit(domain.ChatEvent{Type: domain.ChatEventDone}); err != nil {
		return conv.ID, fmt.Errorf("emit done: %w", err)
	}
	return conv.ID, nil
}

func (s *Service) loadConversation(
	ctx context.Context, req MessageRequest,
) (*domain.Conversation, []domain.ChatMessage, error) {
	if req.ConversationID == 0 {
		title := s.streamer.GenerateTitle(ctx, req.Message)
		id, err := s.store.CreateConversation(ctx, title, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create conversation: %w", err)
		}
		return &domain.Conversation{ID: id, Title: title}, nil, nil
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	}
	history, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	return conv, history, nil
}

// BuildContext assembles the retrieval context for one turn. A pinned scope
// (minus per-message exclusions) is read directly; otherwise a fresh vector
// search runs over the corpus or the allow-list.
func (s *Service) BuildContext(
	ctx context.Context, conv *domain.Conversation, history []domain.ChatMessage, req MessageRequest,
) (string, []int64, error) {
	if ids := pinnedSet(conv.ScopeDocIDs, req.ExcludeDocIDs); len(ids) > 0 && !req.SearchNew {
		docs, err := s.docs.GetMany(ctx, ids)
		if err != nil {
			return "", nil, fmt.Errorf("load pinned documents: %w", err)
		}
		return s.render(ctx, docs), documentIDs(docs), nil
	}

	// Fresh search. A forced re-search embeds the current message alone;
	// otherwise the last two user turns sharpen the query.
	query := req.Message
	if !req.SearchNew {
		query = withRecentUserTurns(req.Message, history)
	}

	emb, err := s.embed.Embed(ctx, query)
	if err != nil {
		return "", nil, fmt.Errorf("embed chat query: %w", err)
	}

	k := contextK
	if n := len(req.AllowDocIDs); n > 0 && n <= smallListSize {
		k = wideContextK
	}

	var hits []postgres.SemanticHit
	if len(req.AllowDocIDs) > 0 {
		hits, err = s.docs.SearchSemanticWithin(ctx, emb.Embedding, req.AllowDocIDs, k)
	} else {
		hits, err = s.docs.SearchSemantic(ctx, emb.Embedding, k)
	}
	if err != nil {
		return "", nil, fmt.Errorf("retrieve context: %w", err)
	}

	docs := make([]domain.Document, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.Document)
	}
	return s.render(ctx, docs), documentIDs(docs), nil
}

// render produces the delimited per-document context blocks, bounded in
// total size.
func (s *Service) render(ctx context.Context, docs []domain.Document) string {
	var b strings.Builder
	total := 0
	for _, doc := range docs {
		block := s.renderBlock(ctx, doc)
		runes := utf8.RuneCountInString(block)
		if total+runes > maxContextRunes && total > 0 {
			break
		}
		b.WriteString(block)
		total += runes
	}
	return b.String()
}

func (s *Service) renderBlock(ctx context.Context, doc domain.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== DOCUMENT %d: %s ===\n", doc.ID, doc.Title)

	var header []string
	if name := s.entityName(ctx, doc.CorrespondentID); name != "" {
		header = append(header, "Correspondent: "+name)
	}
	if name := s.entityName(ctx, doc.DocumentTypeID); name != "" {
		header = append(header, "Type: "+name)
	}
	if doc.DocumentDate != "" {
		header = append(header, "Date: "+doc.DocumentDate)
	}
	if len(header) > 0 {
		b.WriteString(strings.Join(header, " | "))
		b.WriteString("\n")
	}

	b.WriteString(doc.Content)
	fmt.Fprintf(&b, "\n=== END DOCUMENT %d ===\n\n", doc.ID)
	return b.String()
}

// entityName resolves a taxonomy ID, degrading to an empty header line on
// failure.
func (s *Service) entityName(ctx context.Context, id *int64) string {
	if id == nil {
		return ""
	}
	entity, err := s.entities.Get(ctx, *id)
	if err != nil {
		s.logger.Debug("entity lookup for context header failed",
			zap.Int64("entity_id", *id), zap.Error(err))
		return ""
	}
	return entity.Name
}

func systemPrompt(contextText string) string {
	return "You are a document assistant. Answer using only the documents " +
		"below; when the answer is not in them, say so. Cite documents by " +
		"their number.\n\n" + contextText
}

// pinnedSet applies per-message exclusions to the conversation scope.
func pinnedSet(scope, exclude []int64) []int64 {
	if len(scope) == 0 {
		return nil
	}
	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	out := make([]int64, 0, len(scope))
	for _, id := range scope {
		if !excluded[id] {
			out = append(out, id)
		}
	}
	return out
}

// withRecentUserTurns appends the last two user turns before the current
// message so follow-up questions keep their subject.
func withRecentUserTurns(message string, history []domain.ChatMessage) string {
	var recent []string
	for i := len(history) - 1; i >= 0 && len(recent) < 2; i-- {
		if history[i].Role == domain.RoleUser {
			recent = append([]string{history[i].Content}, recent...)
		}
	}
	if len(recent) == 0 {
		return message
	}
	return strings.Join(append(recent, message), "\n")
}

func documentIDs(docs []domain.Document) []int64 {
	ids := make([]int64, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}
