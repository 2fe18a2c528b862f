package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// DocumentStore persists documents and answers lexical/vector queries
// against the pgvector-backed documents table.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a DocumentStore.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Ping verifies database connectivity for health checks.
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const documentColumns = `
	d.id, d.title, d.content, d.embedding::text, d.processed, d.processing_error,
	d.summary, d.language, d.document_date, d.page_count, d.thumbnail_path,
	d.checksum, d.correspondent_id, d.document_type_id, d.extracted_data,
	d.created_at, d.updated_at, d.deleted_at`

// Create inserts an empty document shell for a fresh upload.
func (s *DocumentStore) Create(ctx context.Context, title, checksum string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO documents (title, checksum) VALUES ($1, $2) RETURNING id`,
		title, checksum,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create document: %w", err)
	}
	return id, nil
}

// Get retrieves a document by ID, including its tag links.
func (s *DocumentStore) Get(ctx context.Context, id int64) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents d WHERE d.id = $1`, id)

	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}

	if doc.TagIDs, err = s.tagIDs(ctx, id); err != nil {
		return nil, err
	}
	return doc, nil
}

// GetMany retrieves documents by ID. Missing IDs are silently skipped.
func (s *DocumentStore) GetMany(ctx context.Context, ids []int64) ([]domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.id = ANY($1) AND d.deleted_at IS NULL`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// FindByChecksum looks up a non-deleted document with the given checksum.
func (s *DocumentStore) FindByChecksum(ctx context.Context, checksum string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.checksum = $1 AND d.deleted_at IS NULL
		 ORDER BY d.id LIMIT 1`, checksum)
	return scanDocument(row)
}

// MarkFailed records a hard pipeline failure: the document is marked
// processed (so it never re-triggers automatically) with a human-readable
// error summary; taxonomy and content fields stay untouched.
func (s *DocumentStore) MarkFailed(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET processed = TRUE, processing_error = $2, updated_at = now()
		 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return requireRow(res)
}

// ProcessingUpdate carries the pipeline's single persisting write.
type ProcessingUpdate struct {
	Title           string
	Content         string
	Summary         string
	Language        string
	DocumentDate    string
	PageCount       int
	ThumbnailPath   string
	ExtractedData   map[string]string
	CorrespondentID *int64
	DocumentTypeID  *int64
	TagIDs          []int64
}

// CompleteProcessing persists the full pipeline result in one transaction
// and marks the document processed.
func (s *DocumentStore) CompleteProcessing(ctx context.Context, id int64, upd ProcessingUpdate) error {
	extracted, err := json.Marshal(upd.ExtractedData)
	if err != nil {
		return fmt.Errorf("marshal extracted data: %w", err)
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET
				title = $2, content = $3, summary = $4, language = $5,
				document_date = $6, page_count = $7, thumbnail_path = $8,
				extracted_data = $9, correspondent_id = $10, document_type_id = $11,
				processed = TRUE, processing_error = '', updated_at = now()
			 WHERE id = $1`,
			id, upd.Title, upd.Content, upd.Summary, upd.Language,
			upd.DocumentDate, upd.PageCount, upd.ThumbnailPath,
			extracted, upd.CorrespondentID, upd.DocumentTypeID)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM document_tags WHERE document_id = $1`, id); err != nil {
			return fmt.Errorf("clear document tags: %w", err)
		}
		for _, tagID := range upd.TagIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_tags (document_id, tag_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, id, tagID); err != nil {
				return fmt.Errorf("link tag %d: %w", tagID, err)
			}
		}
		return nil
	})
}

// SetEmbedding stores the embedding vector for a document.
func (s *DocumentStore) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = $2::vector, updated_at = now() WHERE id = $1`,
		id, formatVector(vec))
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return requireRow(res)
}

// ApplyRuleEffects persists the matching rule engine's resolved state:
// correspondent/type overrides plus additive tag links.
func (s *DocumentStore) ApplyRuleEffects(
	ctx context.Context, id int64,
	correspondentID, documentTypeID *int64, addTagIDs []int64,
) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if correspondentID != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET correspondent_id = $2, updated_at = now() WHERE id = $1`,
				id, *correspondentID); err != nil {
				return fmt.Errorf("set correspondent: %w", err)
			}
		}
		if documentTypeID != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE documents SET document_type_id = $2, updated_at = now() WHERE id = $1`,
				id, *documentTypeID); err != nil {
				return fmt.Errorf("set document type: %w", err)
			}
		}
		for _, tagID := range addTagIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO document_tags (document_id, tag_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, id, tagID); err != nil {
				return fmt.Errorf("link tag %d: %w", tagID, err)
			}
		}
		return nil
	})
}

// SearchLexical runs a case-insensitive substring match over title and
// content, newest first.
func (s *DocumentStore) SearchLexical(ctx context.Context, query string, limit, offset int) ([]domain.Document, error) {
	pattern := "%" + escapeLike(query) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.deleted_at IS NULL
		   AND (d.title ILIKE $1 OR d.content ILIKE $1)
		 ORDER BY d.created_at DESC
		 LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// SemanticHit is a document with its cosine similarity to the query vector.
type SemanticHit struct {
	Document domain.Document
	Score    float64
}

// SearchSemantic ranks embedded documents by cosine similarity to the query
// vector using the pgvector distance operator.
func (s *DocumentStore) SearchSemantic(ctx context.Context, vec []float32, limit int) ([]SemanticHit, error) {
	return s.searchSemantic(ctx, vec, nil, limit)
}

// SearchSemanticWithin is SearchSemantic restricted to an ID allow-list.
func (s *DocumentStore) SearchSemanticWithin(
	ctx context.Context, vec []float32, allowIDs []int64, limit int,
) ([]SemanticHit, error) {
	return s.searchSemantic(ctx, vec, allowIDs, limit)
}

func (s *DocumentStore) searchSemantic(
	ctx context.Context, vec []float32, allowIDs []int64, limit int,
) ([]SemanticHit, error) {
	query := `SELECT ` + documentColumns + `, 1 - (d.embedding <=> $1::vector) AS score
		 FROM documents d
		 WHERE d.deleted_at IS NULL AND d.embedding IS NOT NULL`
	args := []any{formatVector(vec)}

	if len(allowIDs) > 0 {
		query += ` AND d.id = ANY($2)`
		args = append(args, pq.Array(allowIDs))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY d.embedding <=> $1::vector LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()

	var hits []SemanticHit
	for rows.Next() {
		doc, score, err := scanDocumentWithScore(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SemanticHit{Document: *doc, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate semantic hits: %w", err)
	}
	return hits, nil
}

// SimilarityPairs runs the duplicate-scan self-join: all pairs of embedded,
// non-deleted documents above the threshold, ordered by similarity
// descending, capped at maxPairs.
func (s *DocumentStore) SimilarityPairs(ctx context.Context, threshold float64, maxPairs int) ([]domain.SimilarityPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d1.id, d2.id, 1 - (d1.embedding <=> d2.embedding) AS similarity
		 FROM documents d1
		 JOIN documents d2 ON d1.id < d2.id
		 WHERE d1.deleted_at IS NULL AND d2.deleted_at IS NULL
		   AND d1.embedding IS NOT NULL AND d2.embedding IS NOT NULL
		   AND 1 - (d1.embedding <=> d2.embedding) > $1
		 ORDER BY similarity DESC
		 LIMIT $2`, threshold, maxPairs)
	if err != nil {
		return nil, fmt.Errorf("similarity pairs: %w", err)
	}
	defer rows.Close()

	var pairs []domain.SimilarityPair
	for rows.Next() {
		var p domain.SimilarityPair
		if err := rows.Scan(&p.DocumentID1, &p.DocumentID2, &p.Similarity); err != nil {
			return nil, fmt.Errorf("scan similarity pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similarity pairs: %w", err)
	}
	return pairs, nil
}

// CountEmbedded counts the documents eligible for a duplicate scan.
func (s *DocumentStore) CountEmbedded(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents
		 WHERE deleted_at IS NULL AND embedding IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count embedded: %w", err)
	}
	return n, nil
}

// BackfillCandidates returns processed documents with text but no embedding.
func (s *DocumentStore) BackfillCandidates(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.deleted_at IS NULL AND d.processed
		   AND d.embedding IS NULL
		   AND d.content IS NOT NULL AND d.content <> ''
		 ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("backfill candidates: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// ListProcessed returns all processed, non-deleted documents; used by the
// rule-test preview.
func (s *DocumentStore) ListProcessed(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 WHERE d.deleted_at IS NULL AND d.processed
		 ORDER BY d.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (s *DocumentStore) tagIDs(ctx context.Context, docID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id FROM document_tags WHERE document_id = $1 ORDER BY tag_id`, docID)
	if err != nil {
		return nil, fmt.Errorf("document tags: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tag id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag ids: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	doc, _, err := scanDocumentFields(row, false)
	return doc, err
}

func scanDocumentWithScore(row rowScanner) (*domain.Document, float64, error) {
	return scanDocumentFields(row, true)
}

func scanDocumentFields(row rowScanner, withScore bool) (*domain.Document, float64, error) {
	var doc domain.Document
	var content, embedding sql.NullString
	var correspondentID, documentTypeID sql.NullInt64
	var extracted []byte
	var deletedAt sql.NullTime
	var score float64

	dest := []any{
		&doc.ID, &doc.Title, &content, &embedding, &doc.Processed, &doc.ProcessingError,
		&doc.Summary, &doc.Language, &doc.DocumentDate, &doc.PageCount, &doc.ThumbnailPath,
		&doc.Checksum, &correspondentID, &documentTypeID, &extracted,
		&doc.CreatedAt, &doc.UpdatedAt, &deletedAt,
	}
	if withScore {
		dest = append(dest, &score)
	}

	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, 0, domain.ErrDocumentNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan document: %w", err)
	}

	doc.Content = content.String
	if embedding.Valid {
		vec, err := parseVector(embedding.String)
		if err != nil {
			return nil, 0, fmt.Errorf("parse embedding: %w", err)
		}
		doc.Embedding = vec
	}
	if correspondentID.Valid {
		doc.CorrespondentID = &correspondentID.Int64
	}
	if documentTypeID.Valid {
		doc.DocumentTypeID = &documentTypeID.Int64
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &doc.ExtractedData); err != nil {
			return nil, 0, fmt.Errorf("unmarshal extracted data: %w", err)
		}
	}

	return &doc, score, nil
}

func scanDocuments(rows *sql.Rows) ([]domain.Document, error) {
	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// escapeLike escapes LIKE metacharacters in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
