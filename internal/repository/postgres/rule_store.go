package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kailas-cloud/docsense/internal/domain"
)

// RuleStore persists matching rules and their tag links.
type RuleStore struct {
	db *DB
}

// NewRuleStore creates a RuleStore.
func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `
	r.id, r.name, r.rule_order, r.match_field, r.match_operator, r.match_value,
	r.correspondent_id, r.document_type_id, r.enabled`

// Create inserts a rule with its tag links.
func (s *RuleStore) Create(ctx context.Context, rule *domain.MatchingRule) (int64, error) {
	var id int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO matching_rules
				(name, rule_order, match_field, match_operator, match_value,
				 correspondent_id, document_type_id, enabled)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			rule.Name, rule.Order, string(rule.MatchField), string(rule.MatchOperator),
			rule.MatchValue, rule.CorrespondentID, rule.DocumentTypeID, rule.Enabled,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		return s.replaceRuleTags(ctx, tx, id, rule.TagIDs)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Update replaces an existing rule.
func (s *RuleStore) Update(ctx context.Context, rule *domain.MatchingRule) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE matching_rules SET
				name = $2, rule_order = $3, match_field = $4, match_operator = $5,
				match_value = $6, correspondent_id = $7, document_type_id = $8, enabled = $9
			 WHERE id = $1`,
			rule.ID, rule.Name, rule.Order, string(rule.MatchField), string(rule.MatchOperator),
			rule.MatchValue, rule.CorrespondentID, rule.DocumentTypeID, rule.Enabled)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return s.replaceRuleTags(ctx, tx, rule.ID, rule.TagIDs)
	})
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM matching_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves one rule.
func (s *RuleStore) Get(ctx context.Context, id int64) (*domain.MatchingRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM matching_rules r WHERE r.id = $1`, id)

	rule, err := scanRule(row)
	if err != nil {
		return nil, err
	}
	if rule.TagIDs, err = s.ruleTagIDs(ctx, id); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns all rules ordered by evaluation order.
func (s *RuleStore) List(ctx context.Context) ([]domain.MatchingRule, error) {
	return s.list(ctx, false)
}

// ListEnabled returns active rules ordered by evaluation order.
func (s *RuleStore) ListEnabled(ctx context.Context) ([]domain.MatchingRule, error) {
	return s.list(ctx, true)
}

func (s *RuleStore) list(ctx context.Context, enabledOnly bool) ([]domain.MatchingRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM matching_rules r`
	if enabledOnly {
		query += ` WHERE r.enabled`
	}
	query += ` ORDER BY r.rule_order ASC, r.id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.MatchingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}

	for i := range rules {
		if rules[i].TagIDs, err = s.ruleTagIDs(ctx, rules[i].ID); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (s *RuleStore) replaceRuleTags(ctx context.Context, tx *sql.Tx, ruleID int64, tagIDs []int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM matching_rule_tags WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("clear rule tags: %w", err)
	}
	for _, tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO matching_rule_tags (rule_id, tag_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, ruleID, tagID); err != nil {
			return fmt.Errorf("link rule tag %d: %w", tagID, err)
		}
	}
	return nil
}

func (s *RuleStore) ruleTagIDs(ctx context.Context, ruleID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id FROM matching_rule_tags WHERE rule_id = $1 ORDER BY tag_id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("rule tags: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rule tag: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule tags: %w", err)
	}
	return ids, nil
}

func scanRule(row rowScanner) (*domain.MatchingRule, error) {
	var rule domain.MatchingRule
	var field, operator string
	var correspondentID, documentTypeID sql.NullInt64

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Order, &field, &operator, &rule.MatchValue,
		&correspondentID, &documentTypeID, &rule.Enabled,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}

	rule.MatchField = domain.MatchField(field)
	rule.MatchOperator = domain.MatchOperator(operator)
	if correspondentID.Valid {
		rule.CorrespondentID = &correspondentID.Int64
	}
	if documentTypeID.Valid {
		rule.DocumentTypeID = &documentTypeID.Int64
	}
	return &rule, nil
}
