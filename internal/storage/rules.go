package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const ruleColumns = `id, name, substring, query_type, tags, source_ids, multiplier, enabled, created_at`

// SaveRule inserts a priority rule.
func (s *Store) SaveRule(r PriorityRule) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	multiplier := r.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO priority_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Substring, r.QueryType, orJSON(r.Tags), orJSON(r.SourceIDs),
		multiplier, r.Enabled, formatTime(createdAt),
	)
	return err
}

// GetRule returns a rule by ID, or ErrNotFound.
func (s *Store) GetRule(id string) (PriorityRule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM priority_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return PriorityRule{}, ErrNotFound
	}
	return r, err
}

// ListRules returns rules, optionally only the enabled ones.
func (s *Store) ListRules(enabledOnly bool) ([]PriorityRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM priority_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []PriorityRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(id string) error {
	res, err := s.db.Exec(`DELETE FROM priority_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanRule(row rowScanner) (PriorityRule, error) {
	var r PriorityRule
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &r.Substring, &r.QueryType, &r.Tags, &r.SourceIDs,
		&r.Multiplier, &r.Enabled, &createdAt); err != nil {
		return PriorityRule{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return PriorityRule{}, fmt.Errorf("parsing created_at for rule %s: %w", r.ID, err)
	}
	return r, nil
}
