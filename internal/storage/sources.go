package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const sourceColumns = `id, name, source_type, description, tags, enabled, priority,
	credibility_score, user_rating, accuracy, completeness, timeliness, consistency, reliability,
	query_count, results_served, avg_relevance, last_used_at,
	max_chunks, relevance_threshold, include_patterns, exclude_patterns, created_at, updated_at`

// SaveSource inserts a new knowledge source.
func (s *Store) SaveSource(src Source) error {
	now := time.Now().UTC()
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.Type, src.Description, orJSON(src.Tags), src.Enabled, src.Priority,
		src.CredibilityScore, src.UserRating,
		src.Accuracy, src.Completeness, src.Timeliness, src.Consistency, src.Reliability,
		src.QueryCount, src.ResultsServed, src.AvgRelevance, formatTime(src.LastUsedAt),
		src.MaxChunks, src.RelevanceThreshold, orJSON(src.IncludePatterns), orJSON(src.ExcludePatterns),
		formatTime(createdAt), formatTime(now),
	)
	return err
}

// GetSource returns a source by ID, or ErrNotFound.
func (s *Store) GetSource(id string) (Source, error) {
	row := s.db.QueryRow(`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return Source{}, ErrNotFound
	}
	return src, err
}

// ListSources returns sources ordered by priority descending. When
// enabledOnly is set, soft-disabled sources are excluded.
func (s *Store) ListSources(enabledOnly bool) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority DESC, name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSource replaces the mutable registration fields of a source. Usage
// statistics are updated separately via UpdateSourceUsage.
func (s *Store) UpdateSource(src Source) error {
	res, err := s.db.Exec(`
		UPDATE sources SET name = ?, source_type = ?, description = ?, tags = ?, enabled = ?,
			priority = ?, user_rating = ?,
			accuracy = ?, completeness = ?, timeliness = ?, consistency = ?, reliability = ?,
			max_chunks = ?, relevance_threshold = ?, include_patterns = ?, exclude_patterns = ?,
			updated_at = ?
		WHERE id = ?`,
		src.Name, src.Type, src.Description, orJSON(src.Tags), src.Enabled,
		src.Priority, src.UserRating,
		src.Accuracy, src.Completeness, src.Timeliness, src.Consistency, src.Reliability,
		src.MaxChunks, src.RelevanceThreshold, orJSON(src.IncludePatterns), orJSON(src.ExcludePatterns),
		formatTime(time.Now().UTC()), src.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DisableSource soft-disables a source; its vectors remain but it no longer
// participates in retrieval.
func (s *Store) DisableSource(id string) error {
	res, err := s.db.Exec(`UPDATE sources SET enabled = 0, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSourceUsage persists usage counters and derived scores after a query.
func (s *Store) UpdateSourceUsage(id string, queryCount, resultsServed int, avgRelevance, credibility float64, lastUsedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sources SET query_count = ?, results_served = ?, avg_relevance = ?,
			credibility_score = ?, last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		queryCount, resultsServed, avgRelevance, credibility,
		formatTime(lastUsedAt), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RateSource records a user rating (0-5) for a source.
func (s *Store) RateSource(id string, rating float64) error {
	res, err := s.db.Exec(`UPDATE sources SET user_rating = ?, updated_at = ? WHERE id = ?`,
		rating, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func orJSON(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

func scanSource(row rowScanner) (Source, error) {
	var src Source
	var lastUsedAt, createdAt, updatedAt string
	if err := row.Scan(&src.ID, &src.Name, &src.Type, &src.Description, &src.Tags, &src.Enabled, &src.Priority,
		&src.CredibilityScore, &src.UserRating,
		&src.Accuracy, &src.Completeness, &src.Timeliness, &src.Consistency, &src.Reliability,
		&src.QueryCount, &src.ResultsServed, &src.AvgRelevance, &lastUsedAt,
		&src.MaxChunks, &src.RelevanceThreshold, &src.IncludePatterns, &src.ExcludePatterns,
		&createdAt, &updatedAt); err != nil {
		return Source{}, err
	}
	var err error
	if src.LastUsedAt, err = parseTime(lastUsedAt); err != nil {
		return Source{}, fmt.Errorf("parsing last_used_at for source %s: %w", src.ID, err)
	}
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return Source{}, fmt.Errorf("parsing created_at for source %s: %w", src.ID, err)
	}
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Source{}, fmt.Errorf("parsing updated_at for source %s: %w", src.ID, err)
	}
	return src, nil
}
